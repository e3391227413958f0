// Package analysis sequences one analysis session: it makes the device ready,
// runs apps on it and collects their traffic through the intercepting proxy.
//
// A Session is not safe for concurrent lifecycle calls. The single live
// emulator process and the single open traffic collection rely on callers
// invoking one operation at a time.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/tapwire/internal/appmeta"
	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/emulator"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/har"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/proxy"
)

const (
	// DefaultBootTries is the number of boot-completed polls before a boot
	// attempt counts as failed.
	DefaultBootTries = 60
	// ReensureTimeout bounds the forced device restart after a reset timed
	// out.
	ReensureTimeout = 60 * time.Second

	interruptCleanupTimeout = 30 * time.Second
)

// EmulatorResolver finds or creates the emulator a session runs on.
type EmulatorResolver interface {
	Resolve(ctx context.Context, spec emulator.Spec) (*emulator.Handle, error)
}

// AppParser reads app package metadata.
type AppParser interface {
	Parse(ctx context.Context, paths ...string) (*appmeta.Metadata, error)
}

// Options configure a Session.
type Options struct {
	Target          device.Target
	Capabilities    []string
	Instrumentation device.Instrumentation

	// Emulators and Emulator are required for device.AndroidEmulator.
	Emulators EmulatorResolver
	Emulator  emulator.Spec
	BootTries int

	Proxy     proxy.Options
	AppParser AppParser

	// Resolver and TrackingDomains drive EnsureTrackingDomainResolution.
	Resolver        Resolver
	TrackingDomains []string

	// Versions are recorded in every captured document.
	Versions map[string]string
	Logger   *slog.Logger

	// Exit terminates the program after interrupt cleanup. Defaults to
	// os.Exit.
	Exit func(code int)
}

// EnsureOptions tune EnsureDevice.
type EnsureOptions struct {
	// KillExisting shuts down any emulator at the session's serial before
	// booting, including one left over from another run.
	KillExisting bool
	// ForceRestart restarts the emulator even if it is running.
	ForceRestart bool
	// SkipReset keeps the current device state instead of loading the
	// clean snapshot.
	SkipReset bool
}

// Session owns the device, emulator and proxy of one analysis run.
type Session struct {
	opts   Options
	logger *slog.Logger
	inst   device.Instrumentation
	proxy  *proxy.Controller

	reensureTimeout time.Duration

	mu   sync.Mutex
	emu  *emulator.Handle
	info *device.Info
}

// Start validates opts and prepares a session. It does not touch the device;
// call EnsureDevice before running apps.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.Target.Platform() == "" {
		return nil, errdefs.Usage("start analysis", "no valid target selected")
	}
	if opts.Instrumentation == nil {
		return nil, errdefs.Usage("start analysis", "no instrumentation for %s", opts.Target)
	}
	if opts.Target == device.AndroidEmulator {
		if opts.Emulators == nil {
			return nil, errdefs.Usage("start analysis", "emulator target needs an emulator manager")
		}
		if strings.TrimSpace(opts.Emulator.Name) == "" && opts.Emulator.Create == nil {
			return nil, errdefs.Usage("start analysis", "emulator target needs an emulator name or creation config")
		}
		if opts.Emulator.Create != nil && opts.Emulator.Create.Capabilities == nil {
			opts.Emulator.Create.Capabilities = append([]string{}, opts.Capabilities...)
		}
	}
	if opts.BootTries <= 0 {
		opts.BootTries = DefaultBootTries
	}
	if opts.AppParser == nil {
		opts.AppParser = &appmeta.Parser{}
	}
	if opts.Resolver == nil {
		opts.Resolver = defaultResolver()
	}
	if len(opts.TrackingDomains) == 0 {
		opts.TrackingDomains = DefaultTrackingDomains
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}

	logger := logging.Ensure(opts.Logger).With("component", "analysis", "target", opts.Target.String())
	proxyOpts := opts.Proxy
	if proxyOpts.Mode == "" {
		proxyOpts.Mode = proxy.ModeFor(opts.Target.Platform())
	}
	if proxyOpts.Logger == nil {
		proxyOpts.Logger = logger
	}

	logger.Debug("Analysis session prepared", "capabilities", opts.Capabilities)
	return &Session{
		opts:            opts,
		logger:          logger,
		inst:            opts.Instrumentation,
		proxy:           proxy.New(opts.Instrumentation, proxyOpts),
		reensureTimeout: ReensureTimeout,
	}, nil
}

// Target is the platform and run kind of the session.
func (s *Session) Target() device.Target {
	return s.opts.Target
}

// Emulator is the resolved emulator, or nil before the first EnsureDevice
// or for physical devices.
func (s *Session) Emulator() *emulator.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu
}

// DeviceInfo is the device description of the last successful EnsureDevice.
func (s *Session) DeviceInfo() (device.Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return device.Info{}, false
	}
	return *s.info, true
}

// ProxyEvents are the diagnostic proxy events seen so far.
func (s *Session) ProxyEvents() []proxy.Event {
	return s.proxy.Events()
}

// EnsureDevice makes the device ready for the next app. It is meant to be
// called before every app run and recovers from failures of earlier runs.
func (s *Session) EnsureDevice(ctx context.Context, opts EnsureOptions) error {
	if s.opts.Target == device.AndroidEmulator {
		if err := s.ensureEmulator(ctx, opts); err != nil {
			return err
		}
	} else if err := s.inst.EnsureDevice(ctx); err != nil {
		return fmt.Errorf("ensure device: %w", err)
	}
	return s.describeDevice(ctx)
}

func (s *Session) ensureEmulator(ctx context.Context, opts EnsureOptions) error {
	emu, err := s.resolveEmulator(ctx)
	if err != nil {
		return err
	}

	force := opts.ForceRestart
	if opts.KillExisting {
		emu.Stop()
		if ctrl, ok := s.inst.(device.EmulatorControl); ok {
			if err := ctrl.KillEmulator(ctx); err != nil {
				s.logger.Debug("No stray emulator to kill", "error", err)
			}
		}
		force = true
	}

	tries := s.opts.BootTries
	if err := emu.Boot(ctx, force, func(guard context.Context) error {
		return s.inst.WaitForDevice(guard, tries)
	}); err != nil {
		return err
	}

	if !opts.SkipReset && emu.Snapshot() != "" {
		if err := s.ResetDevice(ctx); err != nil {
			return err
		}
	}
	if err := s.inst.EnsureDevice(ctx); err != nil {
		return fmt.Errorf("ensure device: %w", err)
	}
	return s.captureCleanState(ctx, emu)
}

func (s *Session) resolveEmulator(ctx context.Context) (*emulator.Handle, error) {
	s.mu.Lock()
	emu := s.emu
	s.mu.Unlock()
	if emu != nil {
		return emu, nil
	}

	emu, err := s.opts.Emulators.Resolve(ctx, s.opts.Emulator)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.emu = emu
	s.mu.Unlock()
	return emu, nil
}

// captureCleanState plants honey data on a freshly created emulator and
// saves the result as its clean snapshot.
func (s *Session) captureCleanState(ctx context.Context, emu *emulator.Handle) error {
	if !emu.Managed() || emu.Snapshot() != "" {
		return nil
	}
	ctrl, ok := s.inst.(device.EmulatorControl)
	if !ok {
		return nil
	}
	if cfg := emu.CreateConfig(); cfg != nil && cfg.HoneyData != nil {
		if err := s.seedHoneyData(ctx, *cfg.HoneyData); err != nil {
			return err
		}
	}
	_, err := emu.CaptureCleanSnapshot(ctx, ctrl)
	return err
}

func (s *Session) seedHoneyData(ctx context.Context, honey emulator.HoneyData) error {
	seeder, ok := s.inst.(device.HoneySeeder)
	if !ok {
		s.logger.Warn("Device cannot be seeded with honey data")
		return nil
	}
	if honey.DeviceName != "" {
		if err := seeder.SetDeviceName(ctx, honey.DeviceName); err != nil {
			return fmt.Errorf("seed device name: %w", err)
		}
	}
	if honey.Clipboard != "" {
		err := seeder.SetClipboard(ctx, honey.Clipboard)
		switch {
		case errors.Is(err, errors.ErrUnsupported):
			s.logger.Warn("Clipboard honey data is not supported on this device")
		case err != nil:
			return fmt.Errorf("seed clipboard: %w", err)
		}
	}
	s.logger.Info("Seeded honey data")
	return nil
}

func (s *Session) describeDevice(ctx context.Context) error {
	info := device.Info{
		Platform: s.opts.Target.Platform(),
		RunKind:  s.opts.Target.RunKind(),
	}
	for _, attr := range device.DescribeAttributes {
		value, err := s.inst.DeviceAttribute(ctx, attr)
		if err != nil {
			return fmt.Errorf("describe device: %w", err)
		}
		switch attr {
		case device.AttrOSVersion:
			info.OSVersion = value
		case device.AttrOSBuild:
			info.OSBuild = value
		case device.AttrManufacturer:
			info.Manufacturer = value
		case device.AttrModel:
			info.Model = value
		case device.AttrArchitectures:
			if value != "" {
				info.Architectures = strings.Split(value, ",")
			}
		}
	}

	s.mu.Lock()
	s.info = &info
	s.mu.Unlock()
	s.logger.Info("Device ready", "model", info.Model, "os_version", info.OSVersion)
	return nil
}

// ResetDevice loads the emulator's reset snapshot. When loading times out
// the emulator is restarted once, bounded by ReensureTimeout, and the reset
// is tried a second time.
func (s *Session) ResetDevice(ctx context.Context) error {
	if s.opts.Target != device.AndroidEmulator {
		return errdefs.Usage("reset device", "only emulators can be reset, target is %s", s.opts.Target)
	}
	emu := s.Emulator()
	if emu == nil {
		return errdefs.Usage("reset device", "no emulator resolved yet, call EnsureDevice first")
	}
	ctrl, ok := s.inst.(device.EmulatorControl)
	if !ok {
		return errdefs.Usage("reset device", "instrumentation cannot control emulator snapshots")
	}

	err := emu.Reset(ctx, ctrl)
	if !errdefs.IsTimeout(err) {
		return err
	}
	s.logger.Warn("Device reset timed out, restarting emulator", "error", err)

	ensureCtx, cancel := context.WithTimeout(ctx, s.reensureTimeout)
	defer cancel()
	if err := s.EnsureDevice(ensureCtx, EnsureOptions{KillExisting: true, SkipReset: true}); err != nil {
		if errors.Is(ensureCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return errdefs.Timeout("re-ensure device", s.reensureTimeout, err)
		}
		return fmt.Errorf("re-ensure device after reset timeout: %w", err)
	}
	return emu.Reset(ctx, ctrl)
}

// StartTrafficCollection starts a device-wide collection limited to scope.
// Only one collection can be open per session.
func (s *Session) StartTrafficCollection(ctx context.Context, scope proxy.Scope) error {
	if s.proxy.Active() {
		return proxy.ErrCollectionActive
	}
	return s.proxy.Start(ctx, scope)
}

// StopTrafficCollection ends the open collection and returns its traffic
// annotated with the session metadata. When the traffic was read but
// restoring the device failed, both the traffic and the error are returned.
func (s *Session) StopTrafficCollection(ctx context.Context) (*har.Document, error) {
	return s.stopCollection(ctx, nil)
}

func (s *Session) stopCollection(ctx context.Context, app *appmeta.Metadata) (*har.Document, error) {
	capture, err := s.proxy.Stop(ctx)
	if capture == nil {
		return nil, err
	}
	capture.Traffic.Annotate(s.metadata(capture, app))
	s.logger.Info("Collected traffic", "collection", capture.ID, "entries", len(capture.Traffic.Log.Entries))
	if err != nil {
		s.logger.Warn("Traffic collection cleanup failed", "collection", capture.ID, "error", err)
	}
	return capture.Traffic, err
}

func (s *Session) metadata(capture *proxy.Capture, app *appmeta.Metadata) har.Metadata {
	info, _ := s.DeviceInfo()
	if info.Platform == "" {
		info.Platform = s.opts.Target.Platform()
		info.RunKind = s.opts.Target.RunKind()
	}
	meta := har.Metadata{
		StartTime: capture.Started,
		EndTime:   capture.Ended,
		Scope:     capture.Scope.Describe(),
		Device: har.Device{
			Platform:      string(info.Platform),
			RunTarget:     string(info.RunKind),
			OSVersion:     info.OSVersion,
			OSBuild:       info.OSBuild,
			Manufacturer:  info.Manufacturer,
			Model:         info.Model,
			Architectures: info.Architectures,
		},
		Versions: s.opts.Versions,
	}
	if app != nil {
		archs := make([]string, 0, len(app.Architectures))
		for _, a := range app.Architectures {
			archs = append(archs, a.String())
		}
		meta.App = &har.App{
			ID:            app.ID,
			Name:          app.Name,
			Version:       app.Version,
			VersionCode:   app.VersionCode,
			Architectures: archs,
			ContentHash:   app.ContentHash,
		}
	}
	return meta
}

// Stop aborts an open collection and kills the emulator. It is safe to call
// on a session that never touched a device and to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	var errs []error
	if s.proxy.Active() {
		if err := s.proxy.Abort(ctx); err != nil {
			errs = append(errs, fmt.Errorf("abort traffic collection: %w", err))
		}
	}
	if emu := s.Emulator(); emu != nil {
		emu.Stop()
	}
	return errors.Join(errs...)
}
