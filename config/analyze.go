package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/cochaviz/tapwire/internal/analysis"
	"github.com/cochaviz/tapwire/internal/appmeta"
	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/emulator"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/proxy"
	"github.com/cochaviz/tapwire/internal/repositories/local"
	"github.com/cochaviz/tapwire/internal/setup"
)

// EmulatorHostAlias is the address an Android emulator reaches the host
// loopback through.
const EmulatorHostAlias = "10.0.2.2"

// RunOptions tune RunApps.
type RunOptions struct {
	RunTime     time.Duration
	Permissions map[string]string
	KeepApps    bool
	// Store persists results when set.
	Store  *local.ResultStore
	Logger *slog.Logger
}

// Outcome is the result of analysing one app.
type Outcome struct {
	App      string
	Attempts int
	Result   *analysis.Result
	Stored   []local.StoredCapture
	Err      error
}

// Analyze runs every app of apps through the analysis described by cfg and
// persists the captured traffic below cfg.OutputDir.
func Analyze(ctx context.Context, cfg *Config, apps []string, logger *slog.Logger) ([]Outcome, error) {
	logger = logging.Ensure(logger).With("component", "config")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, errors.New("no apps to analyse")
	}

	session, err := NewSession(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to stop analysis session", "error", err)
		}
	}()

	if err := session.EnsureTrackingDomainResolution(ctx); err != nil {
		logger.Warn("tracking domain pre-flight check failed, traffic may be incomplete", "error", err)
	}

	outcomes := RunApps(ctx, session, apps, RunOptions{
		RunTime:     cfg.RunTime,
		Permissions: cfg.Permissions,
		KeepApps:    cfg.KeepApps,
		Store:       &local.ResultStore{BaseDir: cfg.OutputDir},
		Logger:      logger,
	})
	return outcomes, ctx.Err()
}

// NewSession provisions the proxy tooling and starts an analysis session
// for cfg.
func NewSession(ctx context.Context, cfg *Config, logger *slog.Logger) (*analysis.Session, error) {
	opts, err := sessionOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	proxyOpts, err := proxyOptions(ctx, cfg, opts.Target)
	if err != nil {
		return nil, err
	}
	opts.Proxy = proxyOpts
	return analysis.Start(ctx, opts)
}

// Preflight checks that tracking domains are not blocked by the host DNS.
func Preflight(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	return analysis.CheckTrackingDomains(ctx, nil, cfg.TrackingDomains, logger)
}

func sessionOptions(cfg *Config, logger *slog.Logger) (analysis.Options, error) {
	target, err := cfg.Target()
	if err != nil {
		return analysis.Options{}, err
	}
	logger = logging.Ensure(logger)

	opts := analysis.Options{
		Target:          target,
		Capabilities:    cfg.Capabilities,
		Instrumentation: instrumentation(cfg, target, logger),
		BootTries:       cfg.Emulator.BootTries,
		AppParser:       &appmeta.Parser{AAPT: cfg.Tools.AAPT},
		TrackingDomains: cfg.TrackingDomains,
		Versions:        versions(),
		Logger:          logger,
	}
	if target == device.AndroidEmulator {
		opts.Emulators = emulator.NewManager(managerOptions(cfg, logger))
		opts.Emulator = cfg.EmulatorSpec()
	}
	return opts, nil
}

func instrumentation(cfg *Config, target device.Target, logger *slog.Logger) device.Instrumentation {
	switch target {
	case device.IOSDevice:
		return device.NewIOS(device.IOSOptions{
			UDID:   cfg.IOS.UDID,
			Tools:  cfg.Tools.IOS,
			Hooks:  cfg.IOS.Hooks,
			Logger: logger,
		})
	default:
		serial := cfg.Android.Serial
		if target == device.AndroidEmulator {
			serial = fmt.Sprintf("emulator-%d", cfg.Emulator.Start.Port)
		}
		return device.NewAndroid(device.AndroidOptions{
			ADB:          cfg.Tools.ADB,
			Serial:       serial,
			Emulator:     target == device.AndroidEmulator,
			WireGuardAPK: cfg.Android.WireGuardAPK,
			Logger:       logger,
		})
	}
}

func managerOptions(cfg *Config, logger *slog.Logger) emulator.Options {
	return emulator.Options{
		Tools: emulator.Tools{
			Emulator:   cfg.Tools.Emulator,
			AVDManager: cfg.Tools.AVDManager,
			ADB:        cfg.Tools.ADB,
		},
		AVDHome: cfg.Tools.AVDHome,
		Logger:  logger,
	}
}

func proxyOptions(ctx context.Context, cfg *Config, target device.Target) (proxy.Options, error) {
	opts := proxy.Options{
		Mitmdump:       cfg.Proxy.Mitmdump,
		Addon:          cfg.Proxy.Addon,
		ConfDir:        cfg.Proxy.ConfDir,
		Mode:           proxy.ModeFor(target.Platform()),
		ListenHost:     cfg.Proxy.ListenHost,
		ListenPort:     cfg.Proxy.ListenPort,
		TunnelEndpoint: cfg.Proxy.TunnelEndpoint,
		HostAddress:    setup.HostAddress,
		StartupTimeout: cfg.Proxy.StartupTimeout,
	}
	if opts.TunnelEndpoint == "" && target == device.AndroidEmulator {
		opts.TunnelEndpoint = EmulatorHostAlias
	}
	if opts.Mitmdump != "" && opts.Addon != "" && opts.ConfDir != "" {
		return opts, nil
	}

	paths, err := setup.Bootstrap(ctx, setup.Options{Dir: cfg.DataDir})
	if err != nil {
		return proxy.Options{}, fmt.Errorf("provision proxy tooling: %w", err)
	}
	if opts.Mitmdump == "" {
		opts.Mitmdump = paths.Mitmdump
	}
	if opts.Addon == "" {
		opts.Addon = paths.EventsAddon()
	}
	if opts.ConfDir == "" {
		opts.ConfDir = paths.ConfDir
	}
	return opts, nil
}

func versions() map[string]string {
	out := map[string]string{"go": runtime.Version()}
	if info, ok := debug.ReadBuildInfo(); ok {
		out["tapwire"] = info.Main.Version
	}
	return out
}

type queued struct {
	app      string
	attempts int
}

// RunApps analyses apps one after the other. An app whose run fails with an
// emulator error is requeued once at the end of the queue.
func RunApps(ctx context.Context, session *analysis.Session, apps []string, opts RunOptions) []Outcome {
	logger := logging.Ensure(opts.Logger)
	queue := make([]queued, 0, len(apps))
	for _, app := range apps {
		queue = append(queue, queued{app: app})
	}

	var outcomes []Outcome
	for len(queue) > 0 && ctx.Err() == nil {
		item := queue[0]
		queue = queue[1:]
		item.attempts++

		appLogger := logger.With("app", item.app, "attempt", item.attempts)
		result, err := analyzeApp(ctx, session, item.app, opts)
		if _, ok := emulator.AsError(err); ok && item.attempts == 1 {
			appLogger.Warn("emulator failed during analysis, requeueing app", "error", err)
			queue = append(queue, item)
			continue
		}

		outcome := Outcome{App: item.app, Attempts: item.attempts, Result: result, Err: err}
		if result != nil && opts.Store != nil {
			stored, storeErr := opts.Store.StoreResult(result)
			outcome.Stored = stored
			outcome.Err = errors.Join(outcome.Err, storeErr)
		}
		if outcome.Err != nil {
			appLogger.Error("app analysis failed", "error", outcome.Err)
		} else {
			appLogger.Info("app analysis finished", "captures", len(outcome.Stored))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func analyzeApp(ctx context.Context, session *analysis.Session, app string, opts RunOptions) (*analysis.Result, error) {
	if err := session.EnsureDevice(ctx, analysis.EnsureOptions{}); err != nil {
		return nil, err
	}
	appSession, err := session.StartAppAnalysis(ctx, app, analysis.AppOptions{})
	if err != nil {
		return nil, err
	}

	installed := false
	runErr := func() error {
		if appSession.FromPackage() {
			if err := appSession.InstallApp(ctx); err != nil {
				return err
			}
			installed = true
		}
		if err := appSession.SetAppPermissions(ctx, opts.Permissions); err != nil {
			return err
		}
		if err := appSession.StartTrafficCollection(ctx, ""); err != nil {
			return err
		}
		if err := appSession.StartApp(ctx); err != nil {
			return err
		}
		waitWithContext(ctx, opts.RunTime)
		if err := appSession.StopApp(ctx); err != nil {
			return err
		}
		return appSession.StopTrafficCollection(ctx)
	}()

	result, stopErr := appSession.Stop(context.WithoutCancel(ctx), analysis.StopOptions{
		UninstallApp: installed && !opts.KeepApps,
	})
	if err := errors.Join(runErr, stopErr); err != nil {
		return result, err
	}
	return result, nil
}

func waitWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Setup provisions the proxy tooling into cfg.DataDir.
func Setup(ctx context.Context, cfg *Config, reinstall bool) (setup.Paths, error) {
	return setup.Bootstrap(ctx, setup.Options{Dir: cfg.DataDir, Reinstall: reinstall})
}

// SnapshotDevice names the virtual device snapshot commands act on: the
// explicit name, else the fingerprinted name of the creation config.
func SnapshotDevice(cfg *Config, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if cfg.Emulator.Name != "" {
		return cfg.Emulator.Name, nil
	}
	if spec := cfg.EmulatorSpec(); spec.Create != nil {
		return emulator.ManagedName(*spec.Create)
	}
	return "", fmt.Errorf("no emulator name given and none configured")
}

// ListSnapshots lists the snapshots of a virtual device.
func ListSnapshots(cfg *Config, name string) ([]string, error) {
	return emulator.NewManager(managerOptions(cfg, nil)).ListSnapshots(name)
}

// DeleteSnapshot removes one snapshot of a virtual device.
func DeleteSnapshot(cfg *Config, name, snapshot string) error {
	return emulator.NewManager(managerOptions(cfg, nil)).DeleteSnapshot(name, snapshot)
}

// LoadOrDefault loads path, or returns the defaults when path is empty or
// does not exist and was not explicitly requested.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	if path != "" {
		cfg, err := Load(path)
		if err == nil || explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg, nil
}
