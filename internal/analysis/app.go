package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cochaviz/tapwire/internal/appmeta"
	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/har"
	"github.com/cochaviz/tapwire/internal/proxy"
)

// CollectionNameFormat names app collections that were not given a name.
const CollectionNameFormat = time.RFC3339Nano

// AppOptions tune StartAppAnalysis.
type AppOptions struct {
	// SplitFiles are further APKs of a split app. Only valid on Android and
	// only with a package path.
	SplitFiles []string
	// NoInterruptHandler skips the cleanup-on-interrupt registration.
	NoInterruptHandler bool
}

// StopOptions tune AppSession.Stop.
type StopOptions struct {
	UninstallApp bool
}

// Result is everything an app analysis produced.
type Result struct {
	App    appmeta.Metadata
	Device device.Info
	// Traffic holds the captured documents by collection name.
	Traffic map[string]*har.Document
	// Events are diagnostic proxy events and not a stable format.
	Events []proxy.Event
}

// AppSession runs one app inside a Session.
type AppSession struct {
	session *Session
	meta    appmeta.Metadata
	paths   []string
	logger  *slog.Logger

	mu              sync.Mutex
	traffic         map[string]*har.Document
	collection      string
	removeInterrupt func()
	stopped         bool
}

// StartAppAnalysis binds an app to the session. app is either the path of an
// app package or the identifier of an installed app; existing files take
// precedence.
func (s *Session) StartAppAnalysis(ctx context.Context, app string, opts AppOptions) (*AppSession, error) {
	if len(opts.SplitFiles) > 0 && s.opts.Target.Platform() != device.PlatformAndroid {
		return nil, errdefs.Usage("start app analysis", "split packages are only supported on Android")
	}

	var (
		meta  *appmeta.Metadata
		paths []string
	)
	_, statErr := os.Stat(app)
	switch {
	case statErr == nil:
		paths = append([]string{app}, opts.SplitFiles...)
		parsed, err := s.opts.AppParser.Parse(ctx, paths...)
		if err != nil {
			return nil, fmt.Errorf("read app package: %w", err)
		}
		meta = parsed
	case errors.Is(statErr, fs.ErrNotExist):
		if len(opts.SplitFiles) > 0 {
			return nil, errdefs.Usage("start app analysis", "split files need the base package path, %q is not a file", app)
		}
		installed, err := s.inst.IsAppInstalled(ctx, app)
		if err != nil {
			return nil, fmt.Errorf("check app %s: %w", app, err)
		}
		if !installed {
			return nil, errdefs.Usage("start app analysis", "%q is neither a file nor an installed app", app)
		}
		meta = &appmeta.Metadata{ID: app}
	default:
		return nil, fmt.Errorf("stat %s: %w", app, statErr)
	}

	a := &AppSession{
		session: s,
		meta:    *meta,
		paths:   paths,
		logger:  s.logger.With("app", meta.ID),
		traffic: make(map[string]*har.Document),
	}
	if !opts.NoInterruptHandler {
		a.removeInterrupt = s.onInterrupt()
	}
	a.logger.Info("Started app analysis", "version", meta.Version)
	return a, nil
}

// App is the metadata of the analysed app.
func (a *AppSession) App() appmeta.Metadata {
	return a.meta
}

// FromPackage reports whether the app was given as a package file.
func (a *AppSession) FromPackage() bool {
	return len(a.paths) > 0
}

// InstallApp installs the app package. Apps given by identifier have no
// package to install.
func (a *AppSession) InstallApp(ctx context.Context) error {
	if len(a.paths) == 0 {
		return errdefs.Usage("install app", "app %s was given by identifier, there is nothing to install", a.meta.ID)
	}
	if err := a.session.inst.InstallApp(ctx, a.paths[0], a.paths[1:]...); err != nil {
		return fmt.Errorf("install %s: %w", a.meta.ID, err)
	}
	a.logger.Info("Installed app")
	return nil
}

func (a *AppSession) UninstallApp(ctx context.Context) error {
	if err := a.session.inst.UninstallApp(ctx, a.meta.ID); err != nil {
		return fmt.Errorf("uninstall %s: %w", a.meta.ID, err)
	}
	return nil
}

// SetAppPermissions applies perms. An empty map grants every permission the
// app can request, with location set to always on iOS.
func (a *AppSession) SetAppPermissions(ctx context.Context, perms map[string]string) error {
	if err := a.session.inst.SetAppPermissions(ctx, a.meta.ID, perms); err != nil {
		return fmt.Errorf("set permissions of %s: %w", a.meta.ID, err)
	}
	return nil
}

func (a *AppSession) StartApp(ctx context.Context) error {
	if err := a.session.inst.StartApp(ctx, a.meta.ID); err != nil {
		return fmt.Errorf("start %s: %w", a.meta.ID, err)
	}
	a.logger.Info("Started app")
	return nil
}

func (a *AppSession) StopApp(ctx context.Context) error {
	if err := a.session.inst.StopApp(ctx, a.meta.ID); err != nil {
		return fmt.Errorf("stop %s: %w", a.meta.ID, err)
	}
	return nil
}

// StartTrafficCollection collects the traffic of this app only. An empty
// name defaults to the current time.
func (a *AppSession) StartTrafficCollection(ctx context.Context, name string) error {
	if name == "" {
		name = time.Now().UTC().Format(CollectionNameFormat)
	}
	a.mu.Lock()
	if _, dup := a.traffic[name]; dup {
		a.mu.Unlock()
		return errdefs.Usage("start traffic collection", "collection %q already exists", name)
	}
	a.mu.Unlock()

	if err := a.session.StartTrafficCollection(ctx, proxy.AllowList(a.meta.ID)); err != nil {
		return err
	}
	a.mu.Lock()
	a.collection = name
	a.mu.Unlock()
	return nil
}

// StopTrafficCollection stores the traffic of the open app collection under
// its name. Traffic that was read is stored even when restoring the device
// failed afterwards.
func (a *AppSession) StopTrafficCollection(ctx context.Context) error {
	a.mu.Lock()
	name := a.collection
	a.mu.Unlock()
	if name == "" {
		return proxy.ErrNoCollection
	}

	doc, err := a.session.stopCollection(ctx, &a.meta)
	a.mu.Lock()
	a.collection = ""
	if doc != nil {
		a.traffic[name] = doc
	}
	a.mu.Unlock()
	return err
}

// Stop ends the app analysis and assembles its result. An open collection
// is stopped and kept; a failure to do so is returned together with the
// result of the earlier collections.
func (a *AppSession) Stop(ctx context.Context, opts StopOptions) (*Result, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil, errdefs.Usage("stop app analysis", "app analysis of %s already stopped", a.meta.ID)
	}
	a.stopped = true
	open := a.collection != ""
	remove := a.removeInterrupt
	a.removeInterrupt = nil
	a.mu.Unlock()

	var errs []error
	if open {
		if err := a.StopTrafficCollection(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if opts.UninstallApp {
		if err := a.UninstallApp(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if remove != nil {
		remove()
	}

	info, _ := a.session.DeviceInfo()
	a.mu.Lock()
	traffic := make(map[string]*har.Document, len(a.traffic))
	for name, doc := range a.traffic {
		traffic[name] = doc
	}
	a.mu.Unlock()

	a.logger.Info("Finished app analysis", "collections", len(traffic))
	return &Result{
		App:     a.meta,
		Device:  info,
		Traffic: traffic,
		Events:  a.session.ProxyEvents(),
	}, errors.Join(errs...)
}
