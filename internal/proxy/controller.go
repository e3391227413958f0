// Package proxy runs mitmproxy as the intercepting proxy of a traffic
// collection and routes the device through it.
//
// A Controller holds at most one active collection. Starting installs the
// proxy's certificate authority on the device, launches mitmdump with the
// events addon and a HAR dump target, waits for the proxy to report its
// listeners and points the device at them. Stopping reverses every step and
// returns the decoded traffic.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/har"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/process"
)

// DefaultStartupTimeout bounds the proxy startup sequence.
const DefaultStartupTimeout = 30 * time.Second

// Mode is the mitmproxy listener mode.
type Mode string

const (
	// ModeWireGuard serves a WireGuard tunnel the device connects to.
	ModeWireGuard Mode = "wireguard"
	// ModeRegular serves a plain HTTP(S) forward proxy.
	ModeRegular Mode = "regular"
)

// ModeFor returns the listener mode used for a platform.
func ModeFor(platform device.Platform) Mode {
	if platform == device.PlatformIOS {
		return ModeRegular
	}
	return ModeWireGuard
}

var (
	ErrCollectionActive = &errdefs.UsageError{Op: "start traffic collection", Reason: "a traffic collection is already active"}
	ErrNoCollection     = &errdefs.UsageError{Op: "stop traffic collection", Reason: "no traffic collection is active"}
)

// DumpKind tells why a traffic dump could not be used.
type DumpKind string

const (
	DumpUnreadable DumpKind = "unreadable"
	DumpInvalid    DumpKind = "invalid"
)

// DumpError reports a traffic dump that could not be read or decoded.
type DumpError struct {
	Kind DumpKind
	Path string
	Err  error
}

func (e *DumpError) Error() string {
	return fmt.Sprintf("traffic dump %s is %s: %v", e.Path, e.Kind, e.Err)
}

func (e *DumpError) Unwrap() error {
	return e.Err
}

// Device is the part of the instrumentation a collection needs.
type Device interface {
	InstallCertificateAuthority(ctx context.Context, path string) error
	RemoveCertificateAuthority(ctx context.Context, path string) error
	SetProxy(ctx context.Context, route *device.Route) error
}

// Options configure a Controller.
type Options struct {
	// Mitmdump is the mitmdump executable.
	Mitmdump string
	// Addon is the path of the events addon script.
	Addon string
	// ConfDir is the mitmproxy configuration directory holding its CA.
	ConfDir string
	Mode    Mode
	// ListenHost and ListenPort apply to ModeRegular.
	ListenHost string
	ListenPort int
	// TunnelEndpoint replaces the host of the WireGuard peer endpoint, for
	// example 10.0.2.2 to reach the host from an Android emulator.
	TunnelEndpoint string
	// HostAddress resolves the address a device uses to reach a gateway
	// listening on a wildcard address.
	HostAddress    func() (string, error)
	StartupTimeout time.Duration
	GracePeriod    time.Duration
	Logger         *slog.Logger
}

// Capture is the result of one finished collection.
type Capture struct {
	ID      string
	Started time.Time
	Ended   time.Time
	Scope   Scope
	Route   device.Route
	Traffic *har.Document
}

type collection struct {
	id       string
	started  time.Time
	scope    Scope
	proc     *process.Handle
	dumpPath string
	route    device.Route
	console  *logging.Writer
}

// Controller owns the traffic collections of one analysis session.
type Controller struct {
	opts   Options
	device Device
	logger *slog.Logger

	mu     sync.Mutex
	active *collection
	events []Event
}

// New builds a Controller for dev.
func New(dev Device, opts Options) *Controller {
	if opts.Mitmdump == "" {
		opts.Mitmdump = "mitmdump"
	}
	if opts.Mode == "" {
		opts.Mode = ModeWireGuard
	}
	if opts.ListenPort == 0 {
		opts.ListenPort = 8080
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = process.DefaultGracePeriod
	}
	return &Controller{
		opts:   opts,
		device: dev,
		logger: logging.Ensure(opts.Logger).With("component", "proxy"),
	}
}

// CertificatePath is the CA certificate mitmproxy generates in its confdir.
func (c *Controller) CertificatePath() string {
	return filepath.Join(c.opts.ConfDir, "mitmproxy-ca-cert.pem")
}

// Active reports whether a collection is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Events returns every proxy event observed by this controller.
func (c *Controller) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *Controller) args(dumpPath string) []string {
	args := []string{"--quiet", "-s", c.opts.Addon, "--set", "hardump=" + dumpPath}
	if c.opts.ConfDir != "" {
		args = append(args, "--set", "confdir="+c.opts.ConfDir)
	}
	switch c.opts.Mode {
	case ModeRegular:
		args = append(args, "--mode", "regular",
			"--listen-host", c.opts.ListenHost,
			"--listen-port", strconv.Itoa(c.opts.ListenPort))
	default:
		args = append(args, "--mode", string(c.opts.Mode))
	}
	return args
}

// Start opens a collection for scope. The device routes through the proxy
// once Start returns.
func (c *Controller) Start(ctx context.Context, scope Scope) (err error) {
	ctx, span := startSpan(ctx, "proxy.Start", attribute.String("scope", string(scope.mode())))
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	if err := scope.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrCollectionActive
	}
	// Reserve the slot so a concurrent Start cannot spawn a second proxy.
	pending := &collection{id: uuid.NewString(), scope: scope}
	c.active = pending
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}

	certPath := c.CertificatePath()
	if err := c.device.InstallCertificateAuthority(ctx, certPath); err != nil {
		release()
		return fmt.Errorf("install proxy certificate authority: %w", err)
	}

	pending.dumpPath = filepath.Join(os.TempDir(), "tapwire-"+pending.id+".har")
	pending.console = logging.LineWriter(c.logger, slog.LevelDebug, "proxy output")
	proc, err := process.Start(process.Options{
		Path:        c.opts.Mitmdump,
		Args:        c.args(pending.dumpPath),
		EventPrefix: EventPrefix,
		Console:     pending.console,
	})
	if err != nil {
		release()
		return errors.Join(fmt.Errorf("start proxy: %w", err), c.removeCA(ctx, certPath))
	}
	pending.proc = proc
	proc.Subscribe(c.record)

	route, err := c.awaitRoute(ctx, proc, scope)
	if err == nil {
		err = c.device.SetProxy(ctx, &route)
		if err != nil {
			err = errors.Join(fmt.Errorf("route device through proxy: %w", err), c.device.SetProxy(ctx, nil))
		}
	}
	if err != nil {
		proc.Terminate(c.opts.GracePeriod)
		pending.console.Flush()
		_ = os.Remove(pending.dumpPath)
		release()
		return errors.Join(err, c.removeCA(ctx, certPath))
	}

	c.mu.Lock()
	pending.route = route
	pending.started = time.Now().UTC()
	c.mu.Unlock()
	c.logger.Info("Traffic collection started", "collection", pending.id, "mode", c.opts.Mode, "scope", scope.mode(), "apps", scope.Apps)
	return nil
}

// awaitRoute waits for the running and proxyChanged events within the
// startup timeout and derives the device route from the reported listener.
func (c *Controller) awaitRoute(ctx context.Context, proc *process.Handle, scope Scope) (device.Route, error) {
	startCtx, cancel := context.WithTimeout(ctx, c.opts.StartupTimeout)
	defer cancel()

	wrap := func(err error) error {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return errdefs.Timeout("start proxy", c.opts.StartupTimeout, err)
		case errors.Is(err, process.ErrOutputClosed):
			<-proc.Done()
			return fmt.Errorf("proxy exited during startup (code %d): %w\n%s", proc.Exit().Code, err, proc.Console())
		default:
			return err
		}
	}

	kind := string(c.opts.Mode)
	var changed Event
	waitErrs := make(chan error, 2)
	go func() {
		_, err := proc.WaitForEvent(startCtx, func(ev process.Event) bool {
			decoded, err := decodeEvent(ev)
			return err == nil && decoded.Status == StatusRunning
		})
		waitErrs <- err
	}()
	go func() {
		ev, err := proc.WaitForEvent(startCtx, func(ev process.Event) bool {
			decoded, err := decodeEvent(ev)
			if err != nil || decoded.Status != StatusProxyChanged {
				return false
			}
			_, ok := decoded.listener(kind)
			return ok
		})
		if err == nil {
			changed, err = decodeEvent(ev)
		}
		waitErrs <- err
	}()
	for range 2 {
		if err := <-waitErrs; err != nil {
			cancel()
			return device.Route{}, wrap(err)
		}
	}

	listener, _ := changed.listener(kind)
	if c.opts.Mode == ModeWireGuard {
		if listener.WireGuardConf == "" {
			return device.Route{}, fmt.Errorf("proxy listener %s reported no tunnel configuration", listener.FullSpec)
		}
		return device.Route{Tunnel: RewriteTunnelConfig(listener.WireGuardConf, scope, c.opts.TunnelEndpoint)}, nil
	}

	if len(listener.ListenAddrs) == 0 {
		return device.Route{}, fmt.Errorf("proxy listener %s reported no listen address", listener.FullSpec)
	}
	addr := listener.ListenAddrs[0]
	host := addr.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if c.opts.HostAddress == nil {
			return device.Route{}, errors.New("proxy listens on a wildcard address and no host address resolver is configured")
		}
		resolved, err := c.opts.HostAddress()
		if err != nil {
			return device.Route{}, fmt.Errorf("resolve gateway host address: %w", err)
		}
		host = resolved
	}
	return device.Route{Host: host, Port: addr.Port}, nil
}

func (c *Controller) record(ev process.Event) {
	decoded, err := decodeEvent(ev)
	if err != nil {
		c.logger.Debug("Ignoring proxy event", "error", err)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, decoded)
	c.mu.Unlock()

	switch decoded.Status {
	case StatusTLSFailed:
		attrs := []any{"error", decoded.Context.errorText()}
		if decoded.Context != nil && decoded.Context.ServerAddress != nil {
			attrs = append(attrs, "server", decoded.Context.ServerAddress.Host)
		}
		c.logger.Debug("TLS handshake with client failed", attrs...)
	case StatusClientConnected:
		c.logger.Debug("Proxy client connected")
	}
}

func (e *EventContext) errorText() string {
	if e == nil {
		return ""
	}
	return e.Error
}

// Stop closes the active collection and returns its traffic. The device
// route and the certificate authority are removed even when the dump cannot
// be read.
func (c *Controller) Stop(ctx context.Context) (capture *Capture, err error) {
	ctx, span := startSpan(ctx, "proxy.Stop")
	defer span.End()
	defer func() { recordSpanError(span, err) }()

	c.mu.Lock()
	active := c.active
	if active == nil || active.proc == nil || active.started.IsZero() {
		c.mu.Unlock()
		return nil, ErrNoCollection
	}
	c.mu.Unlock()
	span.SetAttributes(attribute.String("collection", active.id))

	go active.proc.Terminate(c.opts.GracePeriod)
	<-active.proc.OutputClosed()
	<-active.proc.Done()
	active.console.Flush()
	ended := time.Now().UTC()

	traffic, dumpErr := readDump(active.dumpPath)
	if dumpErr == nil {
		capture = &Capture{
			ID:      active.id,
			Started: active.started,
			Ended:   ended,
			Scope:   active.scope,
			Route:   active.route,
			Traffic: traffic,
		}
	}

	var routeErr error
	if err := c.device.SetProxy(ctx, nil); err != nil {
		routeErr = fmt.Errorf("remove device proxy route: %w", err)
	}
	caErr := c.removeCA(ctx, c.CertificatePath())
	if err := os.Remove(active.dumpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("Could not remove traffic dump", "path", active.dumpPath, "error", err)
	}

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	if err := errors.Join(dumpErr, routeErr, caErr); err != nil {
		return capture, err
	}
	c.logger.Info("Traffic collection stopped", "collection", active.id, "entries", len(traffic.Log.Entries))
	return capture, nil
}

// Abort terminates the proxy of an active collection and restores the
// device without reading the dump. It is a no-op without a collection.
func (c *Controller) Abort(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()
	if active == nil || active.proc == nil {
		return nil
	}

	active.proc.Terminate(c.opts.GracePeriod)
	_ = os.Remove(active.dumpPath)
	var routeErr error
	if err := c.device.SetProxy(ctx, nil); err != nil {
		routeErr = fmt.Errorf("remove device proxy route: %w", err)
	}
	return errors.Join(routeErr, c.removeCA(ctx, c.CertificatePath()))
}

func (c *Controller) removeCA(ctx context.Context, path string) error {
	if err := c.device.RemoveCertificateAuthority(ctx, path); err != nil {
		return fmt.Errorf("remove proxy certificate authority: %w", err)
	}
	return nil
}

func readDump(path string) (*har.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DumpError{Kind: DumpUnreadable, Path: path, Err: err}
	}
	doc, err := har.Decode(data)
	if err != nil {
		return nil, &DumpError{Kind: DumpInvalid, Path: path, Err: err}
	}
	return doc, nil
}
