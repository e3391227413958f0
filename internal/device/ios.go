package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"howett.net/plist"

	"github.com/cochaviz/tapwire/arch"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/process"
)

// IOSTools locates the libimobiledevice binaries.
type IOSTools struct {
	Installer string `yaml:"ideviceinstaller"`
	Info      string `yaml:"ideviceinfo"`
	Debug     string `yaml:"idevicedebug"`
}

// IOSHooks are shell command templates for the operations libimobiledevice
// cannot perform on its own. They are rendered with text/template; the
// fields UDID, App, Path, Host, Port, Permission and Value are available.
type IOSHooks struct {
	SetProxy      string `yaml:"set_proxy"`
	ClearProxy    string `yaml:"clear_proxy"`
	InstallCA     string `yaml:"install_ca"`
	RemoveCA      string `yaml:"remove_ca"`
	SetPermission string `yaml:"set_permission"`
}

// IOSOptions configure an iOS target.
type IOSOptions struct {
	UDID         string
	Tools        IOSTools
	Hooks        IOSHooks
	PollInterval time.Duration
	Runner       process.Runner
	Logger       *slog.Logger
}

// DefaultIOSPermissions are granted when no explicit permissions are given.
var DefaultIOSPermissions = map[string]string{
	"calendar":      Grant,
	"camera":        Grant,
	"contacts":      Grant,
	"location":      Always,
	"microphone":    Grant,
	"motion":        Grant,
	"notifications": Grant,
	"photos":        Grant,
	"reminders":     Grant,
}

// IOS instruments a physical iOS device.
type IOS struct {
	opts   IOSOptions
	runner process.Runner
	logger *slog.Logger

	mu       sync.Mutex
	launched map[string]*process.Handle
}

var _ Instrumentation = (*IOS)(nil)

// NewIOS builds the iOS instrumentation.
func NewIOS(opts IOSOptions) *IOS {
	if opts.Tools.Installer == "" {
		opts.Tools.Installer = "ideviceinstaller"
	}
	if opts.Tools.Info == "" {
		opts.Tools.Info = "ideviceinfo"
	}
	if opts.Tools.Debug == "" {
		opts.Tools.Debug = "idevicedebug"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	runner := opts.Runner
	if runner == nil {
		runner = process.ExecRunner{}
	}
	return &IOS{
		opts:     opts,
		runner:   runner,
		logger:   logging.Ensure(opts.Logger).With("component", "ios"),
		launched: map[string]*process.Handle{},
	}
}

func (i *IOS) tool(ctx context.Context, bin string, args ...string) ([]byte, error) {
	if i.opts.UDID != "" {
		args = append([]string{"-u", i.opts.UDID}, args...)
	}
	return i.runner.Run(ctx, "", bin, args...)
}

type hookData struct {
	UDID       string
	App        string
	Path       string
	Host       string
	Port       int
	Permission string
	Value      string
}

func (i *IOS) runHook(ctx context.Context, name, text string, data hookData) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("ios %s hook is not configured: %w", name, errors.ErrUnsupported)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse ios %s hook: %w", name, err)
	}
	data.UDID = i.opts.UDID
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, data); err != nil {
		return fmt.Errorf("render ios %s hook: %w", name, err)
	}
	if _, err := i.runner.Run(ctx, "", "sh", "-c", rendered.String()); err != nil {
		return fmt.Errorf("ios %s hook: %w", name, err)
	}
	return nil
}

func (i *IOS) EnsureDevice(ctx context.Context) error {
	if strings.TrimSpace(i.opts.Hooks.SetProxy) == "" || strings.TrimSpace(i.opts.Hooks.InstallCA) == "" {
		return errdefs.Usage("ensure device", "iOS targets need the set_proxy and install_ca hooks")
	}
	if _, err := i.tool(ctx, i.opts.Tools.Info, "-k", "ProductVersion"); err != nil {
		return fmt.Errorf("connect to iOS device: %w", err)
	}
	return nil
}

func (i *IOS) WaitForDevice(ctx context.Context, tries int) error {
	if tries <= 0 {
		tries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		if _, lastErr = i.tool(ctx, i.opts.Tools.Info, "-k", "ProductVersion"); lastErr == nil {
			return nil
		}
		if attempt == tries {
			break
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(i.opts.PollInterval):
		}
	}
	return fmt.Errorf("iOS device not reachable after %d tries: %w", tries, lastErr)
}

func (i *IOS) InstallApp(ctx context.Context, path string, extra ...string) error {
	if len(extra) > 0 {
		return errdefs.Usage("install app", "split packages are only supported on Android")
	}
	if _, err := i.tool(ctx, i.opts.Tools.Installer, "-i", path); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	return nil
}

func (i *IOS) UninstallApp(ctx context.Context, appID string) error {
	if _, err := i.tool(ctx, i.opts.Tools.Installer, "-U", appID); err != nil {
		return fmt.Errorf("uninstall %s: %w", appID, err)
	}
	return nil
}

func (i *IOS) IsAppInstalled(ctx context.Context, appID string) (bool, error) {
	out, err := i.tool(ctx, i.opts.Tools.Installer, "-l", "-o", "xml")
	if err != nil {
		return false, fmt.Errorf("list apps: %w", err)
	}
	ids, err := installedBundleIDs(out)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == appID {
			return true, nil
		}
	}
	return false, nil
}

func installedBundleIDs(data []byte) ([]string, error) {
	var apps []map[string]any
	if _, err := plist.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("decode installed apps: %w", err)
	}
	var ids []string
	for _, app := range apps {
		if id, ok := app["CFBundleIdentifier"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (i *IOS) SetAppPermissions(ctx context.Context, appID string, perms map[string]string) error {
	if len(perms) == 0 {
		perms = DefaultIOSPermissions
	}
	var errs []error
	for _, name := range sortedKeys(perms) {
		err := i.runHook(ctx, "set_permission", i.opts.Hooks.SetPermission, hookData{App: appID, Permission: name, Value: perms[name]})
		if errors.Is(err, errors.ErrUnsupported) {
			return err
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartApp launches the app through idevicedebug, which stays attached
// until StopApp.
func (i *IOS) StartApp(ctx context.Context, appID string) error {
	if err := i.StopApp(ctx, appID); err != nil {
		return err
	}
	args := []string{"run", appID}
	if i.opts.UDID != "" {
		args = append([]string{"-u", i.opts.UDID}, args...)
	}
	proc, err := process.Start(process.Options{
		Path:    i.opts.Tools.Debug,
		Args:    args,
		Console: logging.LineWriter(i.logger, slog.LevelDebug, "idevicedebug output"),
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", appID, err)
	}
	i.mu.Lock()
	i.launched[appID] = proc
	i.mu.Unlock()
	return nil
}

func (i *IOS) StopApp(_ context.Context, appID string) error {
	i.mu.Lock()
	proc := i.launched[appID]
	delete(i.launched, appID)
	i.mu.Unlock()
	proc.Terminate(5 * time.Second)
	return nil
}

func (i *IOS) deviceInfo(ctx context.Context) (map[string]any, error) {
	out, err := i.tool(ctx, i.opts.Tools.Info, "-x")
	if err != nil {
		return nil, fmt.Errorf("read device info: %w", err)
	}
	info := map[string]any{}
	if _, err := plist.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("decode device info: %w", err)
	}
	return info, nil
}

var iosKeys = map[Attribute]string{
	AttrOSVersion:     "ProductVersion",
	AttrOSBuild:       "BuildVersion",
	AttrModel:         "ProductType",
	AttrArchitectures: "CPUArchitecture",
}

func (i *IOS) DeviceAttribute(ctx context.Context, name Attribute) (string, error) {
	if name == AttrManufacturer {
		return "Apple", nil
	}
	key, ok := iosKeys[name]
	if !ok {
		return "", fmt.Errorf("unknown device attribute %q", name)
	}
	info, err := i.deviceInfo(ctx)
	if err != nil {
		return "", err
	}
	value, _ := info[key].(string)
	if name == AttrArchitectures {
		return arch.Normalize(value).String(), nil
	}
	return value, nil
}

func (i *IOS) InstallCertificateAuthority(ctx context.Context, path string) error {
	return i.runHook(ctx, "install_ca", i.opts.Hooks.InstallCA, hookData{Path: path})
}

func (i *IOS) RemoveCertificateAuthority(ctx context.Context, path string) error {
	return i.runHook(ctx, "remove_ca", i.opts.Hooks.RemoveCA, hookData{Path: path})
}

func (i *IOS) SetProxy(ctx context.Context, route *Route) error {
	if route == nil {
		return i.runHook(ctx, "clear_proxy", i.opts.Hooks.ClearProxy, hookData{})
	}
	if route.Host == "" {
		return errdefs.Usage("set proxy", "iOS devices only support gateway routes")
	}
	return i.runHook(ctx, "set_proxy", i.opts.Hooks.SetProxy, hookData{Host: route.Host, Port: route.Port})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
