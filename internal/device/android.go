package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cochaviz/tapwire/arch"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/process"
)

const (
	wireguardPackage = "com.wireguard.android"
	wireguardTunnel  = "tapwire"
	systemCACerts    = "/system/etc/security/cacerts"
	deviceTmp        = "/data/local/tmp"
)

// AndroidOptions configure an Android target.
type AndroidOptions struct {
	ADB    string
	Serial string
	// Emulator enables the emulator console commands used for snapshots
	// and grants root through adb.
	Emulator bool
	// WireGuardAPK is installed when the WireGuard client is missing.
	WireGuardAPK string
	PollInterval time.Duration
	Runner       process.Runner
	Logger       *slog.Logger
}

// Android instruments an Android emulator or rooted device through adb.
type Android struct {
	opts   AndroidOptions
	runner process.Runner
	logger *slog.Logger
}

// NewAndroid builds the Android instrumentation.
func NewAndroid(opts AndroidOptions) *Android {
	if opts.ADB == "" {
		opts.ADB = "adb"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	runner := opts.Runner
	if runner == nil {
		runner = process.ExecRunner{}
	}
	return &Android{
		opts:   opts,
		runner: runner,
		logger: logging.Ensure(opts.Logger).With("component", "android"),
	}
}

var (
	_ Instrumentation = (*Android)(nil)
	_ EmulatorControl = (*Android)(nil)
	_ HoneySeeder     = (*Android)(nil)
)

func (a *Android) adb(ctx context.Context, args ...string) (string, error) {
	if a.opts.Serial != "" {
		args = append([]string{"-s", a.opts.Serial}, args...)
	}
	out, err := a.runner.Run(ctx, "", a.opts.ADB, args...)
	return strings.TrimSpace(string(out)), err
}

func (a *Android) shell(ctx context.Context, args ...string) (string, error) {
	return a.adb(ctx, append([]string{"shell"}, args...)...)
}

// rootShell runs script as root: emulators run adbd as root, rooted devices
// go through su.
func (a *Android) rootShell(ctx context.Context, script string) (string, error) {
	if a.opts.Emulator {
		return a.shell(ctx, "sh", "-c", shellQuote(script))
	}
	return a.shell(ctx, "su", "-c", shellQuote(script))
}

func (a *Android) EnsureDevice(ctx context.Context) error {
	if _, err := a.adb(ctx, "wait-for-device"); err != nil {
		return fmt.Errorf("wait for android device: %w", err)
	}
	if a.opts.Emulator {
		if _, err := a.adb(ctx, "root"); err != nil {
			return fmt.Errorf("restart adbd as root: %w", err)
		}
		if _, err := a.adb(ctx, "wait-for-device"); err != nil {
			return fmt.Errorf("wait for android device after adb root: %w", err)
		}
	}

	installed, err := a.IsAppInstalled(ctx, wireguardPackage)
	if err != nil {
		return err
	}
	if installed {
		return nil
	}
	if a.opts.WireGuardAPK == "" {
		return errdefs.Usage("ensure device", "the WireGuard client (%s) is not installed and no APK is configured", wireguardPackage)
	}
	a.logger.Info("Installing WireGuard client", "apk", a.opts.WireGuardAPK)
	return a.InstallApp(ctx, a.opts.WireGuardAPK)
}

func (a *Android) WaitForDevice(ctx context.Context, tries int) error {
	if tries <= 0 {
		tries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		out, err := a.shell(ctx, "getprop", "sys.boot_completed")
		if err == nil && out == "1" {
			return nil
		}
		lastErr = err
		if attempt == tries {
			break
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(a.opts.PollInterval):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("device did not finish booting after %d tries: %w", tries, lastErr)
	}
	return fmt.Errorf("device did not finish booting after %d tries", tries)
}

func (a *Android) InstallApp(ctx context.Context, path string, extra ...string) error {
	args := []string{"install", "-r", "-g", path}
	if len(extra) > 0 {
		args = append([]string{"install-multiple", "-r", "-g", path}, extra...)
	}
	out, err := a.adb(ctx, args...)
	if err != nil {
		return fmt.Errorf("install %s: %w", filepath.Base(path), err)
	}
	if strings.Contains(out, "Failure") {
		return fmt.Errorf("install %s: %s", filepath.Base(path), out)
	}
	return nil
}

func (a *Android) UninstallApp(ctx context.Context, appID string) error {
	if _, err := a.adb(ctx, "uninstall", appID); err != nil {
		return fmt.Errorf("uninstall %s: %w", appID, err)
	}
	return nil
}

func (a *Android) IsAppInstalled(ctx context.Context, appID string) (bool, error) {
	out, err := a.shell(ctx, "pm", "list", "packages", appID)
	if err != nil {
		return false, fmt.Errorf("list packages: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "package:"+appID {
			return true, nil
		}
	}
	return false, nil
}

var permissionLine = regexp.MustCompile(`^\s*(android\.permission\.[A-Z_]+|[a-z][\w.]*\.permission\.[A-Z_]+)`)

// requestedPermissions parses the "requested permissions:" block of
// dumpsys package output.
func requestedPermissions(dumpsys string) []string {
	var perms []string
	inBlock := false
	for _, line := range strings.Split(dumpsys, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "requested permissions:":
			inBlock = true
			continue
		case inBlock && strings.HasSuffix(trimmed, ":"):
			inBlock = false
		}
		if !inBlock {
			continue
		}
		if m := permissionLine.FindStringSubmatch(trimmed); m != nil && !slices.Contains(perms, m[1]) {
			perms = append(perms, m[1])
		}
	}
	return perms
}

func (a *Android) SetAppPermissions(ctx context.Context, appID string, perms map[string]string) error {
	if len(perms) == 0 {
		out, err := a.shell(ctx, "dumpsys", "package", appID)
		if err != nil {
			return fmt.Errorf("read permissions of %s: %w", appID, err)
		}
		perms = map[string]string{}
		for _, p := range requestedPermissions(out) {
			perms[p] = Grant
		}
	}

	names := make([]string, 0, len(perms))
	for name := range perms {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		verb := "grant"
		if perms[name] == Deny {
			verb = "revoke"
		}
		// Install-time permissions cannot be changed and make pm fail.
		if _, err := a.shell(ctx, "pm", verb, appID, name); err != nil {
			a.logger.Debug("Permission not changed", "app", appID, "permission", name, "error", err)
		}
	}
	return nil
}

func (a *Android) StartApp(ctx context.Context, appID string) error {
	if _, err := a.shell(ctx, "monkey", "-p", appID, "-c", "android.intent.category.LAUNCHER", "1"); err != nil {
		return fmt.Errorf("start %s: %w", appID, err)
	}
	return nil
}

func (a *Android) StopApp(ctx context.Context, appID string) error {
	if _, err := a.shell(ctx, "am", "force-stop", appID); err != nil {
		return fmt.Errorf("stop %s: %w", appID, err)
	}
	return nil
}

var androidProps = map[Attribute]string{
	AttrOSVersion:     "ro.build.version.release",
	AttrOSBuild:       "ro.build.display.id",
	AttrManufacturer:  "ro.product.manufacturer",
	AttrModel:         "ro.product.model",
	AttrArchitectures: "ro.product.cpu.abilist",
}

func (a *Android) DeviceAttribute(ctx context.Context, name Attribute) (string, error) {
	prop, ok := androidProps[name]
	if !ok {
		return "", fmt.Errorf("unknown device attribute %q", name)
	}
	out, err := a.shell(ctx, "getprop", prop)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", prop, err)
	}
	if name == AttrArchitectures {
		var names []string
		for _, abi := range arch.NormalizeList(strings.Split(out, ",")) {
			names = append(names, abi.String())
		}
		return strings.Join(names, ","), nil
	}
	return out, nil
}

// InstallCertificateAuthority adds the certificate to the system store. The
// store is overlaid with a tmpfs so the system partition stays untouched and
// a reboot drops the certificate.
func (a *Android) InstallCertificateAuthority(ctx context.Context, path string) error {
	cert, _, err := loadCertificate(path)
	if err != nil {
		return err
	}
	name, err := SubjectHashOld(cert)
	if err != nil {
		return err
	}
	staged := deviceTmp + "/" + name
	if _, err := a.adb(ctx, "push", path, staged); err != nil {
		return fmt.Errorf("push certificate: %w", err)
	}

	target := systemCACerts + "/" + name
	script := strings.Join([]string{
		"set -e",
		fmt.Sprintf("if ! grep -q ' %s ' /proc/mounts; then", systemCACerts),
		fmt.Sprintf("  mkdir -p %s/tapwire-cacerts", deviceTmp),
		fmt.Sprintf("  cp %s/* %s/tapwire-cacerts/", systemCACerts, deviceTmp),
		fmt.Sprintf("  mount -t tmpfs tmpfs %s", systemCACerts),
		fmt.Sprintf("  cp %s/tapwire-cacerts/* %s/", deviceTmp, systemCACerts),
		"fi",
		fmt.Sprintf("cp %s %s", staged, target),
		fmt.Sprintf("chown root:root %s", target),
		fmt.Sprintf("chmod 644 %s", target),
		fmt.Sprintf("chcon u:object_r:system_file:s0 %s", target),
		fmt.Sprintf("rm -f %s", staged),
	}, "\n")
	if _, err := a.rootShell(ctx, script); err != nil {
		return fmt.Errorf("install certificate %s: %w", name, err)
	}
	return nil
}

func (a *Android) RemoveCertificateAuthority(ctx context.Context, path string) error {
	cert, _, err := loadCertificate(path)
	if err != nil {
		return err
	}
	name, err := SubjectHashOld(cert)
	if err != nil {
		return err
	}
	if _, err := a.rootShell(ctx, fmt.Sprintf("rm -f %s/%s", systemCACerts, name)); err != nil {
		return fmt.Errorf("remove certificate %s: %w", name, err)
	}
	return nil
}

// SetProxy brings the WireGuard tunnel up with the route's configuration, or
// sets the global HTTP proxy for gateway routes. A nil route removes both.
func (a *Android) SetProxy(ctx context.Context, route *Route) error {
	if route == nil {
		var errs []error
		if _, err := a.shell(ctx, "am", "broadcast", "-a", wireguardPackage+".action.SET_TUNNEL_DOWN",
			"-n", wireguardPackage+"/.model.TunnelManager\\$IntentReceiver", "-e", "tunnel", wireguardTunnel); err != nil {
			errs = append(errs, fmt.Errorf("stop tunnel: %w", err))
		}
		if _, err := a.shell(ctx, "settings", "put", "global", "http_proxy", ":0"); err != nil {
			errs = append(errs, fmt.Errorf("clear http proxy: %w", err))
		}
		return errors.Join(errs...)
	}

	if route.Tunnel == "" {
		if route.Host == "" {
			return errdefs.Usage("set proxy", "route has neither a tunnel nor a gateway")
		}
		addr := fmt.Sprintf("%s:%d", route.Host, route.Port)
		if _, err := a.shell(ctx, "settings", "put", "global", "http_proxy", addr); err != nil {
			return fmt.Errorf("set http proxy: %w", err)
		}
		return nil
	}

	tmp, err := os.CreateTemp("", "tapwire-*.conf")
	if err != nil {
		return fmt.Errorf("stage tunnel config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(route.Tunnel); err != nil {
		tmp.Close()
		return fmt.Errorf("stage tunnel config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage tunnel config: %w", err)
	}

	staged := deviceTmp + "/" + wireguardTunnel + ".conf"
	if _, err := a.adb(ctx, "push", tmp.Name(), staged); err != nil {
		return fmt.Errorf("push tunnel config: %w", err)
	}
	target := fmt.Sprintf("/data/data/%s/files/%s.conf", wireguardPackage, wireguardTunnel)
	script := strings.Join([]string{
		"set -e",
		fmt.Sprintf("am force-stop %s", wireguardPackage),
		fmt.Sprintf("mkdir -p $(dirname %s)", target),
		fmt.Sprintf("cp %s %s", staged, target),
		fmt.Sprintf("chown $(stat -c %%u /data/data/%s):$(stat -c %%g /data/data/%s) %s", wireguardPackage, wireguardPackage, target),
		fmt.Sprintf("chmod 600 %s", target),
		fmt.Sprintf("rm -f %s", staged),
	}, "\n")
	if _, err := a.rootShell(ctx, script); err != nil {
		return fmt.Errorf("install tunnel config: %w", err)
	}
	if _, err := a.shell(ctx, "monkey", "-p", wireguardPackage, "-c", "android.intent.category.LAUNCHER", "1"); err != nil {
		return fmt.Errorf("start WireGuard client: %w", err)
	}
	if _, err := a.shell(ctx, "am", "broadcast", "-a", wireguardPackage+".action.SET_TUNNEL_UP",
		"-n", wireguardPackage+"/.model.TunnelManager\\$IntentReceiver", "-e", "tunnel", wireguardTunnel); err != nil {
		return fmt.Errorf("start tunnel: %w", err)
	}
	return nil
}

func (a *Android) emulatorConsole(ctx context.Context, args ...string) error {
	if !a.opts.Emulator {
		return errdefs.Usage("emulator console", "target is not an emulator")
	}
	out, err := a.adb(ctx, append([]string{"emu"}, args...)...)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "OK") || strings.Contains(out, "KO") {
		return fmt.Errorf("emulator console %s: %s", strings.Join(args, " "), out)
	}
	return nil
}

func (a *Android) ResetDevice(ctx context.Context, snapshot string) error {
	if err := a.emulatorConsole(ctx, "avd", "snapshot", "load", snapshot); err != nil {
		return fmt.Errorf("load snapshot %s: %w", snapshot, err)
	}
	return nil
}

func (a *Android) SnapshotDeviceState(ctx context.Context, snapshot string) error {
	if err := a.emulatorConsole(ctx, "avd", "snapshot", "save", snapshot); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot, err)
	}
	return nil
}

// KillEmulator asks the emulator at the serial to shut down, including one
// left over from an earlier run.
func (a *Android) KillEmulator(ctx context.Context) error {
	if err := a.emulatorConsole(ctx, "kill"); err != nil {
		return fmt.Errorf("kill emulator: %w", err)
	}
	return nil
}

func (a *Android) SetDeviceName(ctx context.Context, name string) error {
	if _, err := a.shell(ctx, "settings", "put", "global", "device_name", shellQuote(name)); err != nil {
		return fmt.Errorf("set device name: %w", err)
	}
	return nil
}

// SetClipboard is unsupported: adb has no clipboard command without a helper
// app on the device.
func (a *Android) SetClipboard(context.Context, string) error {
	return errors.ErrUnsupported
}

// shellQuote quotes s for the device shell, which re-parses adb shell
// arguments.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
