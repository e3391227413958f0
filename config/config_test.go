package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/tapwire/internal/analysis"
	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/emulator"
	"github.com/cochaviz/tapwire/internal/errdefs"
)

const sampleConfig = `
platform: android
run_target: emulator
capabilities: [camera]
run_time: 2m
keep_apps: true
permissions:
  android.permission.CAMERA: deny
emulator:
  create:
    device: pixel_6
    system_image: "system-images;android-34;google_apis;x86_64"
    honey_data:
      device_name: Alice's Pixel
  start:
    headless: true
    port: 5556
  restart_limit: 2
  rebuild_limit: 1
  reset_timeout: 45s
tools:
  adb: /opt/android/platform-tools/adb
  ideviceinfo: /usr/bin/ideviceinfo
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	target, err := cfg.Target()
	if err != nil || target != device.AndroidEmulator {
		t.Fatalf("Target() = %v, %v", target, err)
	}
	if cfg.RunTime != 2*time.Minute || !cfg.KeepApps {
		t.Fatalf("run settings = %v %v", cfg.RunTime, cfg.KeepApps)
	}
	if cfg.Emulator.Limits.Restarts != 2 || cfg.Emulator.Limits.Rebuilds != 1 {
		t.Fatalf("limits = %+v", cfg.Emulator.Limits)
	}
	if cfg.Emulator.Start.Port != 5556 || !cfg.Emulator.Start.Headless {
		t.Fatalf("start = %+v", cfg.Emulator.Start)
	}
	if cfg.Tools.ADB != "/opt/android/platform-tools/adb" || cfg.Tools.IOS.Info != "/usr/bin/ideviceinfo" {
		t.Fatalf("tools = %+v", cfg.Tools)
	}

	spec := cfg.EmulatorSpec()
	if spec.Create == nil || spec.Create.Device != "pixel_6" {
		t.Fatalf("spec.Create = %+v", spec.Create)
	}
	if len(spec.Create.Capabilities) != 1 || spec.Create.Capabilities[0] != "camera" {
		t.Fatalf("spec capabilities = %v", spec.Create.Capabilities)
	}
	if cfg.Emulator.Create.Capabilities != nil {
		t.Fatalf("EmulatorSpec() modified the configuration")
	}
	if spec.ResetTimeout != 45*time.Second {
		t.Fatalf("spec.ResetTimeout = %v", spec.ResetTimeout)
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Platform != "android" || cfg.RunTarget != "emulator" {
		t.Fatalf("target = %s/%s", cfg.Platform, cfg.RunTarget)
	}
	if cfg.RunTime != DefaultRunTime || cfg.OutputDir != DefaultOutputDir {
		t.Fatalf("run defaults = %v %q", cfg.RunTime, cfg.OutputDir)
	}
	if cfg.Emulator.BootTries != analysis.DefaultBootTries || cfg.Emulator.Start.Port != emulator.DefaultPort {
		t.Fatalf("emulator defaults = %+v", cfg.Emulator)
	}
	if cfg.DataDir == "" || cfg.Capabilities == nil {
		t.Fatalf("DataDir = %q, Capabilities = %v", cfg.DataDir, cfg.Capabilities)
	}
	// Without an emulator name or creation config there is nothing to run.
	if err := cfg.Validate(); !errdefs.IsUsage(err) {
		t.Fatalf("Validate() error = %v, want usage error", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("platform: android\nrun_targte: emulator\n"))
	if err == nil || !strings.Contains(err.Error(), "run_targte") {
		t.Fatalf("Parse() error = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{name: "named emulator", yaml: "emulator: {name: Pixel_6_API_34}"},
		{name: "physical android", yaml: "run_target: physical\nandroid: {serial: 1A2B3C}"},
		{name: "ios emulator", yaml: "platform: ios\nrun_target: emulator", wantErr: true},
		{name: "unknown platform", yaml: "platform: windows\nemulator: {name: x}", wantErr: true},
		{name: "incomplete create", yaml: "emulator: {create: {device: pixel_6}}", wantErr: true},
		{name: "negative limits", yaml: "emulator: {name: x, restart_limit: -1}", wantErr: true},
		{name: "ios without hooks", yaml: "platform: ios\nrun_target: physical", wantErr: true},
		{
			name: "ios with hooks",
			yaml: "platform: ios\nrun_target: physical\nios:\n  hooks:\n    set_proxy: proxyctl {{.Host}} {{.Port}}\n    install_ca: cactl {{.Path}}",
		},
		{name: "bad permission", yaml: "emulator: {name: x}\npermissions: {android.permission.CAMERA: maybe}", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Parse([]byte(tc.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			err = cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestTargetRunKindSpellings(t *testing.T) {
	t.Parallel()

	cases := map[string]device.Target{
		"platform: android\nrun_target: physical": device.AndroidDevice,
		"platform: android\nrun_target: device":   device.AndroidDevice,
		"platform: ios\nrun_target: physical":     device.IOSDevice,
		"platform: android":                       device.AndroidEmulator,
	}
	for yaml, want := range cases {
		cfg, err := Parse([]byte(yaml))
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", yaml, err)
		}
		got, err := cfg.Target()
		if err != nil || got != want {
			t.Fatalf("Target(%q) = %v, %v, want %v", yaml, got, err, want)
		}
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "tapwire.yaml")
	cfg, err := LoadOrDefault(missing, false)
	if err != nil || cfg.RunTime != DefaultRunTime {
		t.Fatalf("LoadOrDefault(implicit) = %+v, %v", cfg, err)
	}
	if _, err := LoadOrDefault(missing, true); err == nil {
		t.Fatalf("LoadOrDefault(explicit) succeeded for a missing file")
	}

	if err := os.WriteFile(missing, []byte("run_time: 5s\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg, err = LoadOrDefault(missing, true)
	if err != nil || cfg.RunTime != 5*time.Second {
		t.Fatalf("LoadOrDefault() = %+v, %v", cfg, err)
	}
}

func TestSnapshotDevice(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	name, err := SnapshotDevice(cfg, "")
	if err != nil {
		t.Fatalf("SnapshotDevice() error = %v", err)
	}
	want, _ := emulator.ManagedName(*cfg.EmulatorSpec().Create)
	if name != want {
		t.Fatalf("SnapshotDevice() = %q, want %q", name, want)
	}
	if name, _ := SnapshotDevice(cfg, "Other"); name != "Other" {
		t.Fatalf("SnapshotDevice(explicit) = %q", name)
	}
}

func TestProxyOptionsTunnelEndpoint(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("proxy: {mitmdump: /bin/true, addon: events.py, confdir: /tmp/mitmproxy}"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cases := map[device.Target]string{
		device.AndroidEmulator: EmulatorHostAlias,
		device.AndroidDevice:   "",
	}
	for target, want := range cases {
		opts, err := proxyOptions(context.Background(), cfg, target)
		if err != nil {
			t.Fatalf("proxyOptions(%s) error = %v", target, err)
		}
		if opts.TunnelEndpoint != want {
			t.Fatalf("proxyOptions(%s).TunnelEndpoint = %q, want %q", target, opts.TunnelEndpoint, want)
		}
		if opts.Mitmdump != "/bin/true" || opts.HostAddress == nil {
			t.Fatalf("proxyOptions(%s) = %+v", target, opts)
		}
	}
}
