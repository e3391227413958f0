// Package config loads the tapwire configuration file and runs the
// end-to-end analysis flow it describes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/tapwire/internal/analysis"
	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/emulator"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/proxy"
	"github.com/cochaviz/tapwire/internal/setup"
)

var DefaultRunTime = 60 * time.Second
var DefaultOutputDir = "results"

// Config is the file format of tapwire.yaml.
type Config struct {
	Platform     string   `yaml:"platform"`
	RunTarget    string   `yaml:"run_target"`
	Capabilities []string `yaml:"capabilities"`

	Emulator EmulatorConfig `yaml:"emulator"`
	Android  AndroidConfig  `yaml:"android"`
	IOS      IOSConfig      `yaml:"ios"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Tools    ToolsConfig    `yaml:"tools"`

	// DataDir holds the provisioned venv, addon and CA.
	DataDir   string `yaml:"data_dir"`
	OutputDir string `yaml:"output_dir"`
	// RunTime is how long each app runs while its traffic is collected.
	RunTime     time.Duration     `yaml:"run_time"`
	Permissions map[string]string `yaml:"permissions"`
	// KeepApps leaves apps installed after their analysis.
	KeepApps        bool     `yaml:"keep_apps"`
	TrackingDomains []string `yaml:"tracking_domains"`
}

type EmulatorConfig struct {
	Name         string                 `yaml:"name"`
	Snapshot     string                 `yaml:"snapshot"`
	Create       *emulator.CreateConfig `yaml:"create"`
	Start        emulator.StartOptions  `yaml:"start"`
	Limits       emulator.Limits        `yaml:",inline"`
	BootTries    int                    `yaml:"boot_tries"`
	ResetTimeout time.Duration          `yaml:"reset_timeout"`
}

type AndroidConfig struct {
	// Serial selects a physical device; emulators use their console port.
	Serial       string `yaml:"serial"`
	WireGuardAPK string `yaml:"wireguard_apk"`
}

type IOSConfig struct {
	UDID  string          `yaml:"udid"`
	Hooks device.IOSHooks `yaml:"hooks"`
}

type ProxyConfig struct {
	// Mitmdump, Addon and ConfDir override the provisioned files.
	Mitmdump       string        `yaml:"mitmdump"`
	Addon          string        `yaml:"addon"`
	ConfDir        string        `yaml:"confdir"`
	ListenHost     string        `yaml:"listen_host"`
	ListenPort     int           `yaml:"listen_port"`
	TunnelEndpoint string        `yaml:"tunnel_endpoint"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

type ToolsConfig struct {
	ADB        string          `yaml:"adb"`
	Emulator   string          `yaml:"emulator"`
	AVDManager string          `yaml:"avdmanager"`
	AVDHome    string          `yaml:"avd_home"`
	AAPT       string          `yaml:"aapt"`
	IOS        device.IOSTools `yaml:",inline"`
}

// Load reads a configuration file and applies defaults. It does not
// validate; call Validate after applying overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Platform == "" {
		c.Platform = string(device.PlatformAndroid)
	}
	if c.RunTarget == "" {
		c.RunTarget = string(device.Emulator)
	}
	if c.DataDir == "" {
		c.DataDir = setup.DefaultDir()
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.RunTime <= 0 {
		c.RunTime = DefaultRunTime
	}
	if c.Emulator.BootTries <= 0 {
		c.Emulator.BootTries = analysis.DefaultBootTries
	}
	if c.Emulator.Start.Port == 0 {
		c.Emulator.Start.Port = emulator.DefaultPort
	}
	if c.Proxy.StartupTimeout <= 0 {
		c.Proxy.StartupTimeout = proxy.DefaultStartupTimeout
	}
	if c.Capabilities == nil {
		c.Capabilities = []string{}
	}
}

// Target validates the platform and run target pair.
func (c *Config) Target() (device.Target, error) {
	return device.ParseTarget(c.Platform, c.RunTarget)
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	target, err := c.Target()
	if err != nil {
		return err
	}
	if target == device.AndroidEmulator && strings.TrimSpace(c.Emulator.Name) == "" && c.Emulator.Create == nil {
		return errdefs.Usage("validate config", "emulator.name or emulator.create is required for emulator targets")
	}
	if create := c.Emulator.Create; create != nil && (create.Device == "" || create.SystemImage == "") {
		return errdefs.Usage("validate config", "emulator.create needs device and system_image")
	}
	if c.Emulator.Limits.Restarts < 0 || c.Emulator.Limits.Rebuilds < 0 {
		return errdefs.Usage("validate config", "restart_limit and rebuild_limit must not be negative")
	}
	if target == device.IOSDevice && (c.IOS.Hooks.SetProxy == "" || c.IOS.Hooks.InstallCA == "") {
		return errdefs.Usage("validate config", "ios.hooks.set_proxy and ios.hooks.install_ca are required for iOS devices")
	}
	for name, value := range c.Permissions {
		switch value {
		case device.Grant, device.Deny, device.Always:
		default:
			return errdefs.Usage("validate config", "permission %s has unknown value %q", name, value)
		}
	}
	return nil
}

// EmulatorSpec is the emulator selection of the configuration.
func (c *Config) EmulatorSpec() emulator.Spec {
	spec := emulator.Spec{
		Name:         c.Emulator.Name,
		Snapshot:     c.Emulator.Snapshot,
		Start:        c.Emulator.Start,
		Limits:       c.Emulator.Limits,
		ResetTimeout: c.Emulator.ResetTimeout,
	}
	if c.Emulator.Create != nil {
		create := *c.Emulator.Create
		create.Capabilities = append([]string{}, c.Capabilities...)
		spec.Create = &create
	}
	return spec
}
