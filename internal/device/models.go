// Package device drives the phone or emulator an analysis runs on. Each run
// target (Android emulator, Android device, iOS device) implements the same
// Instrumentation capability set.
package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/cochaviz/tapwire/internal/errdefs"
)

// Platform is the mobile operating system.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// RunKind distinguishes emulators from physical devices.
type RunKind string

const (
	Emulator RunKind = "emulator"
	Physical RunKind = "physical"
)

// parseRunKind accepts "device" as an alias of Physical.
func parseRunKind(value string) RunKind {
	r := RunKind(strings.ToLower(strings.TrimSpace(value)))
	if r == "device" {
		return Physical
	}
	return r
}

// Target is the closed set of supported platform and run kind combinations.
type Target int

const (
	AndroidEmulator Target = iota + 1
	AndroidDevice
	IOSDevice
)

// ParseTarget validates a platform and run target pair.
func ParseTarget(platform, runTarget string) (Target, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(platform)))
	r := parseRunKind(runTarget)
	switch {
	case p == PlatformAndroid && r == Emulator:
		return AndroidEmulator, nil
	case p == PlatformAndroid && r == Physical:
		return AndroidDevice, nil
	case p == PlatformIOS && r == Physical:
		return IOSDevice, nil
	case p == PlatformIOS && r == Emulator:
		return 0, errdefs.Usage("select target", "iOS emulators are not supported")
	default:
		return 0, errdefs.Usage("select target", "unknown platform %q or run target %q", platform, runTarget)
	}
}

func (t Target) Platform() Platform {
	switch t {
	case AndroidEmulator, AndroidDevice:
		return PlatformAndroid
	case IOSDevice:
		return PlatformIOS
	default:
		return ""
	}
}

func (t Target) RunKind() RunKind {
	switch t {
	case AndroidEmulator:
		return Emulator
	case AndroidDevice, IOSDevice:
		return Physical
	default:
		return ""
	}
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Platform(), t.RunKind())
}

// Route tells the device how to reach the intercepting proxy. Exactly one of
// Tunnel or Host is set.
type Route struct {
	// Tunnel is a WireGuard client configuration.
	Tunnel string
	// Host and Port address an HTTP(S) gateway proxy.
	Host string
	Port int
}

// Info describes the device an analysis ran on.
type Info struct {
	Platform      Platform
	RunKind       RunKind
	OSVersion     string
	OSBuild       string
	Manufacturer  string
	Model         string
	Architectures []string
}

// Permission values accepted by SetAppPermissions. Android permissions only
// know Grant and Deny.
const (
	Grant  = "allow"
	Deny   = "deny"
	Always = "always"
)

// Instrumentation is the capability set every run target provides.
type Instrumentation interface {
	// EnsureDevice prepares a connected device for analysis, installing
	// the tunnel client where needed.
	EnsureDevice(ctx context.Context) error
	// WaitForDevice polls until the device reports it finished booting.
	WaitForDevice(ctx context.Context, tries int) error
	InstallApp(ctx context.Context, path string, extra ...string) error
	UninstallApp(ctx context.Context, appID string) error
	IsAppInstalled(ctx context.Context, appID string) (bool, error)
	// SetAppPermissions applies permissions, or every known permission
	// when perms is empty.
	SetAppPermissions(ctx context.Context, appID string, perms map[string]string) error
	StartApp(ctx context.Context, appID string) error
	StopApp(ctx context.Context, appID string) error
	DeviceAttribute(ctx context.Context, name Attribute) (string, error)
	InstallCertificateAuthority(ctx context.Context, path string) error
	RemoveCertificateAuthority(ctx context.Context, path string) error
	// SetProxy routes device traffic through the proxy, or removes the
	// route when route is nil.
	SetProxy(ctx context.Context, route *Route) error
}

// EmulatorControl is implemented by emulator targets.
type EmulatorControl interface {
	ResetDevice(ctx context.Context, snapshot string) error
	SnapshotDeviceState(ctx context.Context, snapshot string) error
	KillEmulator(ctx context.Context) error
}

// HoneySeeder is implemented by targets that can plant honey data.
type HoneySeeder interface {
	SetDeviceName(ctx context.Context, name string) error
	SetClipboard(ctx context.Context, text string) error
}

// Attribute names a queryable device property.
type Attribute string

const (
	AttrOSVersion     Attribute = "osVersion"
	AttrOSBuild       Attribute = "osBuild"
	AttrManufacturer  Attribute = "manufacturer"
	AttrModel         Attribute = "model"
	AttrArchitectures Attribute = "architectures"
)

// DescribeAttributes are queried after every successful ensure.
var DescribeAttributes = []Attribute{AttrOSVersion, AttrOSBuild, AttrManufacturer, AttrModel, AttrArchitectures}
