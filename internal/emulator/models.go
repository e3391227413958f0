package emulator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// HoneyData is synthetic personal data seeded onto a fresh emulator before
// its clean snapshot is taken.
type HoneyData struct {
	DeviceName string `json:"device_name,omitempty" yaml:"device_name"`
	Clipboard  string `json:"clipboard,omitempty" yaml:"clipboard"`
}

// CreateConfig describes a library-managed virtual device. Its fingerprint
// determines the device name.
type CreateConfig struct {
	// Device is the avdmanager hardware profile, e.g. "pixel_6".
	Device string `json:"device" yaml:"device"`
	// SystemImage is the sdkmanager package path of the system image.
	SystemImage  string     `json:"system_image" yaml:"system_image"`
	HoneyData    *HoneyData `json:"honey_data,omitempty" yaml:"honey_data"`
	Capabilities []string   `json:"capabilities" yaml:"-"`
}

// StartOptions map onto emulator command line flags.
type StartOptions struct {
	Headless     bool     `yaml:"headless"`
	Audio        bool     `yaml:"audio"`
	Ephemeral    bool     `yaml:"ephemeral"`
	Acceleration string   `yaml:"acceleration"`
	GPU          string   `yaml:"gpu"`
	Port         int      `yaml:"port"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// Limits bound the restart and rebuild escalation.
type Limits struct {
	// Restarts is the number of restarts tried on one build after the
	// first failed start.
	Restarts int `yaml:"restart_limit"`
	// Rebuilds is the number of delete-and-recreate cycles per run.
	Rebuilds int `yaml:"rebuild_limit"`
}

// DefaultPort is the console port used when StartOptions.Port is zero.
const DefaultPort = 5554

// Spec selects the emulator a Manager resolves. Either Create is set, which
// makes the device library-managed, or Name refers to an existing device.
type Spec struct {
	Name     string
	Snapshot string
	Create   *CreateConfig
	Start    StartOptions
	Limits   Limits
	// ResetTimeout overrides the default ResetTimeout when positive.
	ResetTimeout time.Duration
}

// Kind classifies emulator failures.
type Kind string

const (
	KindCrashed              Kind = "crashed"
	KindSnapshotIncompatible Kind = "snapshot-incompatible"
	KindBootFailed           Kind = "boot-failed"
	KindRebuildFailed        Kind = "rebuild-failed"
	KindExhausted            Kind = "exhausted"
)

// Error is raised for emulator failures callers may recover from by
// requeueing their work. It carries the diagnostics of the last failed run.
type Error struct {
	Kind    Kind
	Name    string
	Console string
	Command string
	Signal  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "emulator %s %s", e.Name, e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Signal != "" {
		fmt.Fprintf(&b, " (signal %s)", e.Signal)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, "\ncommand: %s", e.Command)
	}
	if e.Console != "" {
		fmt.Fprintf(&b, "\nconsole:\n%s", e.Console)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an emulator Error from err.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

var snapshotIncompatibleMarkers = []string{
	"snapshot requires",
	"incompatible snapshot",
	"snapshot is incompatible",
	"failed to load snapshot",
}

func classifyConsole(console string) Kind {
	lower := strings.ToLower(console)
	for _, marker := range snapshotIncompatibleMarkers {
		if strings.Contains(lower, marker) {
			return KindSnapshotIncompatible
		}
	}
	return KindCrashed
}
