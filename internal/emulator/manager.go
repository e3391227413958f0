// Package emulator manages the lifecycle of one Android virtual device:
// resolving or creating it from a configuration fingerprint, starting and
// supervising the emulator process, snapshot based resets and the bounded
// restart/rebuild escalation applied when it keeps failing.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/process"
)

// CleanSnapshot is the snapshot captured after the first successful
// device-ready sequence of a library-managed device.
const CleanSnapshot = "tapwire_clean"

// Tools locates the Android SDK binaries.
type Tools struct {
	Emulator   string
	AVDManager string
	ADB        string
}

// Options configure a Manager.
type Options struct {
	Tools   Tools
	AVDHome string
	Runner  process.Runner
	Logger  *slog.Logger
}

// Manager resolves, creates and deletes virtual devices.
type Manager struct {
	tools   Tools
	avdHome string
	runner  process.Runner
	logger  *slog.Logger
}

// NewManager builds a Manager, filling in tool names found on PATH and the
// default AVD home.
func NewManager(opts Options) *Manager {
	tools := opts.Tools
	if tools.Emulator == "" {
		tools.Emulator = "emulator"
	}
	if tools.AVDManager == "" {
		tools.AVDManager = "avdmanager"
	}
	if tools.ADB == "" {
		tools.ADB = "adb"
	}
	runner := opts.Runner
	if runner == nil {
		runner = process.ExecRunner{}
	}
	home := opts.AVDHome
	if home == "" {
		home = DefaultAVDHome()
	}
	return &Manager{
		tools:   tools,
		avdHome: home,
		runner:  runner,
		logger:  logging.Ensure(opts.Logger).With("component", "emulator"),
	}
}

// DefaultAVDHome follows the SDK lookup order: ANDROID_AVD_HOME, then
// ANDROID_USER_HOME/avd, then ~/.android/avd.
func DefaultAVDHome() string {
	if dir := os.Getenv("ANDROID_AVD_HOME"); dir != "" {
		return dir
	}
	if dir := os.Getenv("ANDROID_USER_HOME"); dir != "" {
		return filepath.Join(dir, "avd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".android", "avd")
	}
	return filepath.Join(home, ".android", "avd")
}

// Resolve returns the handle for spec. For library-managed specs the device
// whose name carries the configuration fingerprint is reused, or created
// when none exists.
func (m *Manager) Resolve(ctx context.Context, spec Spec) (*Handle, error) {
	ctx, span := startSpan(ctx, "emulator.Resolve", attribute.String("name", spec.Name))
	defer span.End()

	h := &Handle{
		mgr:          m,
		start:        spec.Start,
		limits:       spec.Limits,
		snapshot:     spec.Snapshot,
		resetTimeout: spec.ResetTimeout,
	}
	if h.start.Port == 0 {
		h.start.Port = DefaultPort
	}

	if spec.Create == nil {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			err := errdefs.Usage("resolve emulator", "either an emulator name or a creation config is required")
			recordSpanError(span, err)
			return nil, err
		}
		h.name = name
		h.logger = m.logger.With("emulator", name)
		return h, nil
	}

	create := *spec.Create
	create.Capabilities = canonicalCapabilities(create.Capabilities)
	name, err := ManagedName(create)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	h.name = name
	h.managed = true
	h.create = &create
	h.logger = m.logger.With("emulator", name)
	span.SetAttributes(attribute.String("name", name))

	existing, err := m.ListDevices(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	fp := strings.TrimPrefix(name, NamePrefix)
	var matches []string
	for _, candidate := range existing {
		if strings.Contains(candidate, fp) {
			matches = append(matches, candidate)
		}
	}

	switch len(matches) {
	case 0:
		if err := m.create(ctx, name, create); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		h.snapshot = ""
	case 1:
		h.name = matches[0]
		h.logger = m.logger.With("emulator", h.name)
		snapshots, err := m.ListSnapshots(h.name)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		if slices.Contains(snapshots, CleanSnapshot) {
			h.snapshot = CleanSnapshot
		} else {
			h.snapshot = ""
		}
		h.logger.Info("Reusing virtual device", "snapshot", h.snapshot)
	default:
		err := fmt.Errorf("%d virtual devices match fingerprint %s: %s", len(matches), fp, strings.Join(matches, ", "))
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("snapshot", h.snapshot))
	return h, nil
}

// ListDevices returns the names of all virtual devices known to the
// emulator binary.
func (m *Manager) ListDevices(ctx context.Context) ([]string, error) {
	out, err := m.runner.Run(ctx, "", m.tools.Emulator, "-list-avds")
	if err != nil {
		return nil, fmt.Errorf("list virtual devices: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		// The emulator prints diagnostics such as "INFO | ..." before the list.
		if line == "" || strings.Contains(line, " ") {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// ListSnapshots returns the snapshot names stored for the device.
func (m *Manager) ListSnapshots(name string) ([]string, error) {
	entries, err := os.ReadDir(m.snapshotDir(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots of %s: %w", name, err)
	}
	var snapshots []string
	for _, entry := range entries {
		if entry.IsDir() {
			snapshots = append(snapshots, entry.Name())
		}
	}
	slices.Sort(snapshots)
	return snapshots, nil
}

// DeleteSnapshot removes a stored snapshot of the device.
func (m *Manager) DeleteSnapshot(name, snapshot string) error {
	snapshot = strings.TrimSpace(snapshot)
	if snapshot == "" || strings.ContainsAny(snapshot, `/\`) || snapshot == "." || snapshot == ".." {
		return errdefs.Usage("delete snapshot", "invalid snapshot name %q", snapshot)
	}
	dir := filepath.Join(m.snapshotDir(name), snapshot)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("snapshot %s of %s: %w", snapshot, name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete snapshot %s of %s: %w", snapshot, name, err)
	}
	return nil
}

func (m *Manager) snapshotDir(name string) string {
	return filepath.Join(m.avdHome, name+".avd", "snapshots")
}

func (m *Manager) create(ctx context.Context, name string, cfg CreateConfig) error {
	ctx, span := startSpan(ctx, "emulator.Create", attribute.String("name", name))
	defer span.End()

	if cfg.SystemImage == "" {
		err := errdefs.Usage("create emulator", "system image is required")
		recordSpanError(span, err)
		return err
	}
	args := []string{"create", "avd", "-n", name, "-k", cfg.SystemImage, "--force"}
	if cfg.Device != "" {
		args = append(args, "-d", cfg.Device)
	}
	m.logger.Info("Creating virtual device", "name", name, "image", cfg.SystemImage, "device", cfg.Device)
	// avdmanager asks whether to create a custom hardware profile.
	if _, err := m.runner.Run(ctx, "no\n", m.tools.AVDManager, args...); err != nil {
		err = fmt.Errorf("create virtual device %s: %w", name, err)
		recordSpanError(span, err)
		return err
	}
	return nil
}

func (m *Manager) delete(ctx context.Context, name string) error {
	ctx, span := startSpan(ctx, "emulator.Delete", attribute.String("name", name))
	defer span.End()

	if _, err := m.runner.Run(ctx, "", m.tools.AVDManager, "delete", "avd", "-n", name); err != nil {
		err = fmt.Errorf("delete virtual device %s: %w", name, err)
		recordSpanError(span, err)
		return err
	}
	return nil
}
