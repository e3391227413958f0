package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// EventsAddonName is the file name of the events addon in the addon
// directory.
const EventsAddonName = "tapwire_events.py"

// Paths locates the provisioned tools below one data directory.
type Paths struct {
	Dir      string
	Venv     string
	Python   string
	Mitmdump string
	AddonDir string
	ConfDir  string
}

// DefaultDir is $TAPWIRE_HOME, or tapwire under the user data directory.
func DefaultDir() string {
	if dir := os.Getenv("TAPWIRE_HOME"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "tapwire")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "tapwire")
	}
	return filepath.Join(os.TempDir(), "tapwire")
}

// PathsFor lays out the provisioned files below dir.
func PathsFor(dir string) Paths {
	if dir == "" {
		dir = DefaultDir()
	}
	venv := filepath.Join(dir, "venv")
	return Paths{
		Dir:      dir,
		Venv:     venv,
		Python:   filepath.Join(venv, "bin", "python"),
		Mitmdump: filepath.Join(venv, "bin", "mitmdump"),
		AddonDir: filepath.Join(dir, "addons"),
		ConfDir:  filepath.Join(dir, "mitmproxy"),
	}
}

// EventsAddon is the path of the events addon script.
func (p Paths) EventsAddon() string {
	return filepath.Join(p.AddonDir, EventsAddonName)
}

// CACertificate is the PEM certificate of the mitmproxy CA.
func (p Paths) CACertificate() string {
	return filepath.Join(p.ConfDir, "mitmproxy-ca-cert.pem")
}

// Verify reports the first provisioned file that is missing.
func (p Paths) Verify() error {
	for _, file := range []string{p.Mitmdump, p.EventsAddon(), p.CACertificate()} {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("file %s does not exist, run setup first", file)
		}
	}
	return nil
}

// Clear removes the virtual environment and the addon directory. The CA is
// kept so devices that already trust it keep working.
func (p Paths) Clear() error {
	getLogger().Info("clearing provisioned tools", "dir", p.Dir)

	for _, dir := range []string{p.Venv, p.AddonDir} {
		if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

func ensureCommands(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
