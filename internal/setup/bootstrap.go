package setup

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/process"
)

//go:embed tapwire_events.py
var eventsAddon []byte

// DefaultMitmproxy is the pip requirement installed into the venv.
const DefaultMitmproxy = "mitmproxy>=11,<13"

// DefaultCATimeout bounds the mitmdump run that generates the CA.
const DefaultCATimeout = 30 * time.Second

// Options configure Bootstrap.
type Options struct {
	Dir string
	// Python is the interpreter used to create the venv.
	Python    string
	Mitmproxy string
	CATimeout time.Duration
	// Reinstall recreates the venv even if mitmdump is present.
	Reinstall bool
	Runner    process.Runner
}

// Bootstrap provisions everything the proxy controller needs. Steps that are
// already done are skipped, so it is cheap to call before every run.
func Bootstrap(ctx context.Context, opts Options) (Paths, error) {
	paths := PathsFor(opts.Dir)
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Mitmproxy == "" {
		opts.Mitmproxy = DefaultMitmproxy
	}
	if opts.CATimeout <= 0 {
		opts.CATimeout = DefaultCATimeout
	}
	if opts.Runner == nil {
		opts.Runner = process.ExecRunner{}
	}
	logger := getLogger()

	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return paths, fmt.Errorf("make data dir: %w", err)
	}

	if opts.Reinstall || !exists(paths.Mitmdump) {
		if err := installMitmproxy(ctx, paths, opts); err != nil {
			return paths, err
		}
	} else {
		logger.Debug("mitmproxy already installed", "mitmdump", paths.Mitmdump)
	}

	if err := writeAddon(paths); err != nil {
		return paths, err
	}

	if !exists(paths.CACertificate()) {
		if err := generateCA(ctx, paths, opts.CATimeout); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

func installMitmproxy(ctx context.Context, paths Paths, opts Options) error {
	logger := getLogger()
	if err := ensureCommands(opts.Python); err != nil {
		return err
	}

	logger.Info("creating virtual environment", "venv", paths.Venv)
	if _, err := opts.Runner.Run(ctx, "", opts.Python, "-m", "venv", "--clear", paths.Venv); err != nil {
		return fmt.Errorf("create venv: %w", err)
	}
	logger.Info("installing mitmproxy", "requirement", opts.Mitmproxy)
	if _, err := opts.Runner.Run(ctx, "", paths.Python, "-m", "pip", "install", "--quiet", opts.Mitmproxy); err != nil {
		return fmt.Errorf("install %s: %w", opts.Mitmproxy, err)
	}
	if !exists(paths.Mitmdump) {
		return fmt.Errorf("mitmdump missing at %s after install", paths.Mitmdump)
	}
	return nil
}

func writeAddon(paths Paths) error {
	target := paths.EventsAddon()
	if current, err := os.ReadFile(target); err == nil && bytes.Equal(current, eventsAddon) {
		return nil
	}
	if err := os.MkdirAll(paths.AddonDir, 0o755); err != nil {
		return fmt.Errorf("make addon dir: %w", err)
	}
	tmpPath := target + ".tmp"
	if err := os.WriteFile(tmpPath, eventsAddon, 0o644); err != nil {
		return fmt.Errorf("write addon: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename addon: %w", err)
	}
	getLogger().Info("wrote events addon", "path", target)
	return nil
}

// generateCA runs mitmdump once, which writes its CA into the confdir on
// startup.
func generateCA(ctx context.Context, paths Paths, timeout time.Duration) error {
	logger := getLogger()
	logger.Info("generating mitmproxy certificate authority", "confdir", paths.ConfDir)

	proc, err := process.Start(process.Options{
		Path: paths.Mitmdump,
		Args: []string{"--set", "confdir=" + paths.ConfDir, "--listen-host", "127.0.0.1", "--listen-port", "0"},
	})
	if err != nil {
		return fmt.Errorf("start mitmdump: %w", err)
	}
	defer proc.Terminate(5 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if exists(paths.CACertificate()) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-proc.Done():
			if exists(paths.CACertificate()) {
				return nil
			}
			return fmt.Errorf("mitmdump exited before writing its CA: %s", proc.Console())
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errdefs.Timeout("generate CA", timeout, ctx.Err())
			}
			return ctx.Err()
		}
	}
}
