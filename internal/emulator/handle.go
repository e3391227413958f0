package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/logging"
	"github.com/cochaviz/tapwire/internal/process"
)

// ResetTimeout bounds loading a snapshot into the running device.
const ResetTimeout = 5 * time.Minute

// SnapshotController applies and captures snapshots on the running device.
type SnapshotController interface {
	ResetDevice(ctx context.Context, snapshot string) error
	SnapshotDeviceState(ctx context.Context, snapshot string) error
}

// Handle is one managed or user-supplied virtual device. It owns at most one
// live emulator process.
type Handle struct {
	mgr     *Manager
	logger  *slog.Logger
	name    string
	managed bool
	create  *CreateConfig
	start   StartOptions
	limits  Limits

	resetTimeout time.Duration

	mu           sync.Mutex
	run          *run
	args         []string
	snapshot     string
	failedStarts int
	rebuilds     int
	lastErr      *Error
}

// run is one emulator process together with its crash signal.
type run struct {
	proc    *process.Handle
	crash   context.Context
	crashed context.CancelCauseFunc
	console *logging.Writer
	// counted is set once the failure of this run entered failedStarts.
	counted bool
}

func (h *Handle) Name() string   { return h.name }
func (h *Handle) Managed() bool  { return h.managed }
func (h *Handle) Serial() string { return "emulator-" + strconv.Itoa(h.start.Port) }

// CreateConfig returns the creation config of a library-managed device.
func (h *Handle) CreateConfig() *CreateConfig {
	return h.create
}

// Snapshot returns the snapshot used for resets, if any.
func (h *Handle) Snapshot() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// Args returns the argument list of the last start.
func (h *Handle) Args() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.args...)
}

// FailedStarts returns the number of failed starts since the last rebuild.
func (h *Handle) FailedStarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failedStarts
}

// Rebuilds returns the number of rebuilds performed.
func (h *Handle) Rebuilds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rebuilds
}

// LastError returns the last recorded failure.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr == nil {
		return nil
	}
	return h.lastErr
}

// Running reports whether an emulator process is alive.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run != nil && !h.run.proc.Exited()
}

func (h *Handle) startArgs() []string {
	args := []string{"-avd", h.name, "-port", strconv.Itoa(h.start.Port), "-no-boot-anim"}
	if h.start.Headless {
		args = append(args, "-no-window")
	}
	if !h.start.Audio {
		args = append(args, "-no-audio")
	}
	if h.start.Ephemeral {
		args = append(args, "-no-snapshot-save")
	}
	if h.start.Acceleration != "" {
		args = append(args, "-accel", h.start.Acceleration)
	}
	if h.start.GPU != "" {
		args = append(args, "-gpu", h.start.GPU)
	}
	return append(args, h.start.ExtraArgs...)
}

// Start launches the emulator. Starting a handle whose process is still
// alive is a no-op unless force is set, in which case the old process is
// killed first.
func (h *Handle) Start(ctx context.Context, force bool) error {
	_, span := startSpan(ctx, "emulator.Start",
		attribute.String("name", h.name),
		attribute.Bool("force", force),
	)
	defer span.End()

	h.mu.Lock()
	current := h.run
	h.mu.Unlock()

	if current != nil && !current.proc.Exited() {
		if !force {
			return nil
		}
		h.logger.Info("Killing running emulator before restart")
		current.proc.Terminate(process.DefaultGracePeriod)
	}

	args := h.startArgs()
	console := logging.LineWriter(h.logger, slog.LevelDebug, "emulator output")
	proc, err := process.Start(process.Options{
		Path:    h.mgr.tools.Emulator,
		Args:    args,
		Console: console,
	})
	if err != nil {
		err = fmt.Errorf("start emulator %s: %w", h.name, err)
		recordSpanError(span, err)
		return err
	}
	span.SetAttributes(attribute.Int("pid", proc.Pid()))

	crash, crashed := context.WithCancelCause(context.Background())
	r := &run{proc: proc, crash: crash, crashed: crashed, console: console}

	h.mu.Lock()
	h.run = r
	h.args = args
	h.mu.Unlock()

	h.logger.Info("Started emulator", "pid", proc.Pid(), "args", args)
	go h.watch(r)
	return nil
}

// watch records a genuine crash of r and signals it to guards.
func (h *Handle) watch(r *run) {
	<-r.proc.Done()
	r.console.Flush()
	if r.proc.Intentional() {
		h.logger.Debug("Emulator stopped")
		return
	}

	status := r.proc.Exit()
	failure := &Error{
		Kind:    classifyConsole(r.proc.Console()),
		Name:    h.name,
		Console: r.proc.Console(),
		Command: r.proc.CommandLine(),
		Signal:  status.Signal,
		Err:     fmt.Errorf("emulator exited with code %d", status.Code),
	}

	h.mu.Lock()
	if r.counted {
		h.mu.Unlock()
		return
	}
	r.counted = true
	h.failedStarts++
	h.lastErr = failure
	failed := h.failedStarts
	h.mu.Unlock()

	h.logger.Warn("Emulator crashed", "kind", failure.Kind, "code", status.Code, "signal", status.Signal, "failed_starts", failed)
	r.crashed(failure)
}

// Guard derives a context from parent that is cancelled when the current
// emulator process crashes. The crash is available through context.Cause.
func (h *Handle) Guard(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	h.mu.Lock()
	r := h.run
	h.mu.Unlock()
	if r == nil {
		return ctx, func() { cancel(context.Canceled) }
	}

	stop := context.AfterFunc(r.crash, func() {
		cancel(context.Cause(r.crash))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Boot starts the emulator and waits until ready reports the device usable.
// Failed attempts are retried with restarts and, for library-managed
// devices, rebuilds within the configured limits. When both are used up an
// Error of kind KindExhausted is returned.
func (h *Handle) Boot(ctx context.Context, forceRestart bool, ready func(context.Context) error) error {
	ctx, span := startSpan(ctx, "emulator.Boot", attribute.String("name", h.name))
	defer span.End()

	force := forceRestart
	for attempt := 1; ; attempt++ {
		if err := h.escalate(ctx); err != nil {
			recordSpanError(span, err)
			return err
		}
		if err := h.Start(ctx, force); err != nil {
			failure := h.record(KindBootFailed, err)
			h.logger.Warn("Emulator failed to launch", "error", err, "failed_starts", h.FailedStarts())
			recordSpanError(span, failure)
			return failure
		}
		span.AddEvent("attempt", traceAttempt(attempt))

		guard, release := h.Guard(ctx)
		err := ready(guard)
		cause := context.Cause(guard)
		release()
		if err == nil {
			h.logger.Info("Emulator booted", "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			recordSpanError(span, ctx.Err())
			return ctx.Err()
		}

		if crash, ok := AsError(cause); ok {
			if crash.Kind == KindSnapshotIncompatible && !h.markUnrecoverable() {
				recordSpanError(span, crash)
				return crash
			}
		} else {
			h.failBoot(err)
		}
		force = true
	}
}

// failBoot stops a process that did not become ready and counts the failure
// unless its crash was already recorded.
func (h *Handle) failBoot(err error) {
	h.mu.Lock()
	r := h.run
	h.mu.Unlock()

	var failure *Error
	if r != nil {
		r.proc.Terminate(process.DefaultGracePeriod)
		failure = &Error{
			Kind:    KindBootFailed,
			Name:    h.name,
			Console: r.proc.Console(),
			Command: r.proc.CommandLine(),
			Signal:  r.proc.Exit().Signal,
			Err:     err,
		}
	} else {
		failure = &Error{Kind: KindBootFailed, Name: h.name, Err: err}
	}

	h.mu.Lock()
	if r == nil || !r.counted {
		if r != nil {
			r.counted = true
		}
		h.failedStarts++
		h.lastErr = failure
	}
	failed := h.failedStarts
	h.mu.Unlock()
	h.logger.Warn("Emulator did not become ready", "error", err, "failed_starts", failed)
}

// markUnrecoverable forces a rebuild on the next attempt. It reports false
// when the device cannot be rebuilt.
func (h *Handle) markUnrecoverable() bool {
	if !h.managed {
		return false
	}
	h.mu.Lock()
	if h.failedStarts <= h.limits.Restarts {
		h.failedStarts = h.limits.Restarts + 1
	}
	h.mu.Unlock()
	return true
}

func (h *Handle) escalate(ctx context.Context) error {
	h.mu.Lock()
	failed, rebuilds := h.failedStarts, h.rebuilds
	h.mu.Unlock()

	if failed <= h.limits.Restarts {
		if failed > 0 {
			h.logger.Info("Restarting emulator", "failed_starts", failed, "restart_limit", h.limits.Restarts)
		}
		return nil
	}
	if !h.managed || rebuilds >= h.limits.Rebuilds {
		return h.exhausted()
	}
	if err := h.Rebuild(ctx); err != nil {
		if _, ok := AsError(err); !ok {
			return err
		}
		h.logger.Warn("Rebuild failed", "error", err, "rebuilds", h.Rebuilds(), "rebuild_limit", h.limits.Rebuilds)
		return h.escalate(ctx)
	}
	return nil
}

// diagnosed builds an Error of kind around err carrying the console, command
// and signal of the last failed run.
func (h *Handle) diagnosed(kind Kind, err error) *Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	failure := &Error{Kind: kind, Name: h.name, Err: err}
	if last := h.lastErr; last != nil {
		failure.Console = last.Console
		failure.Command = last.Command
		failure.Signal = last.Signal
	}
	return failure
}

// record counts a failed start that never produced a process.
func (h *Handle) record(kind Kind, err error) *Error {
	failure := h.diagnosed(kind, err)
	h.mu.Lock()
	h.failedStarts++
	h.lastErr = failure
	h.mu.Unlock()
	return failure
}

func (h *Handle) exhausted() error {
	h.mu.Lock()
	cause := fmt.Errorf("%d failed starts after %d rebuilds", h.failedStarts, h.rebuilds)
	if last := h.lastErr; last != nil {
		cause = fmt.Errorf("%w: last failure: %w", cause, last)
	}
	h.mu.Unlock()
	return h.diagnosed(KindExhausted, cause)
}

// Rebuild deletes and recreates a library-managed device from its creation
// config. Counters are reset and the reset snapshot is forgotten. A failed
// rebuild still counts against the rebuild limit and is returned as an Error
// of kind KindRebuildFailed.
func (h *Handle) Rebuild(ctx context.Context) error {
	ctx, span := startSpan(ctx, "emulator.Rebuild", attribute.String("name", h.name))
	defer span.End()

	if !h.managed || h.create == nil {
		err := errdefs.Usage("rebuild emulator", "%s is not managed by tapwire", h.name)
		recordSpanError(span, err)
		return err
	}
	h.Stop()

	h.logger.Warn("Rebuilding virtual device", "rebuild", h.Rebuilds()+1, "rebuild_limit", h.limits.Rebuilds)
	err := h.mgr.delete(ctx, h.name)
	if err == nil {
		err = h.mgr.create(ctx, h.name, *h.create)
	}
	if err != nil {
		if ctx.Err() != nil {
			recordSpanError(span, ctx.Err())
			return ctx.Err()
		}
		failure := h.diagnosed(KindRebuildFailed, err)
		h.mu.Lock()
		h.rebuilds++
		h.lastErr = failure
		h.mu.Unlock()
		recordSpanError(span, failure)
		return failure
	}

	h.mu.Lock()
	h.rebuilds++
	h.failedStarts = 0
	h.snapshot = ""
	h.mu.Unlock()
	return nil
}

// Reset loads the reset snapshot into the running device within
// ResetTimeout. A timeout means the device may be unresponsive.
func (h *Handle) Reset(ctx context.Context, ctrl SnapshotController) error {
	snapshot := h.Snapshot()
	ctx, span := startSpan(ctx, "emulator.Reset",
		attribute.String("name", h.name),
		attribute.String("snapshot", snapshot),
	)
	defer span.End()

	if snapshot == "" {
		err := errdefs.Usage("reset emulator", "no reset snapshot known for %s", h.name)
		recordSpanError(span, err)
		return err
	}

	timeout := h.resetTimeout
	if timeout <= 0 {
		timeout = ResetTimeout
	}
	resetCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := ctrl.ResetDevice(resetCtx, snapshot)
	if err == nil {
		return nil
	}
	if errors.Is(resetCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errdefs.Timeout("reset emulator", timeout, err)
	} else {
		err = fmt.Errorf("reset emulator %s to %s: %w", h.name, snapshot, err)
	}
	recordSpanError(span, err)
	return err
}

// CaptureCleanSnapshot saves the clean snapshot of a library-managed device
// that has none yet. It reports whether a snapshot was taken.
func (h *Handle) CaptureCleanSnapshot(ctx context.Context, ctrl SnapshotController) (bool, error) {
	if !h.managed || h.Snapshot() != "" {
		return false, nil
	}
	ctx, span := startSpan(ctx, "emulator.CaptureCleanSnapshot", attribute.String("name", h.name))
	defer span.End()

	if err := ctrl.SnapshotDeviceState(ctx, CleanSnapshot); err != nil {
		err = fmt.Errorf("capture clean snapshot of %s: %w", h.name, err)
		recordSpanError(span, err)
		return false, err
	}
	h.mu.Lock()
	h.snapshot = CleanSnapshot
	h.mu.Unlock()
	h.logger.Info("Captured clean snapshot", "snapshot", CleanSnapshot)
	return true, nil
}

// Stop kills the emulator process, if any. It is safe to call repeatedly.
func (h *Handle) Stop() {
	h.mu.Lock()
	r := h.run
	h.mu.Unlock()
	if r == nil {
		return
	}
	r.proc.Terminate(process.DefaultGracePeriod)
}
