// Package process starts and supervises the long-running external programs
// used during an analysis (the Android emulator and the intercepting proxy).
//
// A Handle exposes the exit outcome, waits for readiness either on a textual
// marker in standard output or on a structured event line, and terminates
// the process group gracefully. The supervisor never imposes a timeout of its
// own; callers bound every wait through the context they pass in.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is how long Terminate waits after the interrupt signal
// before it kills the process group.
const DefaultGracePeriod = 15 * time.Second

const (
	maxConsoleLines = 500
	maxLineBytes    = 4 << 20
)

// ErrOutputClosed is returned by the readiness waits when standard output
// closed before the awaited marker or event appeared.
var ErrOutputClosed = errors.New("process output closed before readiness signal")

// Options describe the program to launch.
type Options struct {
	Path string
	Args []string
	// Env entries are appended to the current environment.
	Env []string
	Dir string
	// EventPrefix marks standard output lines that carry a JSON event. Lines
	// starting with the prefix are decoded and never treated as console output.
	EventPrefix string
	// Console optionally mirrors standard output and standard error.
	Console io.Writer
}

// Event is one structured message emitted by the process.
type Event struct {
	Payload  json.RawMessage
	Received time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// ExitStatus describes how the process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Handle supervises one started process.
type Handle struct {
	cmd         *exec.Cmd
	pid         int
	commandLine string
	eventPrefix string
	console     io.Writer

	mu          sync.Mutex
	stdout      []string
	consoleBuf  []string
	events      []Event
	lineSubs    map[int]func(string)
	eventSubs   map[int]func(Event)
	nextSub     int
	terminating bool
	exit        ExitStatus

	deliverMu sync.Mutex

	outputDone chan struct{}
	done       chan struct{}
}

// Start launches the program described by opts.
func Start(opts Options) (*Handle, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("process path is required")
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	h := &Handle{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		commandLine: strings.Join(append([]string{path}, opts.Args...), " "),
		eventPrefix: opts.EventPrefix,
		console:     opts.Console,
		lineSubs:    map[int]func(string){},
		eventSubs:   map[int]func(Event){},
		outputDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		defer close(h.outputDone)
		h.scan(stdoutPipe, true)
	}()
	go func() {
		defer readers.Done()
		h.scan(stderrPipe, false)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.exit = exitStatus(err, cmd.ProcessState)
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// Pid returns the process id of the started program.
func (h *Handle) Pid() int {
	if h == nil {
		return 0
	}
	return h.pid
}

// CommandLine returns the launched command line.
func (h *Handle) CommandLine() string {
	if h == nil {
		return ""
	}
	return h.commandLine
}

// Done is closed once the process exited and its output was drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// OutputClosed is closed once standard output reached EOF.
func (h *Handle) OutputClosed() <-chan struct{} {
	return h.outputDone
}

// Exited reports whether the process is no longer running.
func (h *Handle) Exited() bool {
	if h == nil {
		return true
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Exit returns the exit status. It is only meaningful after Done is closed.
func (h *Handle) Exit() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Intentional reports whether the exit was requested, either through
// Terminate or by an interrupt/termination/kill signal.
func (h *Handle) Intentional() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminating {
		return true
	}
	switch h.exit.Signal {
	case "SIGINT", "SIGTERM", "SIGKILL":
		return true
	}
	return false
}

// Console returns the most recent console lines of both output streams.
func (h *Handle) Console() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.consoleBuf, "\n")
}

// Events returns every event received so far, in arrival order.
func (h *Handle) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// Subscribe invokes fn for every event, starting with the ones already
// received. Callbacks run on the reader goroutine, in order, and must not
// call Subscribe themselves. The returned function removes the subscription.
func (h *Handle) Subscribe(fn func(Event)) func() {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	past := append([]Event(nil), h.events...)
	id := h.nextSub
	h.nextSub++
	h.eventSubs[id] = fn
	h.mu.Unlock()

	for _, ev := range past {
		fn(ev)
	}
	return func() {
		h.mu.Lock()
		delete(h.eventSubs, id)
		h.mu.Unlock()
	}
}

// WaitForOutput blocks until marker appears in standard output. It returns
// ErrOutputClosed when the stream ends first and ctx.Err() when ctx is done.
func (h *Handle) WaitForOutput(ctx context.Context, marker string) error {
	matched := make(chan struct{}, 1)

	h.mu.Lock()
	for _, line := range h.stdout {
		if strings.Contains(line, marker) {
			h.mu.Unlock()
			return nil
		}
	}
	id := h.nextSub
	h.nextSub++
	h.lineSubs[id] = func(line string) {
		if strings.Contains(line, marker) {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.lineSubs, id)
		h.mu.Unlock()
	}()

	select {
	case <-matched:
		return nil
	case <-h.outputDone:
		select {
		case <-matched:
			return nil
		default:
			return ErrOutputClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForEvent blocks until an event satisfying match arrives and returns
// it. Events received before the call are considered too.
func (h *Handle) WaitForEvent(ctx context.Context, match func(Event) bool) (Event, error) {
	found := make(chan Event, 1)
	unsubscribe := h.Subscribe(func(ev Event) {
		if match(ev) {
			select {
			case found <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case ev := <-found:
		return ev, nil
	case <-h.outputDone:
		select {
		case ev := <-found:
			return ev, nil
		default:
			return Event{}, ErrOutputClosed
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Terminate interrupts the process group, waits up to grace for it to exit
// and kills it afterwards. It is a no-op for nil or already exited handles.
func (h *Handle) Terminate(grace time.Duration) {
	if h == nil || h.done == nil {
		return
	}
	h.mu.Lock()
	h.terminating = true
	h.mu.Unlock()

	if h.Exited() {
		return
	}
	h.signal(unix.SIGINT)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return
	case <-timer.C:
	}

	h.signal(unix.SIGKILL)
	<-h.done
}

// Stop terminates the process using DefaultGracePeriod.
func (h *Handle) Stop() {
	h.Terminate(DefaultGracePeriod)
}

func (h *Handle) signal(sig syscall.Signal) {
	if err := unix.Kill(-h.pid, sig); err != nil {
		_ = unix.Kill(h.pid, sig)
	}
}

func (h *Handle) scan(r io.Reader, stdout bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if stdout && h.eventPrefix != "" && strings.HasPrefix(line, h.eventPrefix) {
			h.dispatchEvent(strings.TrimPrefix(line, h.eventPrefix))
			continue
		}
		if h.console != nil {
			_, _ = io.WriteString(h.console, line+"\n")
		}
		h.dispatchLine(line, stdout)
	}
	// Keep draining so the child never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, r)
}

func (h *Handle) dispatchLine(line string, stdout bool) {
	h.mu.Lock()
	h.consoleBuf = appendBounded(h.consoleBuf, line)
	var subs []func(string)
	if stdout {
		h.stdout = appendBounded(h.stdout, line)
		for _, fn := range h.lineSubs {
			subs = append(subs, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(line)
	}
}

func (h *Handle) dispatchEvent(payload string) {
	raw := json.RawMessage(strings.TrimSpace(payload))
	if !json.Valid(raw) {
		h.dispatchLine(h.eventPrefix+payload, true)
		return
	}
	ev := Event{Payload: raw, Received: time.Now().UTC()}

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.events = append(h.events, ev)
	subs := make([]func(Event), 0, len(h.eventSubs))
	for _, fn := range h.eventSubs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func appendBounded(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxConsoleLines {
		lines = append([]string(nil), lines[len(lines)-maxConsoleLines:]...)
	}
	return lines
}

func exitStatus(err error, state *os.ProcessState) ExitStatus {
	status := ExitStatus{Err: err}
	if state == nil {
		status.Code = -1
		return status
	}
	status.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = unix.SignalName(ws.Signal())
	}
	return status
}
