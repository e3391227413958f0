package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/tapwire/internal/analysis"
	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/emulator"
	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/proxy"
	"github.com/cochaviz/tapwire/internal/repositories/local"
)

const wireguardChanged = `{"status":"proxyChanged","servers":[{"type":"wireguard","description":"WireGuard server","full_spec":"wireguard","is_running":true,"last_exception":null,"listen_addrs":[["0.0.0.0",51820]],"wireguard_conf":"[Interface]\nPrivateKey = x\nAddress = 10.0.0.1/32\n\n[Peer]\nPublicKey = y\nAllowedIPs = 0.0.0.0/0\nEndpoint = 192.168.1.5:51820"}]}`

const dumpBody = `{"log":{"version":"1.2","creator":{"name":"mitmproxy","version":"11"},"entries":[{"startedDateTime":"2024-05-01T10:00:00Z","time":1,"request":{"method":"GET","url":"https://tracker.example.com/collect","httpVersion":"HTTP/1.1","cookies":[],"headers":[],"queryString":[],"headersSize":0,"bodySize":0},"response":{"status":204,"statusText":"No Content","httpVersion":"HTTP/1.1","cookies":[],"headers":[],"content":{"size":0,"mimeType":""},"redirectURL":"","headersSize":0,"bodySize":0},"timings":{"send":0,"wait":0,"receive":0}}]}}`

func writeStubMitmdump(t *testing.T, dir string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "dump.har"), []byte(dumpBody), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/sh\nDIR=%q\n", dir)
	b.WriteString("for arg in \"$@\"; do case \"$arg\" in hardump=*) DUMP=\"${arg#hardump=}\";; esac; done\n")
	b.WriteString("trap 'cp \"$DIR/dump.har\" \"$DUMP\"; exit 0' INT TERM\n")
	for _, ev := range []string{`{"status":"running"}`, wireguardChanged} {
		fmt.Fprintf(&b, "printf '%%s\\n' 'tapwire:%s'\n", ev)
	}
	b.WriteString("while true; do sleep 0.05; done\n")

	path := filepath.Join(dir, "mitmdump")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// phone is a physical Android device whose EnsureDevice fails with the
// queued errors first.
type phone struct {
	mu         sync.Mutex
	calls      []string
	ensureErrs []error
	installed  map[string]bool
}

func (p *phone) record(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *phone) count(call string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (p *phone) EnsureDevice(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ensureErrs) > 0 {
		err := p.ensureErrs[0]
		p.ensureErrs = p.ensureErrs[1:]
		return err
	}
	return nil
}

func (p *phone) WaitForDevice(context.Context, int) error { return nil }

func (p *phone) InstallApp(_ context.Context, path string, _ ...string) error {
	p.record("install %s", filepath.Base(path))
	return nil
}

func (p *phone) UninstallApp(_ context.Context, id string) error {
	p.record("uninstall %s", id)
	return nil
}

func (p *phone) IsAppInstalled(_ context.Context, id string) (bool, error) {
	return p.installed[id], nil
}

func (p *phone) SetAppPermissions(_ context.Context, id string, _ map[string]string) error {
	p.record("permissions %s", id)
	return nil
}

func (p *phone) StartApp(_ context.Context, id string) error {
	p.record("start %s", id)
	return nil
}

func (p *phone) StopApp(_ context.Context, id string) error {
	p.record("stop %s", id)
	return nil
}

func (p *phone) DeviceAttribute(_ context.Context, name device.Attribute) (string, error) {
	if name == device.AttrArchitectures {
		return "arm64-v8a", nil
	}
	return "test", nil
}

func (p *phone) InstallCertificateAuthority(context.Context, string) error { return nil }
func (p *phone) RemoveCertificateAuthority(context.Context, string) error  { return nil }
func (p *phone) SetProxy(context.Context, *device.Route) error             { return nil }

func newPhoneSession(t *testing.T, dev *phone) *analysis.Session {
	t.Helper()
	dir := t.TempDir()
	s, err := analysis.Start(context.Background(), analysis.Options{
		Target:          device.AndroidDevice,
		Instrumentation: dev,
		Proxy: proxy.Options{
			Mitmdump:       writeStubMitmdump(t, dir),
			Addon:          "tapwire_events.py",
			ConfDir:        filepath.Join(dir, "mitmproxy"),
			StartupTimeout: 5 * time.Second,
			GracePeriod:    2 * time.Second,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Exit:   func(int) {},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestRunAppsRequeuesAfterEmulatorError(t *testing.T) {
	dev := &phone{
		ensureErrs: []error{&emulator.Error{Kind: emulator.KindCrashed, Name: "Pixel"}},
		installed:  map[string]bool{"com.example.first": true, "com.example.second": true},
	}
	session := newPhoneSession(t, dev)
	store := &local.ResultStore{BaseDir: t.TempDir()}

	outcomes := RunApps(context.Background(), session, []string{"com.example.first", "com.example.second"}, RunOptions{
		RunTime: 10 * time.Millisecond,
		Store:   store,
	})
	if len(outcomes) != 2 {
		t.Fatalf("RunApps() returned %d outcomes, want 2", len(outcomes))
	}
	// The first app failed and went to the back of the queue.
	if outcomes[0].App != "com.example.second" || outcomes[0].Attempts != 1 {
		t.Fatalf("outcomes[0] = %+v", outcomes[0])
	}
	if outcomes[1].App != "com.example.first" || outcomes[1].Attempts != 2 {
		t.Fatalf("outcomes[1] = %+v", outcomes[1])
	}
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			t.Fatalf("%s: Err = %v", outcome.App, outcome.Err)
		}
		if len(outcome.Stored) != 1 || outcome.Stored[0].Entries != 1 {
			t.Fatalf("%s: Stored = %+v", outcome.App, outcome.Stored)
		}
	}
	if dev.count("start com.example.first") != 1 || dev.count("stop com.example.first") != 1 {
		t.Fatalf("calls = %v", dev.calls)
	}
	// Apps given by identifier are never uninstalled.
	if dev.count("uninstall com.example.first") != 0 {
		t.Fatalf("calls = %v", dev.calls)
	}

	listed, err := store.List()
	if err != nil || len(listed) != 2 {
		t.Fatalf("List() = %v, %v", listed, err)
	}
}

func TestRunAppsGivesUpAfterSecondEmulatorError(t *testing.T) {
	crash := &emulator.Error{Kind: emulator.KindExhausted, Name: "Pixel"}
	dev := &phone{
		// first app, missing app, first app again
		ensureErrs: []error{crash, nil, crash},
		installed:  map[string]bool{"com.example.app": true},
	}
	session := newPhoneSession(t, dev)

	outcomes := RunApps(context.Background(), session, []string{"com.example.app", "com.example.missing"}, RunOptions{})
	if len(outcomes) != 2 {
		t.Fatalf("RunApps() returned %d outcomes, want 2", len(outcomes))
	}
	// Usage errors are not retried.
	if outcomes[0].App != "com.example.missing" || !errdefs.IsUsage(outcomes[0].Err) {
		t.Fatalf("outcomes[0] = %+v", outcomes[0])
	}
	if _, ok := emulator.AsError(outcomes[1].Err); !ok || outcomes[1].Attempts != 2 {
		t.Fatalf("outcomes[1] = %+v", outcomes[1])
	}
}

func TestRunAppsStopsOnCancel(t *testing.T) {
	dev := &phone{installed: map[string]bool{"com.example.app": true}}
	session := newPhoneSession(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if outcomes := RunApps(ctx, session, []string{"com.example.app"}, RunOptions{}); len(outcomes) != 0 {
		t.Fatalf("RunApps() = %+v, want no outcomes", outcomes)
	}
}

func TestWaitWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	waitWithContext(ctx, time.Minute)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waitWithContext() ignored cancellation, waited %v", elapsed)
	}
}
