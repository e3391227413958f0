package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/tapwire/internal/device"
	"github.com/cochaviz/tapwire/internal/errdefs"
)

const wireguardChanged = `{"status":"proxyChanged","servers":[{"type":"wireguard","description":"WireGuard server","full_spec":"wireguard","is_running":true,"last_exception":null,"listen_addrs":[["0.0.0.0",51820]],"wireguard_conf":"[Interface]\nPrivateKey = x\nAddress = 10.0.0.1/32\n\n[Peer]\nPublicKey = y\nAllowedIPs = 0.0.0.0/0\nEndpoint = 192.168.1.5:51820"}]}`

const regularChanged = `{"status":"proxyChanged","servers":[{"type":"regular","description":"HTTP(S) proxy","full_spec":"regular","is_running":true,"last_exception":null,"listen_addrs":[["0.0.0.0",8080]]}]}`

const dumpBody = `{"log":{"version":"1.2","creator":{"name":"mitmproxy","version":"11"},"entries":[{"startedDateTime":"2024-05-01T10:00:00Z","time":1,"request":{"method":"GET","url":"https://tracker.example.com/","httpVersion":"HTTP/1.1","cookies":[],"headers":[],"queryString":[],"headersSize":0,"bodySize":0},"response":{"status":200,"statusText":"OK","httpVersion":"HTTP/1.1","cookies":[],"headers":[],"content":{"size":0,"mimeType":""},"redirectURL":"","headersSize":0,"bodySize":0},"timings":{"send":0,"wait":0,"receive":0}}]}}`

type stubProxy struct {
	// events are printed in order once the proxy starts.
	events []string
	// dump is written to the hardump target on interrupt. Empty leaves the
	// file missing.
	dump string
	// exitEarly makes the proxy exit right after printing its events.
	exitEarly bool
}

func writeStubMitmdump(t *testing.T, stub stubProxy) (string, string) {
	t.Helper()
	dir := t.TempDir()

	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/sh\nDIR=%q\necho start >> \"$DIR/starts\"\n", dir)
	b.WriteString("for arg in \"$@\"; do case \"$arg\" in hardump=*) DUMP=\"${arg#hardump=}\";; esac; done\n")
	if stub.dump != "" {
		if err := os.WriteFile(filepath.Join(dir, "dump.har"), []byte(stub.dump), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		b.WriteString("trap 'cp \"$DIR/dump.har\" \"$DUMP\"; printf \"%s\\n\" \"tapwire:{\\\"status\\\":\\\"done\\\"}\"; exit 0' INT TERM\n")
	} else {
		b.WriteString("trap 'exit 0' INT TERM\n")
	}
	b.WriteString("echo 'mitmproxy starting'\n")
	for _, ev := range stub.events {
		fmt.Fprintf(&b, "printf '%%s\\n' 'tapwire:%s'\n", ev)
	}
	if stub.exitEarly {
		b.WriteString("exit 1\n")
	}
	b.WriteString("while true; do sleep 0.05; done\n")

	path := filepath.Join(dir, "mitmdump")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path, dir
}

type fakeDevice struct {
	mu     sync.Mutex
	calls  []string
	routes []device.Route
}

func (f *fakeDevice) InstallCertificateAuthority(_ context.Context, path string) error {
	f.record("install-ca")
	return nil
}

func (f *fakeDevice) RemoveCertificateAuthority(_ context.Context, path string) error {
	f.record("remove-ca")
	return nil
}

func (f *fakeDevice) SetProxy(_ context.Context, route *device.Route) error {
	if route == nil {
		f.record("clear-route")
		return nil
	}
	f.mu.Lock()
	f.routes = append(f.routes, *route)
	f.mu.Unlock()
	f.record("set-route")
	return nil
}

func (f *fakeDevice) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDevice) history() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

func newTestController(t *testing.T, path string, dev Device, mode Mode) *Controller {
	t.Helper()
	return New(dev, Options{
		Mitmdump:       path,
		Addon:          "events.py",
		ConfDir:        t.TempDir(),
		Mode:           mode,
		TunnelEndpoint: "10.0.2.2",
		HostAddress:    func() (string, error) { return "192.168.1.20", nil },
		StartupTimeout: 5 * time.Second,
		GracePeriod:    2 * time.Second,
	})
}

func starts(t *testing.T, dir string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "starts"))
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "start\n")
}

func TestCollectionRoundTrip(t *testing.T) {
	t.Parallel()

	path, _ := writeStubMitmdump(t, stubProxy{
		events: []string{`{"status":"running"}`, wireguardChanged, `{"status":"clientConnected","context":{"address":["10.0.0.1",40000]}}`},
		dump:   dumpBody,
	})
	dev := &fakeDevice{}
	ctrl := newTestController(t, path, dev, ModeWireGuard)
	ctx := context.Background()

	if err := ctrl.Start(ctx, AllowList("app.a")); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !ctrl.Active() {
		t.Fatal("Active() = false after Start")
	}
	tunnel := dev.routes[0].Tunnel
	if !strings.Contains(tunnel, "IncludedApplications = app.a") {
		t.Fatalf("tunnel config not scoped:\n%s", tunnel)
	}
	if !strings.Contains(tunnel, "Endpoint = 10.0.2.2:51820") {
		t.Fatalf("tunnel endpoint not rewritten:\n%s", tunnel)
	}

	capture, err := ctrl.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := len(capture.Traffic.Log.Entries); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
	if capture.Ended.Before(capture.Started) {
		t.Fatalf("capture window %s..%s is inverted", capture.Started, capture.Ended)
	}
	if got, want := dev.history(), "install-ca,set-route,clear-route,remove-ca"; got != want {
		t.Fatalf("device calls = %s, want %s", got, want)
	}
	if ctrl.Active() {
		t.Fatal("Active() = true after Stop")
	}

	var statuses []Status
	for _, ev := range ctrl.Events() {
		statuses = append(statuses, ev.Status)
	}
	want := []Status{StatusRunning, StatusProxyChanged, StatusClientConnected, StatusDone}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("event statuses = %v, want %v", statuses, want)
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	t.Parallel()

	path, dir := writeStubMitmdump(t, stubProxy{
		events: []string{`{"status":"running"}`, wireguardChanged},
		dump:   dumpBody,
	})
	dev := &fakeDevice{}
	ctrl := newTestController(t, path, dev, ModeWireGuard)
	ctx := context.Background()

	if err := ctrl.Start(ctx, AllApps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Abort(context.Background()) })

	err := ctrl.Start(ctx, AllApps())
	if !errors.Is(err, ErrCollectionActive) || !errdefs.IsUsage(err) {
		t.Fatalf("second Start() error = %v, want ErrCollectionActive", err)
	}
	if got := starts(t, dir); got != 1 {
		t.Fatalf("proxy processes = %d, want 1", got)
	}
}

func TestStopCleansUpAfterBadDump(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		dump string
		want DumpKind
	}{
		{name: "invalid", dump: "{not json", want: DumpInvalid},
		{name: "unreadable", dump: "", want: DumpUnreadable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path, _ := writeStubMitmdump(t, stubProxy{
				events: []string{`{"status":"running"}`, wireguardChanged},
				dump:   tc.dump,
			})
			dev := &fakeDevice{}
			ctrl := newTestController(t, path, dev, ModeWireGuard)
			ctx := context.Background()

			if err := ctrl.Start(ctx, AllApps()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			capture, err := ctrl.Stop(ctx)
			var dumpErr *DumpError
			if !errors.As(err, &dumpErr) || dumpErr.Kind != tc.want {
				t.Fatalf("Stop() error = %v, want %s dump error", err, tc.want)
			}
			if capture != nil {
				t.Fatalf("Stop() capture = %+v, want nil", capture)
			}
			if got, want := dev.history(), "install-ca,set-route,clear-route,remove-ca"; got != want {
				t.Fatalf("device calls = %s, want %s", got, want)
			}
			if ctrl.Active() {
				t.Fatal("Active() = true after failed Stop")
			}
		})
	}
}

func TestStartTimesOut(t *testing.T) {
	t.Parallel()

	path, _ := writeStubMitmdump(t, stubProxy{events: []string{`{"status":"running"}`}})
	dev := &fakeDevice{}
	ctrl := newTestController(t, path, dev, ModeWireGuard)
	ctrl.opts.StartupTimeout = 200 * time.Millisecond

	err := ctrl.Start(context.Background(), AllApps())
	if !errdefs.IsTimeout(err) {
		t.Fatalf("Start() error = %v, want timeout error", err)
	}
	if ctrl.Active() {
		t.Fatal("Active() = true after failed Start")
	}
	if got, want := dev.history(), "install-ca,remove-ca"; got != want {
		t.Fatalf("device calls = %s, want %s", got, want)
	}
}

func TestStartFailsWhenProxyExits(t *testing.T) {
	t.Parallel()

	path, _ := writeStubMitmdump(t, stubProxy{events: []string{`{"status":"running"}`}, exitEarly: true})
	dev := &fakeDevice{}
	ctrl := newTestController(t, path, dev, ModeWireGuard)

	err := ctrl.Start(context.Background(), AllApps())
	if err == nil || errdefs.IsTimeout(err) {
		t.Fatalf("Start() error = %v, want exit error", err)
	}
	if got, want := dev.history(), "install-ca,remove-ca"; got != want {
		t.Fatalf("device calls = %s, want %s", got, want)
	}
}

func TestStopWithoutCollection(t *testing.T) {
	t.Parallel()

	ctrl := newTestController(t, "mitmdump", &fakeDevice{}, ModeWireGuard)
	if _, err := ctrl.Stop(context.Background()); !errors.Is(err, ErrNoCollection) {
		t.Fatalf("Stop() error = %v, want ErrNoCollection", err)
	}
	if err := ctrl.Abort(context.Background()); err != nil {
		t.Fatalf("Abort() error = %v, want nil without collection", err)
	}
}

func TestGatewayRouteUsesHostAddress(t *testing.T) {
	t.Parallel()

	path, _ := writeStubMitmdump(t, stubProxy{
		events: []string{regularChanged, `{"status":"running"}`},
		dump:   dumpBody,
	})
	dev := &fakeDevice{}
	ctrl := newTestController(t, path, dev, ModeRegular)
	ctx := context.Background()

	if err := ctrl.Start(ctx, AllApps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	route := dev.routes[0]
	if route.Host != "192.168.1.20" || route.Port != 8080 || route.Tunnel != "" {
		t.Fatalf("route = %+v, want gateway 192.168.1.20:8080", route)
	}
}

func TestArgsSelectMode(t *testing.T) {
	t.Parallel()

	wg := New(&fakeDevice{}, Options{Addon: "/addons/events.py", ConfDir: "/conf"}).args("/tmp/d.har")
	if got := strings.Join(wg, " "); got != "--quiet -s /addons/events.py --set hardump=/tmp/d.har --set confdir=/conf --mode wireguard" {
		t.Fatalf("args() = %s", got)
	}
	regular := New(&fakeDevice{}, Options{Addon: "a.py", Mode: ModeRegular, ListenHost: "0.0.0.0"}).args("d.har")
	if got := strings.Join(regular, " "); !strings.HasSuffix(got, "--mode regular --listen-host 0.0.0.0 --listen-port 8080") {
		t.Fatalf("args() = %s", got)
	}
	if ModeFor(device.PlatformIOS) != ModeRegular || ModeFor(device.PlatformAndroid) != ModeWireGuard {
		t.Fatal("ModeFor() picked the wrong mode")
	}
}
