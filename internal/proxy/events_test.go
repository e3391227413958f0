package proxy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cochaviz/tapwire/internal/process"
)

func rawEvent(payload string) process.Event {
	return process.Event{Payload: json.RawMessage(payload), Received: time.Unix(1700000000, 0).UTC()}
}

func TestDecodeProxyChanged(t *testing.T) {
	t.Parallel()

	ev, err := decodeEvent(rawEvent(`{"status":"proxyChanged","servers":[
		{"type":"regular","description":"HTTP(S) proxy","full_spec":"regular","is_running":false,"last_exception":"address in use","listen_addrs":[]},
		{"type":"wireguard","description":"WireGuard server","full_spec":"wireguard","is_running":true,"last_exception":null,
		 "listen_addrs":[["0.0.0.0",51820],["::",51820,0,0]],"wireguard_conf":"[Interface]\nPrivateKey = x"}]}`))
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if ev.Status != StatusProxyChanged {
		t.Fatalf("Status = %s, want proxyChanged", ev.Status)
	}
	if len(ev.Servers) != 2 {
		t.Fatalf("Servers = %d, want 2", len(ev.Servers))
	}
	if ev.Servers[0].LastException != "address in use" {
		t.Fatalf("LastException = %q", ev.Servers[0].LastException)
	}

	if _, ok := ev.listener("regular"); ok {
		t.Fatal("listener(regular) found a stopped listener")
	}
	wg, ok := ev.listener("wireguard")
	if !ok {
		t.Fatal("listener(wireguard) not found")
	}
	if len(wg.ListenAddrs) != 2 || wg.ListenAddrs[1].Host != "::" || wg.ListenAddrs[1].Port != 51820 {
		t.Fatalf("ListenAddrs = %+v", wg.ListenAddrs)
	}
	if wg.WireGuardConf == "" {
		t.Fatal("WireGuardConf empty")
	}
}

func TestDecodeTLSFailed(t *testing.T) {
	t.Parallel()

	ev, err := decodeEvent(rawEvent(`{"status":"tlsFailed","context":{"clientAddress":["10.0.0.1",41234],"serverAddress":["example.com",443],"error":"certificate unknown"}}`))
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if ev.Context == nil || ev.Context.ServerAddress == nil || ev.Context.ServerAddress.Host != "example.com" {
		t.Fatalf("Context = %+v, want server example.com", ev.Context)
	}
	if ev.Context.Error != "certificate unknown" {
		t.Fatalf("Error = %q", ev.Context.Error)
	}
	if ev.Received.IsZero() {
		t.Fatal("Received not kept")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Context.ClientAddress.Port != 41234 {
		t.Fatalf("client port = %d after round trip", back.Context.ClientAddress.Port)
	}
}

func TestDecodeRejectsEventsWithoutStatus(t *testing.T) {
	t.Parallel()

	if _, err := decodeEvent(rawEvent(`{"context":{}}`)); err == nil {
		t.Fatal("decodeEvent() error = nil")
	}
}
