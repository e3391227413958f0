package proxy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/cochaviz/tapwire/internal/process"
)

// EventPrefix tags the event lines the events addon prints on stdout.
const EventPrefix = "tapwire:"

// Status is the kind of a proxy event.
type Status string

const (
	StatusRunning            Status = "running"
	StatusDone               Status = "done"
	StatusClientConnected    Status = "clientConnected"
	StatusClientDisconnected Status = "clientDisconnected"
	StatusTLSEstablished     Status = "tlsEstablished"
	StatusTLSFailed          Status = "tlsFailed"
	StatusProxyChanged       Status = "proxyChanged"
)

// Event is one structured message from the proxy. The set of fields is
// diagnostic and not a stable contract.
type Event struct {
	Status   Status        `json:"status"`
	Context  *EventContext `json:"context,omitempty"`
	Servers  []Listener    `json:"servers,omitempty"`
	Received time.Time     `json:"received"`
}

type EventContext struct {
	Address       *Addr  `json:"address,omitempty" mapstructure:"address"`
	ClientAddress *Addr  `json:"clientAddress,omitempty" mapstructure:"clientAddress"`
	ServerAddress *Addr  `json:"serverAddress,omitempty" mapstructure:"serverAddress"`
	Error         string `json:"error,omitempty" mapstructure:"error"`
}

// Listener describes one proxy server instance.
type Listener struct {
	Type          string `json:"type" mapstructure:"type"`
	Description   string `json:"description" mapstructure:"description"`
	FullSpec      string `json:"full_spec" mapstructure:"full_spec"`
	IsRunning     bool   `json:"is_running" mapstructure:"is_running"`
	LastException string `json:"last_exception,omitempty" mapstructure:"last_exception"`
	ListenAddrs   []Addr `json:"listen_addrs" mapstructure:"listen_addrs"`
	WireGuardConf string `json:"wireguard_conf,omitempty" mapstructure:"wireguard_conf"`
}

// Addr is a host and port pair, encoded as [host, port] on the wire.
type Addr struct {
	Host string
	Port int
}

func (a Addr) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Host, a.Port})
}

func (a *Addr) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	addr, err := addrFromSlice(raw)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// IPv6 peer names carry flow info and scope id after the port.
func addrFromSlice(raw []any) (Addr, error) {
	if len(raw) < 2 {
		return Addr{}, fmt.Errorf("address %v: want [host, port]", raw)
	}
	host, ok := raw[0].(string)
	if !ok {
		return Addr{}, fmt.Errorf("address host %v is not a string", raw[0])
	}
	port, ok := raw[1].(float64)
	if !ok {
		return Addr{}, fmt.Errorf("address port %v is not a number", raw[1])
	}
	return Addr{Host: host, Port: int(port)}, nil
}

var addrType = reflect.TypeOf(Addr{})

func addrHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != addrType {
		return data, nil
	}
	raw, ok := data.([]any)
	if !ok {
		return data, nil
	}
	return addrFromSlice(raw)
}

// decodeEvent turns a raw addon line into an Event. The addon serialises
// server instances loosely, so they are decoded through mapstructure.
func decodeEvent(ev process.Event) (Event, error) {
	var raw map[string]any
	if err := ev.Decode(&raw); err != nil {
		return Event{}, fmt.Errorf("decode proxy event: %w", err)
	}

	out := Event{Received: ev.Received}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       addrHook,
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return Event{}, err
	}
	if err := decoder.Decode(map[string]any{
		"Status":  raw["status"],
		"Context": raw["context"],
		"Servers": raw["servers"],
	}); err != nil {
		return Event{}, fmt.Errorf("decode proxy event %s: %w", raw["status"], err)
	}
	if out.Status == "" {
		return Event{}, fmt.Errorf("proxy event without status: %s", ev.Payload)
	}
	return out, nil
}

// listener returns the first running listener of the given type.
func (e Event) listener(kind string) (Listener, bool) {
	for _, l := range e.Servers {
		if l.Type == kind && l.IsRunning {
			return l, true
		}
	}
	return Listener{}, false
}
