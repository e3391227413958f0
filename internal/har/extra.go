package har

import (
	"bytes"
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// Extension members (mitmproxy's _resourceType and _webSocketMessages, the
// browser timing fields and so on) are kept in Extra and written back after
// the known members.

var (
	logKeys      = jsonKeys(reflect.TypeFor[Log]())
	entryKeys    = jsonKeys(reflect.TypeFor[Entry]())
	requestKeys  = jsonKeys(reflect.TypeFor[Request]())
	responseKeys = jsonKeys(reflect.TypeFor[Response]())
)

func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}

// unknownMembers returns the members of the object data that are not in known.
func unknownMembers(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for key, value := range members {
		if known[key] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = value
	}
	return extra, nil
}

// appendMembers adds extra to the compact encoded object, sorted by key. Keys
// that collide with known members are dropped.
func appendMembers(object []byte, extra map[string]json.RawMessage, known map[string]bool) ([]byte, error) {
	if len(extra) == 0 {
		return object, nil
	}
	var b bytes.Buffer
	b.Write(object[:len(object)-1])
	empty := len(object) == 2
	for _, key := range slices.Sorted(maps.Keys(extra)) {
		if known[key] {
			continue
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		value := extra[key]
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		if !empty {
			b.WriteByte(',')
		}
		empty = false
		b.Write(name)
		b.WriteByte(':')
		b.Write(value)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (l *Log) UnmarshalJSON(data []byte) error {
	type plain Log
	if err := json.Unmarshal(data, (*plain)(l)); err != nil {
		return err
	}
	extra, err := unknownMembers(data, logKeys)
	l.Extra = extra
	return err
}

func (l Log) MarshalJSON() ([]byte, error) {
	type plain Log
	object, err := json.Marshal(plain(l))
	if err != nil {
		return nil, err
	}
	return appendMembers(object, l.Extra, logKeys)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	if err := json.Unmarshal(data, (*plain)(e)); err != nil {
		return err
	}
	extra, err := unknownMembers(data, entryKeys)
	e.Extra = extra
	return err
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	object, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	return appendMembers(object, e.Extra, entryKeys)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	extra, err := unknownMembers(data, requestKeys)
	r.Extra = extra
	return err
}

func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	object, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	return appendMembers(object, r.Extra, requestKeys)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type plain Response
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	extra, err := unknownMembers(data, responseKeys)
	r.Extra = extra
	return err
}

func (r Response) MarshalJSON() ([]byte, error) {
	type plain Response
	object, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	return appendMembers(object, r.Extra, responseKeys)
}
