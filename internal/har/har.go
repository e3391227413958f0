// Package har models captured traffic as a HAR 1.2 document extended with the
// tapwire analysis metadata block under log._tapwire.
package har

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FormatVersion identifies the layout of Metadata. Increment it on every
// breaking change to the metadata block.
const FormatVersion = 1

// Document is the top level HAR object.
type Document struct {
	Log Log `json:"log"`
}

type Log struct {
	Version string    `json:"version"`
	Creator Creator   `json:"creator"`
	Browser *Creator  `json:"browser,omitempty"`
	Pages   []Page    `json:"pages,omitempty"`
	Entries []Entry   `json:"entries"`
	Comment string    `json:"comment,omitempty"`
	Tapwire *Metadata `json:"_tapwire,omitempty"`
	// Extra holds extension members without a field.
	Extra map[string]json.RawMessage `json:"-"`
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

type Page struct {
	StartedDateTime time.Time       `json:"startedDateTime"`
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	PageTimings     json.RawMessage `json:"pageTimings,omitempty"`
}

type Entry struct {
	Pageref         string                     `json:"pageref,omitempty"`
	StartedDateTime time.Time                  `json:"startedDateTime"`
	Time            float64                    `json:"time"`
	Request         Request                    `json:"request"`
	Response        Response                   `json:"response"`
	Cache           json.RawMessage            `json:"cache,omitempty"`
	Timings         Timings                    `json:"timings"`
	ServerIPAddress string                     `json:"serverIPAddress,omitempty"`
	Connection      string                     `json:"connection,omitempty"`
	Comment         string                     `json:"comment,omitempty"`
	Extra           map[string]json.RawMessage `json:"-"`
}

type Request struct {
	Method      string                     `json:"method"`
	URL         string                     `json:"url"`
	HTTPVersion string                     `json:"httpVersion"`
	Cookies     []Cookie                   `json:"cookies"`
	Headers     []NameVal                  `json:"headers"`
	QueryString []NameVal                  `json:"queryString"`
	PostData    *PostData                  `json:"postData,omitempty"`
	HeadersSize int64                      `json:"headersSize"`
	BodySize    int64                      `json:"bodySize"`
	Comment     string                     `json:"comment,omitempty"`
	Extra       map[string]json.RawMessage `json:"-"`
}

type Response struct {
	Status      int                        `json:"status"`
	StatusText  string                     `json:"statusText"`
	HTTPVersion string                     `json:"httpVersion"`
	Cookies     []Cookie                   `json:"cookies"`
	Headers     []NameVal                  `json:"headers"`
	Content     Content                    `json:"content"`
	RedirectURL string                     `json:"redirectURL"`
	HeadersSize int64                      `json:"headersSize"`
	BodySize    int64                      `json:"bodySize"`
	Comment     string                     `json:"comment,omitempty"`
	Extra       map[string]json.RawMessage `json:"-"`
}

type NameVal struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Comment string `json:"comment,omitempty"`
}

type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  string `json:"expires,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

type PostData struct {
	MimeType string    `json:"mimeType"`
	Params   []NameVal `json:"params,omitempty"`
	Text     string    `json:"text"`
}

type Content struct {
	Size        int64  `json:"size"`
	Compression int64  `json:"compression,omitempty"`
	MimeType    string `json:"mimeType"`
	Text        string `json:"text,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

type Timings struct {
	Blocked float64 `json:"blocked,omitempty"`
	DNS     float64 `json:"dns,omitempty"`
	Connect float64 `json:"connect,omitempty"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl,omitempty"`
}

// Metadata is the analysis block attached to every captured document.
type Metadata struct {
	FormatVersion int               `json:"formatVersion"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime"`
	Scope         Scope             `json:"scope"`
	Device        Device            `json:"device"`
	Versions      map[string]string `json:"versions"`
	App           *App              `json:"app,omitempty"`
}

// Scope records which apps the collection was limited to.
type Scope struct {
	Mode string   `json:"mode"`
	Apps []string `json:"apps,omitempty"`
}

type Device struct {
	Platform      string   `json:"platform"`
	RunTarget     string   `json:"runTarget"`
	OSVersion     string   `json:"osVersion,omitempty"`
	OSBuild       string   `json:"osBuild,omitempty"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Architectures []string `json:"architectures,omitempty"`
}

type App struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Version       string   `json:"version,omitempty"`
	VersionCode   string   `json:"versionCode,omitempty"`
	Architectures []string `json:"architectures,omitempty"`
	ContentHash   string   `json:"contentHash,omitempty"`
}

// Decode parses a HAR document. Data that is valid JSON but has no log
// object is rejected.
func Decode(data []byte) (*Document, error) {
	var raw struct {
		Log *Log `json:"log"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode har: %w", err)
	}
	if raw.Log == nil {
		return nil, errors.New("decode har: missing log object")
	}
	if raw.Log.Entries == nil {
		raw.Log.Entries = []Entry{}
	}
	return &Document{Log: *raw.Log}, nil
}

// Annotate attaches meta, stamping the current format version.
func (d *Document) Annotate(meta Metadata) {
	meta.FormatVersion = FormatVersion
	if meta.Versions == nil {
		meta.Versions = map[string]string{}
	}
	d.Log.Tapwire = &meta
}

// Hosts returns the distinct request hosts in order of first appearance.
func (d *Document) Hosts() []string {
	seen := map[string]bool{}
	var hosts []string
	for _, entry := range d.Log.Entries {
		host := hostOf(entry.Request.URL)
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		hosts = append(hosts, host)
	}
	return hosts
}
