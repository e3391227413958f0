package proxy

import (
	"net"
	"strings"

	"github.com/cochaviz/tapwire/internal/errdefs"
	"github.com/cochaviz/tapwire/internal/har"
)

// ScopeMode selects which apps a collection intercepts.
type ScopeMode string

const (
	ScopeAllApps   ScopeMode = "all-apps"
	ScopeAllowList ScopeMode = "allowlist"
	ScopeDenyList  ScopeMode = "denylist"
)

// Scope limits a traffic collection to a set of apps. The zero value
// intercepts every app.
type Scope struct {
	Mode ScopeMode
	Apps []string
}

func AllApps() Scope { return Scope{Mode: ScopeAllApps} }

func AllowList(apps ...string) Scope { return Scope{Mode: ScopeAllowList, Apps: apps} }

func DenyList(apps ...string) Scope { return Scope{Mode: ScopeDenyList, Apps: apps} }

func (s Scope) mode() ScopeMode {
	if s.Mode == "" {
		return ScopeAllApps
	}
	return s.Mode
}

// Validate rejects list scopes without apps.
func (s Scope) Validate() error {
	switch s.mode() {
	case ScopeAllApps:
		return nil
	case ScopeAllowList, ScopeDenyList:
		if len(s.Apps) == 0 {
			return errdefs.Usage("start traffic collection", "%s scope needs at least one app", s.Mode)
		}
		return nil
	default:
		return errdefs.Usage("start traffic collection", "unknown scope %q", s.Mode)
	}
}

// Describe returns the scope as recorded in capture metadata.
func (s Scope) Describe() har.Scope {
	out := har.Scope{Mode: string(s.mode())}
	if s.mode() != ScopeAllApps {
		out.Apps = append([]string(nil), s.Apps...)
	}
	return out
}

// RewriteTunnelConfig adapts a WireGuard client configuration. An allow-list
// scope sets IncludedApplications and a deny-list scope sets
// ExcludedApplications in the [Interface] section. When endpointHost is set
// the host of the peer endpoint is replaced and its port kept.
func RewriteTunnelConfig(conf string, scope Scope, endpointHost string) string {
	var key string
	switch scope.mode() {
	case ScopeAllowList:
		key = "IncludedApplications"
	case ScopeDenyList:
		key = "ExcludedApplications"
	}
	if key == "" && endpointHost == "" {
		return conf
	}

	lines := strings.Split(strings.ReplaceAll(conf, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines)+1)
	section := ""
	inserted := key == ""
	insert := func() {
		if !inserted {
			out = append(out, key+" = "+strings.Join(scope.Apps, ", "))
			inserted = true
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			if section == "interface" {
				out = trimTrailingBlank(out)
				insert()
				out = append(out, "")
			}
			section = strings.ToLower(strings.Trim(trimmed, "[]"))
			out = append(out, line)
			continue
		}

		name, value, isPair := strings.Cut(trimmed, "=")
		name = strings.TrimSpace(name)
		switch {
		case isPair && section == "interface" && strings.EqualFold(name, key):
			continue
		case isPair && section == "peer" && endpointHost != "" && strings.EqualFold(name, "Endpoint"):
			if _, port, err := net.SplitHostPort(strings.TrimSpace(value)); err == nil {
				line = "Endpoint = " + net.JoinHostPort(endpointHost, port)
			}
		}
		out = append(out, line)
	}
	if section == "interface" {
		out = trimTrailingBlank(out)
		insert()
		out = append(out, "")
	}
	return strings.Join(out, "\n")
}

func trimTrailingBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
