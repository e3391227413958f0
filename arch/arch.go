package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is a CPU architecture as reported by Android ABIs and iOS
// device/app metadata, normalized to a single vocabulary.
type Architecture string

const (
	ARM64  Architecture = "arm64"
	ARMV7  Architecture = "armv7"
	ARMV5  Architecture = "armv5"
	X86_64 Architecture = "x86_64"
	X86    Architecture = "x86"
	MIPS   Architecture = "mips"
	MIPS64 Architecture = "mips64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		ARM64,
		ARMV7,
		ARMV5,
		X86_64,
		X86,
		MIPS,
		MIPS64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case ARM64, ARMV7, ARMV5, X86_64, X86, MIPS, MIPS64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps an Android ABI name, an iOS CPU architecture or a generic
// architecture string into a canonical Architecture. Returns "" when the
// string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "arm64-v8a", "arm64", "aarch64", "arm64e":
		return ARM64
	case "armeabi-v7a", "armv7", "armv7l", "armv7s", "armhf":
		return ARMV7
	case "armeabi", "armv5", "armv5te":
		return ARMV5
	case "x86_64", "x86-64", "amd64":
		return X86_64
	case "x86", "i386", "i686", "386":
		return X86
	case "mips":
		return MIPS
	case "mips64":
		return MIPS64
	default:
		return ""
	}
}

// NormalizeList normalizes every entry of values, dropping unknown and
// duplicate entries while keeping the first-seen order.
func NormalizeList(values []string) []Architecture {
	seen := make(map[Architecture]struct{}, len(values))
	out := make([]Architecture, 0, len(values))
	for _, value := range values {
		a := Normalize(value)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
