package emulator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// NamePrefix starts the name of every library-managed device.
const NamePrefix = "tapwire_"

// Fingerprint hashes the creation config. Capabilities are deduplicated and
// sorted first so semantically equal configs hash identically.
func Fingerprint(cfg CreateConfig) (string, error) {
	canonical := cfg
	canonical.Device = strings.TrimSpace(cfg.Device)
	canonical.SystemImage = strings.TrimSpace(cfg.SystemImage)
	canonical.Capabilities = canonicalCapabilities(cfg.Capabilities)
	if canonical.HoneyData != nil && *canonical.HoneyData == (HoneyData{}) {
		canonical.HoneyData = nil
	}

	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("encode creation config: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16], nil
}

// ManagedName returns the device name for cfg.
func ManagedName(cfg CreateConfig) (string, error) {
	fp, err := Fingerprint(cfg)
	if err != nil {
		return "", err
	}
	return NamePrefix + fp, nil
}

func canonicalCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
