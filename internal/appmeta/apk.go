package appmeta

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cochaviz/tapwire/arch"
	"github.com/cochaviz/tapwire/internal/process"
)

var (
	badgingAttr  = regexp.MustCompile(`(\w+)='([^']*)'`)
	quotedString = regexp.MustCompile(`'([^']*)'`)
)

func (p *Parser) badging(ctx context.Context, path string) (string, error) {
	aapt := p.AAPT
	if aapt == "" {
		aapt = "aapt"
	}
	runner := p.Runner
	if runner == nil {
		runner = process.ExecRunner{}
	}
	out, err := runner.Run(ctx, "", aapt, "dump", "badging", path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPackage, path, err)
	}
	return string(out), nil
}

func (p *Parser) parseAPK(ctx context.Context, path string) (*Metadata, error) {
	out, err := p.badging(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := parseBadging(out)
	if meta.ID == "" {
		return nil, fmt.Errorf("%w: %s declares no package name", ErrInvalidPackage, path)
	}
	return meta, nil
}

func (p *Parser) nativeCode(ctx context.Context, path string) ([]arch.Architecture, error) {
	out, err := p.badging(ctx, path)
	if err != nil {
		return nil, err
	}
	return parseBadging(out).Architectures, nil
}

// parseBadging reads the output of aapt dump badging.
func parseBadging(out string) *Metadata {
	meta := &Metadata{}
	var abis []string
	for _, line := range strings.Split(out, "\n") {
		key, rest, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch key {
		case "package":
			for _, m := range badgingAttr.FindAllStringSubmatch(rest, -1) {
				switch m[1] {
				case "name":
					meta.ID = m[2]
				case "versionCode":
					meta.VersionCode = m[2]
				case "versionName":
					meta.Version = m[2]
				}
			}
		case "application-label":
			if meta.Name == "" {
				meta.Name = strings.Trim(rest, "'")
			}
		case "application":
			if m := badgingAttr.FindStringSubmatch(rest); m != nil && m[1] == "label" && meta.Name == "" {
				meta.Name = m[2]
			}
		case "native-code", "alt-native-code":
			for _, m := range quotedString.FindAllStringSubmatch(rest, -1) {
				abis = append(abis, m[1])
			}
		}
	}
	meta.Architectures = arch.NormalizeList(abis)
	return meta
}
