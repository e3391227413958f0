// Package appmeta extracts app identity and build metadata from Android APKs
// and iOS IPAs.
package appmeta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/tapwire/arch"
	"github.com/cochaviz/tapwire/internal/process"
)

// ErrInvalidPackage is returned for files that are not a valid app package.
var ErrInvalidPackage = errors.New("invalid app package")

// Metadata identifies an app.
type Metadata struct {
	ID            string
	Name          string
	Version       string
	VersionCode   string
	Architectures []arch.Architecture
	// ContentHash is the SHA-256 over all package files in the given order.
	ContentHash string
}

// Parser reads app packages.
type Parser struct {
	// AAPT is the aapt or aapt2 binary used for APKs.
	AAPT   string
	Runner process.Runner
}

// Parse reads the metadata of the package made of paths. The first path is
// the base package; further paths are split APKs.
func (p *Parser) Parse(ctx context.Context, paths ...string) (*Metadata, error) {
	if len(paths) == 0 {
		return nil, errors.New("no package files given")
	}
	var (
		meta *Metadata
		err  error
	)
	switch strings.ToLower(filepath.Ext(paths[0])) {
	case ".apk":
		meta, err = p.parseAPK(ctx, paths[0])
	case ".ipa":
		if len(paths) > 1 {
			return nil, fmt.Errorf("%w: IPAs cannot be split", ErrInvalidPackage)
		}
		meta, err = parseIPA(paths[0])
	default:
		return nil, fmt.Errorf("%w: unknown package type %s", ErrInvalidPackage, filepath.Base(paths[0]))
	}
	if err != nil {
		return nil, err
	}

	for _, split := range paths[1:] {
		abis, err := p.nativeCode(ctx, split)
		if err != nil {
			return nil, err
		}
		meta.Architectures = mergeArchitectures(meta.Architectures, abis)
	}

	hash, err := contentHash(paths)
	if err != nil {
		return nil, err
	}
	meta.ContentHash = hash
	return meta, nil
}

func contentHash(paths []string) (string, error) {
	h := sha256.New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mergeArchitectures(into []arch.Architecture, more []arch.Architecture) []arch.Architecture {
	values := make([]string, 0, len(into)+len(more))
	for _, a := range append(append([]arch.Architecture(nil), into...), more...) {
		values = append(values, a.String())
	}
	return arch.NormalizeList(values)
}
