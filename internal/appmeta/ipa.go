package appmeta

import (
	"archive/zip"
	"bytes"
	"debug/macho"
	"fmt"
	"io"
	"path"
	"strings"

	"howett.net/plist"

	"github.com/cochaviz/tapwire/arch"
)

type infoPlist struct {
	BundleID          string   `plist:"CFBundleIdentifier"`
	DisplayName       string   `plist:"CFBundleDisplayName"`
	Name              string   `plist:"CFBundleName"`
	ShortVersion      string   `plist:"CFBundleShortVersionString"`
	BundleVersion     string   `plist:"CFBundleVersion"`
	Executable        string   `plist:"CFBundleExecutable"`
	SupportedPlatform []string `plist:"CFBundleSupportedPlatforms"`
}

func parseIPA(file string) (*Metadata, error) {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPackage, file, err)
	}
	defer zr.Close()

	var appDir string
	var info infoPlist
	for _, f := range zr.File {
		// Payload/<Name>.app/Info.plist, ignoring nested bundles.
		parts := strings.Split(f.Name, "/")
		if len(parts) != 3 || parts[0] != "Payload" || !strings.HasSuffix(parts[1], ".app") || parts[2] != "Info.plist" {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		if _, err := plist.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("%w: decode Info.plist: %v", ErrInvalidPackage, err)
		}
		appDir = path.Join(parts[0], parts[1])
		break
	}
	if appDir == "" || info.BundleID == "" {
		return nil, fmt.Errorf("%w: %s has no app bundle Info.plist", ErrInvalidPackage, file)
	}

	meta := &Metadata{
		ID:          info.BundleID,
		Name:        info.DisplayName,
		Version:     info.ShortVersion,
		VersionCode: info.BundleVersion,
	}
	if meta.Name == "" {
		meta.Name = info.Name
	}
	if info.Executable != "" {
		for _, f := range zr.File {
			if f.Name != path.Join(appDir, info.Executable) {
				continue
			}
			data, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			meta.Architectures = machoArchitectures(data)
			break
		}
	}
	return meta, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

// machoArchitectures lists the slices of a thin or universal binary. App
// Store binaries are encrypted but their headers are not.
func machoArchitectures(data []byte) []arch.Architecture {
	var cpus []macho.Cpu
	if fat, err := macho.NewFatFile(bytes.NewReader(data)); err == nil {
		for _, a := range fat.Arches {
			cpus = append(cpus, a.Cpu)
		}
		fat.Close()
	} else if thin, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		cpus = append(cpus, thin.Cpu)
		thin.Close()
	}

	var names []string
	for _, cpu := range cpus {
		switch cpu {
		case macho.CpuArm64:
			names = append(names, "arm64")
		case macho.CpuArm:
			names = append(names, "armv7")
		case macho.CpuAmd64:
			names = append(names, "x86_64")
		case macho.Cpu386:
			names = append(names, "x86")
		}
	}
	return arch.NormalizeList(names)
}
