// Package archive parses modpack archives and extracts their override trees
// into an instance directory. Each supported packaging schema has its own
// parser yielding the common Manifest shape; anything else is a typed
// UnsupportedFormatError, never a best-effort guess.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
)

// Format identifies a supported archive packaging schema.
type Format int

const (
	FormatUnknown Format = iota
	// FormatCurse is a zip carrying a curseforge-style manifest.json.
	FormatCurse
	// FormatModrinth is a .mrpack zip carrying modrinth.index.json.
	FormatModrinth
	// FormatTarZst is a zstd-compressed tar carrying pack.manifest.json.
	FormatTarZst
	// FormatTarXz is an xz-compressed tar carrying pack.manifest.json.
	FormatTarXz
)

// String returns the format name for logs and error messages.
func (f Format) String() string {
	switch f {
	case FormatCurse:
		return "curse"
	case FormatModrinth:
		return "modrinth"
	case FormatTarZst:
		return "tar+zstd"
	case FormatTarXz:
		return "tar+xz"
	default:
		return "unknown"
	}
}

// UnsupportedFormatError reports an archive whose packaging schema is not
// recognized or whose manifest version is outside the supported range.
type UnsupportedFormatError struct {
	Path   string
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported archive format for %s: %s", e.Path, e.Reason)
}

var (
	magicZip  = []byte{0x50, 0x4b, 0x03, 0x04}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

// Detect sniffs the archive's magic bytes and, for zips, its manifest entry
// to determine the packaging format.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	magic := make([]byte, 6)
	if _, err := io.ReadFull(f, magic); err != nil {
		return FormatUnknown, &UnsupportedFormatError{Path: path, Reason: "file too short to identify"}
	}

	switch {
	case bytes.Equal(magic[:4], magicZip):
		return detectZip(path)
	case bytes.Equal(magic[:4], magicZstd):
		return FormatTarZst, nil
	case bytes.Equal(magic, magicXz):
		return FormatTarXz, nil
	default:
		return FormatUnknown, &UnsupportedFormatError{Path: path, Reason: "unrecognized magic bytes"}
	}
}

// detectZip distinguishes the two zip-based schemas by their manifest entry.
func detectZip(path string) (Format, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		switch entry.Name {
		case modrinthIndexName:
			return FormatModrinth, nil
		case curseManifestName:
			return FormatCurse, nil
		}
	}
	return FormatUnknown, &UnsupportedFormatError{Path: path, Reason: "zip contains no known manifest entry"}
}
