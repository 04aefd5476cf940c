package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/packsmith/packctl/internal/safety"
)

// ExtractedFile records one file written into the instance directory.
type ExtractedFile struct {
	// Path is relative to the instance directory, slash-separated.
	Path   string
	Size   int64
	SHA256 string
}

// Extract writes the archive's override tree into destDir, replacing any
// files already present, and returns the extracted files with their digests.
// Every entry path is validated before a byte is written.
func Extract(ctx context.Context, archivePath, destDir string) ([]ExtractedFile, error) {
	format, m, err := ParseManifest(archivePath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create instance directory: %w", err)
	}

	switch format {
	case FormatCurse, FormatModrinth:
		return extractZipOverrides(ctx, archivePath, destDir, m.OverridesDir)
	case FormatTarZst, FormatTarXz:
		return extractTarOverrides(ctx, archivePath, destDir, m.OverridesDir, format)
	default:
		return nil, &UnsupportedFormatError{Path: archivePath, Reason: "no extractor for format"}
	}
}

func extractZipOverrides(ctx context.Context, archivePath, destDir, overridesDir string) ([]ExtractedFile, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	prefix := overridesDir + "/"
	var out []ExtractedFile
	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rel, ok := strings.CutPrefix(entry.Name, prefix)
		if !ok || rel == "" {
			continue
		}
		if entry.FileInfo().IsDir() {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return out, fmt.Errorf("open entry %s: %w", entry.Name, err)
		}
		ef, err := writeEntry(destDir, rel, rc)
		rc.Close()
		if err != nil {
			return out, fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		out = append(out, ef)
	}
	return out, nil
}

func extractTarOverrides(ctx context.Context, archivePath, destDir, overridesDir string, format Format) ([]ExtractedFile, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	tr, closer, err := newTarReader(f, format)
	if err != nil {
		return nil, err
	}
	defer closer()

	prefix := overridesDir + "/"
	var out []ExtractedFile
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read tar: %w", err)
		}
		rel, ok := strings.CutPrefix(hdr.Name, prefix)
		if !ok || rel == "" || hdr.FileInfo().IsDir() {
			continue
		}

		ef, err := writeEntry(destDir, rel, tr)
		if err != nil {
			return out, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		out = append(out, ef)
	}
}

// writeEntry streams one archive entry to its validated destination while
// hashing it. An existing file at the destination is replaced.
func writeEntry(destDir, rel string, r io.Reader) (ExtractedFile, error) {
	target, err := safety.SafeJoinUnder(destDir, rel)
	if err != nil {
		return ExtractedFile{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ExtractedFile{}, fmt.Errorf("create parent directory: %w", err)
	}

	dst, err := os.Create(target)
	if err != nil {
		return ExtractedFile{}, fmt.Errorf("create file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hasher), r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return ExtractedFile{}, fmt.Errorf("write file: %w", err)
	}

	cleanRel, err := safety.CleanRelativePath(rel)
	if err != nil {
		return ExtractedFile{}, err
	}
	return ExtractedFile{
		Path:   filepath.ToSlash(cleanRel),
		Size:   size,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
