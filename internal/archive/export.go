package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// WritePack archives an instance directory as a tar-based pack at outPath.
// The manifest is written first as pack.manifest.json, then the directory
// tree under the manifest's overrides directory name. Format must be
// FormatTarZst or FormatTarXz.
func WritePack(ctx context.Context, instanceDir string, m *Manifest, outPath string, format Format) (err error) {
	if format != FormatTarZst && format != FormatTarXz {
		return fmt.Errorf("format %s is not tar-based", format)
	}
	overrides := m.OverridesDir
	if overrides == "" {
		overrides = defaultOverridesDir
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create pack file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	var compressed io.WriteCloser
	switch format {
	case FormatTarZst:
		compressed, err = zstd.NewWriter(out)
		if err != nil {
			return fmt.Errorf("open zstd stream: %w", err)
		}
	case FormatTarXz:
		compressed, err = xz.NewWriter(out)
		if err != nil {
			return fmt.Errorf("open xz stream: %w", err)
		}
	}
	tw := tar.NewWriter(compressed)

	if err := writePackManifest(tw, m, overrides); err != nil {
		return err
	}
	if err := writePackTree(ctx, tw, instanceDir, overrides); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return fmt.Errorf("finalize compression: %w", err)
	}
	return nil
}

func writePackManifest(tw *tar.Writer, m *Manifest, overrides string) error {
	pm := packManifest{
		SchemaVersion:    1,
		Name:             m.Name,
		Version:          m.Version,
		GameVersion:      m.GameVersion,
		Modloader:        m.Modloader,
		ModloaderVersion: m.ModloaderVersion,
		Files:            m.Mods,
		Overrides:        overrides,
	}
	raw, err := json.MarshalIndent(pm, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	hdr := &tar.Header{
		Name: packManifestName,
		Mode: 0o644,
		Size: int64(len(raw)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(raw); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func writePackTree(ctx context.Context, tw *tar.Writer, instanceDir, overrides string) error {
	return filepath.WalkDir(instanceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(instanceDir, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		hdr := &tar.Header{
			Name:    overrides + "/" + filepath.ToSlash(rel),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %s: %w", rel, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		return nil
	})
}
