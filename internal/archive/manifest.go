package archive

import (
	"archive/tar"
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/packsmith/packctl/internal/safety"
)

const (
	curseManifestName   = "manifest.json"
	modrinthIndexName   = "modrinth.index.json"
	packManifestName    = "pack.manifest.json"
	defaultOverridesDir = "overrides"

	// maxManifestBytes bounds the in-memory manifest decode.
	maxManifestBytes = 16 << 20
)

// ModReference identifies a mod file to fetch from the registry by id pair
// rather than by direct URL.
type ModReference struct {
	ProjectID int64 `json:"projectId"`
	FileID    int64 `json:"fileId"`
	Required  bool  `json:"required"`
}

// RemoteFile is a file the archive references by direct URL with a known
// digest, instead of bundling it or referencing it by id.
type RemoteFile struct {
	Path   string
	URL    string
	SHA512 string
	SHA1   string
	Size   int64
}

// Manifest is the common shape every archive schema parses into.
type Manifest struct {
	Name             string
	Version          string
	GameVersion      string
	Modloader        string
	ModloaderVersion string
	Mods             []ModReference
	RemoteFiles      []RemoteFile
	OverridesDir     string
}

// ParseManifest detects the archive format and decodes its manifest.
func ParseManifest(path string) (Format, *Manifest, error) {
	format, err := Detect(path)
	if err != nil {
		return FormatUnknown, nil, err
	}

	var m *Manifest
	switch format {
	case FormatCurse:
		m, err = parseCurse(path)
	case FormatModrinth:
		m, err = parseModrinth(path)
	case FormatTarZst, FormatTarXz:
		m, err = parsePackTar(path, format)
	default:
		return FormatUnknown, nil, &UnsupportedFormatError{Path: path, Reason: "no parser for format"}
	}
	if err != nil {
		return format, nil, err
	}
	return format, m, nil
}

// ---------------------------------------------------------------------------
// curseforge zip schema
// ---------------------------------------------------------------------------

type curseManifest struct {
	Minecraft struct {
		Version    string `json:"version"`
		ModLoaders []struct {
			ID      string `json:"id"`
			Primary bool   `json:"primary"`
		} `json:"modLoaders"`
	} `json:"minecraft"`
	ManifestType    string `json:"manifestType"`
	ManifestVersion int    `json:"manifestVersion"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Files           []struct {
		ProjectID int64 `json:"projectID"`
		FileID    int64 `json:"fileID"`
		Required  bool  `json:"required"`
	} `json:"files"`
	Overrides string `json:"overrides"`
}

func parseCurse(path string) (*Manifest, error) {
	raw, err := readZipEntry(path, curseManifestName)
	if err != nil {
		return nil, err
	}

	var cm curseManifest
	if err := json.Unmarshal(raw, &cm); err != nil {
		return nil, fmt.Errorf("decode %s: %w", curseManifestName, err)
	}
	if cm.ManifestVersion != 1 {
		return nil, &UnsupportedFormatError{
			Path:   path,
			Reason: fmt.Sprintf("manifest version %d is not supported", cm.ManifestVersion),
		}
	}

	m := &Manifest{
		Name:         cm.Name,
		Version:      cm.Version,
		GameVersion:  cm.Minecraft.Version,
		OverridesDir: cm.Overrides,
	}
	if m.OverridesDir == "" {
		m.OverridesDir = defaultOverridesDir
	}

	// Loader ids look like "forge-47.2.0"; the primary loader wins.
	for _, ml := range cm.Minecraft.ModLoaders {
		if !ml.Primary && m.Modloader != "" {
			continue
		}
		name, version, ok := strings.Cut(ml.ID, "-")
		if !ok {
			return nil, &UnsupportedFormatError{
				Path:   path,
				Reason: fmt.Sprintf("malformed modloader id %q", ml.ID),
			}
		}
		m.Modloader = name
		m.ModloaderVersion = version
		if ml.Primary {
			break
		}
	}

	for _, f := range cm.Files {
		m.Mods = append(m.Mods, ModReference{ProjectID: f.ProjectID, FileID: f.FileID, Required: f.Required})
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// modrinth .mrpack schema
// ---------------------------------------------------------------------------

type modrinthIndex struct {
	FormatVersion int               `json:"formatVersion"`
	Game          string            `json:"game"`
	VersionID     string            `json:"versionId"`
	Name          string            `json:"name"`
	Dependencies  map[string]string `json:"dependencies"`
	Files         []struct {
		Path   string            `json:"path"`
		Hashes map[string]string `json:"hashes"`
		Env    map[string]string `json:"env"`
		URLs   []string          `json:"downloads"`
		Size   int64             `json:"fileSize"`
	} `json:"files"`
}

// modrinthLoaderKeys maps dependency keys to loader names.
var modrinthLoaderKeys = map[string]string{
	"forge":         "forge",
	"neoforge":      "neoforge",
	"fabric-loader": "fabric",
	"quilt-loader":  "quilt",
}

func parseModrinth(path string) (*Manifest, error) {
	raw, err := readZipEntry(path, modrinthIndexName)
	if err != nil {
		return nil, err
	}

	var idx modrinthIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("decode %s: %w", modrinthIndexName, err)
	}
	if idx.FormatVersion != 1 {
		return nil, &UnsupportedFormatError{
			Path:   path,
			Reason: fmt.Sprintf("index format version %d is not supported", idx.FormatVersion),
		}
	}
	if idx.Game != "minecraft" {
		return nil, &UnsupportedFormatError{
			Path:   path,
			Reason: fmt.Sprintf("game %q is not supported", idx.Game),
		}
	}

	m := &Manifest{
		Name:         idx.Name,
		Version:      idx.VersionID,
		GameVersion:  idx.Dependencies["minecraft"],
		OverridesDir: defaultOverridesDir,
	}
	for key, loader := range modrinthLoaderKeys {
		if v, ok := idx.Dependencies[key]; ok {
			m.Modloader = loader
			m.ModloaderVersion = v
			break
		}
	}

	for _, f := range idx.Files {
		if f.Env["client"] == "unsupported" {
			continue
		}
		if len(f.URLs) == 0 {
			return nil, fmt.Errorf("index entry %q has no download URL", f.Path)
		}
		rel, err := safety.CleanRelativePath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("index entry path: %w", err)
		}
		m.RemoteFiles = append(m.RemoteFiles, RemoteFile{
			Path:   rel,
			URL:    f.URLs[0],
			SHA512: f.Hashes["sha512"],
			SHA1:   f.Hashes["sha1"],
			Size:   f.Size,
		})
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// tar-based pack schema (.pack.zst / .pack.xz)
// ---------------------------------------------------------------------------

type packManifest struct {
	SchemaVersion    int            `json:"schemaVersion"`
	Name             string         `json:"name"`
	Version          string         `json:"version"`
	GameVersion      string         `json:"gameVersion"`
	Modloader        string         `json:"modloader"`
	ModloaderVersion string         `json:"modloaderVersion"`
	Files            []ModReference `json:"files"`
	Overrides        string         `json:"overrides"`
}

func parsePackTar(path string, format Format) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	tr, closer, err := newTarReader(f, format)
	if err != nil {
		return nil, err
	}
	defer closer()

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, &UnsupportedFormatError{Path: path, Reason: packManifestName + " not found"}
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Name != packManifestName {
			continue
		}

		raw, err := safety.ReadAllWithLimit(tr, maxManifestBytes)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", packManifestName, err)
		}
		var pm packManifest
		if err := json.Unmarshal(raw, &pm); err != nil {
			return nil, fmt.Errorf("decode %s: %w", packManifestName, err)
		}
		if pm.SchemaVersion != 1 {
			return nil, &UnsupportedFormatError{
				Path:   path,
				Reason: fmt.Sprintf("schema version %d is not supported", pm.SchemaVersion),
			}
		}

		m := &Manifest{
			Name:             pm.Name,
			Version:          pm.Version,
			GameVersion:      pm.GameVersion,
			Modloader:        pm.Modloader,
			ModloaderVersion: pm.ModloaderVersion,
			Mods:             pm.Files,
			OverridesDir:     pm.Overrides,
		}
		if m.OverridesDir == "" {
			m.OverridesDir = defaultOverridesDir
		}
		return m, nil
	}
}

// newTarReader wraps r in the decompressor matching format. The returned
// closer releases decoder resources.
func newTarReader(r io.Reader, format Format) (*tar.Reader, func(), error) {
	switch format {
	case FormatTarZst:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return tar.NewReader(dec), dec.Close, nil
	case FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open xz stream: %w", err)
		}
		return tar.NewReader(xr), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("format %s is not tar-based", format)
	}
}

// readZipEntry returns the decompressed contents of one named zip entry.
func readZipEntry(path, name string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if entry.Name != name {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		return safety.ReadAllWithLimit(rc, maxManifestBytes)
	}
	return nil, &UnsupportedFormatError{Path: path, Reason: name + " not found"}
}
