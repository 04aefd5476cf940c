package catalog

// Loader identifies a mod loader.
type Loader string

const (
	LoaderForge    Loader = "forge"
	LoaderFabric   Loader = "fabric"
	LoaderQuilt    Loader = "quilt"
	LoaderNeoForge Loader = "neoforge"
)

// Descriptor is the remote record describing one modpack: its current
// version, loader, archive location and launch policy flags.
type Descriptor struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Version          string `json:"version"`
	GameVersion      string `json:"gameVersion"`
	Modloader        Loader `json:"modloader"`
	ModloaderVersion string `json:"modloaderVersion"`

	// ArchiveURL is empty for server-connect-only packs that ship no
	// client archive.
	ArchiveURL    string `json:"archiveUrl,omitempty"`
	ArchiveSHA256 string `json:"archiveSha256,omitempty"`

	AllowCustomMods          bool `json:"allowCustomMods"`
	AllowCustomResourcepacks bool `json:"allowCustomResourcepacks"`

	// Local marks a descriptor reconstructed from installed instance
	// metadata for packs no longer present in the remote catalog.
	Local bool `json:"-"`
}

// Installable reports whether the descriptor carries an archive to install.
func (d *Descriptor) Installable() bool {
	return d.ArchiveURL != ""
}

// Complete reports whether the descriptor has every field an install needs.
// A pack with an archive must name its loader version, otherwise downstream
// file paths cannot be derived.
func (d *Descriptor) Complete() bool {
	if !d.Installable() {
		return true
	}
	return d.ModloaderVersion != ""
}

// catalogDocument is the wire shape of the remote catalog.
type catalogDocument struct {
	Version     int          `json:"version"`
	LastUpdated string       `json:"lastUpdated"`
	Packs       []Descriptor `json:"packs"`
}
