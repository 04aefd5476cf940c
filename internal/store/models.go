package store

import "time"

// Instance is the persisted metadata for one installed modpack instance.
// Written only by a successful install/update/repair. The policy flags are
// the catalog's values at install time and back pre-launch verification
// whenever the catalog cannot be reached.
type Instance struct {
	ID                       string
	Version                  string
	GameVersion              string
	Modloader                string
	ModloaderVersion         string
	ArchiveSHA256            string
	AllowCustomMods          bool
	AllowCustomResourcepacks bool
	InstalledAt              time.Time
}

// InstanceFile records one installed file belonging to an instance.
// Source distinguishes override-tree files from resolved mod downloads.
type InstanceFile struct {
	ID         int64
	InstanceID string
	Path       string // relative to the instance directory
	Size       int64
	SHA256     string
	Source     string // "archive" or "mod"
}

// File sources for InstanceFile.Source.
const (
	SourceArchive = "archive"
	SourceMod     = "mod"
)

// FailedMod is a dead-letter record for a mod file that failed all retries.
type FailedMod struct {
	ID           int64
	InstanceID   string
	ProjectID    string
	FileID       string
	FileName     string
	URL          string
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}

// OperationRun records one install/update/repair execution.
type OperationRun struct {
	ID               string // operation uuid
	InstanceID       string
	Kind             string // "install", "update", "repair"
	StartTime        time.Time
	EndTime          time.Time
	FilesInstalled   int
	FilesSkipped     int
	FilesFailed      int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}
