// Package integrity inspects an installed instance against its recorded file
// manifest and the pack's policy flags before launch.
package integrity

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/packsmith/packctl/internal/catalog"
	"github.com/packsmith/packctl/internal/download"
	"github.com/packsmith/packctl/internal/store"
)

// IssueKind categorizes an integrity violation.
type IssueKind string

const (
	// IssueArchiveOutdated means the catalog now expects a different archive
	// digest than the one recorded at install time.
	IssueArchiveOutdated IssueKind = "archive_outdated"
	// IssueMissingFile means a recorded instance file is absent from disk.
	IssueMissingFile IssueKind = "missing_file"
	// IssueDigestMismatch means a recorded instance file's content changed.
	IssueDigestMismatch IssueKind = "digest_mismatch"
	// IssueUnauthorizedFile means a file under a policed directory is not in
	// the recorded manifest and the pack forbids user additions there.
	IssueUnauthorizedFile IssueKind = "unauthorized_file"
)

// Issue is one integrity violation.
type Issue struct {
	Kind   IssueKind
	Path   string
	Detail string
}

// Report is the outcome of a verification pass. A non-valid report blocks
// launch; the caller offers repair.
type Report struct {
	Valid  bool
	Issues []Issue
}

// InstanceStore is the store surface the verifier reads.
type InstanceStore interface {
	GetInstance(id string) (*store.Instance, error)
	ListInstanceFiles(instanceID string) ([]store.InstanceFile, error)
}

// policedDirs maps directories subject to policy flags to the descriptor
// field that opens them up.
var policedDirs = []struct {
	dir     string
	allowed func(*catalog.Descriptor) bool
}{
	{"mods", func(d *catalog.Descriptor) bool { return d.AllowCustomMods }},
	{"resourcepacks", func(d *catalog.Descriptor) bool { return d.AllowCustomResourcepacks }},
}

// Verifier checks installed instances.
type Verifier struct {
	store       InstanceStore
	instanceDir func(id string) string
	logger      *slog.Logger
}

// NewVerifier creates a verifier. instanceDir maps an instance id to its
// directory on disk.
func NewVerifier(st InstanceStore, instanceDir func(id string) string, logger *slog.Logger) *Verifier {
	return &Verifier{store: st, instanceDir: instanceDir, logger: logger}
}

// Verify inspects the instance against its recorded manifest and the policy
// flags of desc. The descriptor should be freshly resolved; when the catalog
// is unreachable the resolver substitutes the flags recorded at install
// time, so an offline launch never relaxes a pack's restrictions.
func (v *Verifier) Verify(ctx context.Context, instanceID string, desc *catalog.Descriptor) (*Report, error) {
	inst, err := v.store.GetInstance(instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", instanceID, err)
	}

	report := &Report{}
	if desc.ArchiveSHA256 != "" && inst.ArchiveSHA256 != "" &&
		!strings.EqualFold(desc.ArchiveSHA256, inst.ArchiveSHA256) {
		report.Issues = append(report.Issues, Issue{
			Kind:   IssueArchiveOutdated,
			Detail: fmt.Sprintf("installed archive %s, catalog expects %s", inst.ArchiveSHA256, desc.ArchiveSHA256),
		})
	}

	files, err := v.store.ListInstanceFiles(instanceID)
	if err != nil {
		return nil, fmt.Errorf("list instance files: %w", err)
	}

	dir := v.instanceDir(instanceID)
	recorded := make(map[string]struct{}, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recorded[f.Path] = struct{}{}
		v.checkRecordedFile(dir, f, report)
	}

	for _, pd := range policedDirs {
		if pd.allowed(desc) {
			continue
		}
		if err := v.scanForeignFiles(ctx, dir, pd.dir, recorded, report); err != nil {
			return nil, err
		}
	}

	report.Valid = len(report.Issues) == 0
	if !report.Valid {
		v.logger.Warn("integrity verification failed", "instance", instanceID, "issues", len(report.Issues))
	}
	return report, nil
}

func (v *Verifier) checkRecordedFile(dir string, f store.InstanceFile, report *Report) {
	full := filepath.Join(dir, filepath.FromSlash(f.Path))
	if _, err := os.Stat(full); err != nil {
		report.Issues = append(report.Issues, Issue{
			Kind: IssueMissingFile, Path: f.Path, Detail: "file recorded at install is missing",
		})
		return
	}
	digest, err := download.HashFile(full)
	if err != nil {
		report.Issues = append(report.Issues, Issue{
			Kind: IssueDigestMismatch, Path: f.Path, Detail: fmt.Sprintf("unreadable: %v", err),
		})
		return
	}
	if !strings.EqualFold(digest, f.SHA256) {
		report.Issues = append(report.Issues, Issue{
			Kind: IssueDigestMismatch, Path: f.Path,
			Detail: fmt.Sprintf("expected %s, found %s", f.SHA256, digest),
		})
	}
}

// scanForeignFiles reports every file under dir/sub that is not part of the
// recorded manifest.
func (v *Verifier) scanForeignFiles(ctx context.Context, dir, sub string, recorded map[string]struct{}, report *Report) error {
	root := filepath.Join(dir, sub)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		relSlash := filepath.ToSlash(rel)
		if _, ok := recorded[relSlash]; !ok {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueUnauthorizedFile, Path: relSlash,
				Detail: "file is not part of the installed pack and custom additions are not permitted",
			})
		}
		return nil
	})
}
