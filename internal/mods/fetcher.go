package mods

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/packsmith/packctl/internal/archive"
	"github.com/packsmith/packctl/internal/download"
	"github.com/packsmith/packctl/internal/safety"
)

// modsSubdir is where registry-resolved files land inside an instance.
const modsSubdir = "mods"

// FetchedFile records one mod file present and verified on disk after a
// fetch pass, whether it was downloaded or already current.
type FetchedFile struct {
	// Path is relative to the instance directory, slash-separated.
	Path      string
	Size      int64
	SHA256    string
	ProjectID int64
	FileID    int64
}

// Fetcher resolves references and downloads the resulting files through the
// worker pool.
type Fetcher struct {
	resolver *Resolver
	pool     *download.Pool
	logger   *slog.Logger
}

// NewFetcher wires a resolver and a download pool together.
func NewFetcher(resolver *Resolver, pool *download.Pool, logger *slog.Logger) *Fetcher {
	return &Fetcher{resolver: resolver, pool: pool, logger: logger}
}

// ResolveAndFetch resolves refs and downloads every resolved file into the
// instance's mods directory. A file already on disk with a matching digest is
// not downloaded again, so a healthy instance costs zero transfers. Failures
// are collected per reference and never abort the rest of the batch.
// onProgress, when non-nil, receives (settled, total) reference counts.
func (f *Fetcher) ResolveAndFetch(ctx context.Context, refs []archive.ModReference, instanceDir string, onProgress func(done, total int)) ([]FetchedFile, []FailedReference) {
	total := len(refs)
	if total == 0 {
		return nil, nil
	}

	resolved, failed := f.resolver.Resolve(ctx, refs)
	settled := len(failed)
	report := func() {
		if onProgress != nil {
			onProgress(settled, total)
		}
	}
	report()

	requiredByKey := make(map[[2]int64]bool, len(refs))
	for _, ref := range refs {
		requiredByKey[[2]int64{ref.ProjectID, ref.FileID}] = ref.Required
	}

	var fetched []FetchedFile
	var jobs []download.Job
	var jobFiles []ResolvedFile

	for _, rf := range resolved {
		dest, rel, err := f.destFor(instanceDir, rf.FileName)
		if err == nil {
			_, err = safety.ValidateHTTPURL(rf.URL)
		}
		if err != nil {
			failed = append(failed, f.failedFrom(rf, requiredByKey, err))
			settled++
			report()
			continue
		}

		if current, digest, size := fileIsCurrent(dest, rf.SHA256); current {
			fetched = append(fetched, FetchedFile{
				Path:      rel,
				Size:      size,
				SHA256:    digest,
				ProjectID: rf.ProjectID,
				FileID:    rf.FileID,
			})
			settled++
			report()
			continue
		}

		jobs = append(jobs, download.Job{
			URL:            rf.URL,
			DestPath:       dest,
			ExpectedSHA256: rf.SHA256,
			ExpectedSize:   rf.Size,
		})
		jobFiles = append(jobFiles, rf)
	}

	for i, res := range f.pool.Execute(ctx, jobs) {
		rf := jobFiles[i]
		settled++
		if !res.Success {
			failed = append(failed, f.failedFrom(rf, requiredByKey, res.Error))
			report()
			continue
		}
		fetched = append(fetched, FetchedFile{
			Path:      modsSubdir + "/" + rf.FileName,
			Size:      res.Download.Size,
			SHA256:    res.Download.SHA256,
			ProjectID: rf.ProjectID,
			FileID:    rf.FileID,
		})
		report()
	}

	return fetched, failed
}

// FetchRemote downloads archive-indexed direct-URL files (modrinth-style
// entries) into the instance directory. The index's sha512 digest is
// authoritative: an existing file is only reused when its sha512 matches,
// and every download is verified against it. The sha256 computed from the
// verified bytes is what the instance manifest records.
func (f *Fetcher) FetchRemote(ctx context.Context, files []archive.RemoteFile, instanceDir string, onProgress func(done, total int)) ([]FetchedFile, []FailedReference) {
	var fetched []FetchedFile
	var failed []FailedReference
	settled := 0
	report := func() {
		if onProgress != nil {
			onProgress(settled, len(files))
		}
	}

	var jobs []download.Job
	var jobFiles []archive.RemoteFile
	for _, rf := range files {
		rel := filepath.ToSlash(rf.Path)
		dest, err := safety.SafeJoinUnder(instanceDir, rf.Path)
		if err == nil {
			_, err = safety.ValidateHTTPURL(rf.URL)
		}
		if err != nil {
			failed = append(failed, FailedReference{FileName: rel, Required: true, Err: err})
			settled++
			report()
			continue
		}
		if current, digest, size := remoteFileIsCurrent(dest, rf.SHA512); current {
			fetched = append(fetched, FetchedFile{Path: rel, Size: size, SHA256: digest})
			settled++
			report()
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			failed = append(failed, FailedReference{FileName: rel, Required: true, Err: err})
			settled++
			report()
			continue
		}
		jobs = append(jobs, download.Job{URL: rf.URL, DestPath: dest, ExpectedSHA512: rf.SHA512, ExpectedSize: rf.Size})
		jobFiles = append(jobFiles, rf)
	}

	for i, res := range f.pool.Execute(ctx, jobs) {
		rf := jobFiles[i]
		rel := filepath.ToSlash(rf.Path)
		settled++
		if !res.Success {
			failed = append(failed, FailedReference{FileName: rel, Required: true, Err: res.Error})
			report()
			continue
		}
		fetched = append(fetched, FetchedFile{Path: rel, Size: res.Download.Size, SHA256: res.Download.SHA256})
		report()
	}

	return fetched, failed
}

// destFor validates the registry-supplied file name and returns the absolute
// destination plus the instance-relative path.
func (f *Fetcher) destFor(instanceDir, fileName string) (dest, rel string, err error) {
	if fileName == "" {
		return "", "", fmt.Errorf("registry returned an empty file name")
	}
	if strings.ContainsAny(fileName, `/\`) {
		return "", "", fmt.Errorf("registry file name %q contains a path separator", fileName)
	}
	dest, err = safety.SafeJoinUnder(instanceDir, filepath.Join(modsSubdir, fileName))
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", "", fmt.Errorf("create mods directory: %w", err)
	}
	return dest, modsSubdir + "/" + fileName, nil
}

func (f *Fetcher) failedFrom(rf ResolvedFile, requiredByKey map[[2]int64]bool, err error) FailedReference {
	return FailedReference{
		ProjectID: rf.ProjectID,
		FileID:    rf.FileID,
		FileName:  rf.FileName,
		Required:  requiredByKey[[2]int64{rf.ProjectID, rf.FileID}],
		Err:       err,
	}
}

// fileIsCurrent reports whether dest exists with the expected digest. When
// the expected digest is unknown the file is never considered current.
func fileIsCurrent(dest, expectedSHA256 string) (bool, string, int64) {
	if expectedSHA256 == "" {
		return false, "", 0
	}
	info, err := os.Stat(dest)
	if err != nil {
		return false, "", 0
	}
	digest, err := download.HashFile(dest)
	if err != nil || !strings.EqualFold(digest, expectedSHA256) {
		return false, "", 0
	}
	return true, digest, info.Size()
}

// remoteFileIsCurrent reports whether dest already holds content matching
// the archive index's sha512. Size is never trusted on its own: a corrupted
// file of the right length must be re-fetched. An entry without a digest is
// always re-fetched for the same reason. The returned digest is the sha256
// of the verified bytes, which is what the instance manifest records.
func remoteFileIsCurrent(dest, expectedSHA512 string) (bool, string, int64) {
	if expectedSHA512 == "" {
		return false, "", 0
	}
	info, err := os.Stat(dest)
	if err != nil {
		return false, "", 0
	}
	sha512Hex, err := download.HashFileSHA512(dest)
	if err != nil || !strings.EqualFold(sha512Hex, expectedSHA512) {
		return false, "", 0
	}
	digest, err := download.HashFile(dest)
	if err != nil {
		return false, "", 0
	}
	return true, digest, info.Size()
}
