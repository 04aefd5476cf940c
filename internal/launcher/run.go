package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/packsmith/packctl/internal/archive"
	"github.com/packsmith/packctl/internal/catalog"
	"github.com/packsmith/packctl/internal/download"
	"github.com/packsmith/packctl/internal/mods"
	"github.com/packsmith/packctl/internal/progress"
	"github.com/packsmith/packctl/internal/ratelimit"
	"github.com/packsmith/packctl/internal/store"
)

// Operation kinds recorded in operation_runs.
const (
	OpInstall = "install"
	OpUpdate  = "update"
	OpRepair  = "repair"
)

// Run statuses recorded in operation_runs.
const (
	runStatusRunning = "running"
	runStatusSuccess = "success"
	runStatusPartial = "partial"
	runStatusFailed  = "failed"
)

// Summary is the outcome of a completed pipeline run. Failed carries the mod
// references that could not be fetched; when all of them are optional the
// run still counts as installed.
type Summary struct {
	Metadata    *store.Instance
	Failed      []mods.FailedReference
	OperationID string
}

// Install installs the modpack from scratch or on top of an existing
// instance. opID names the progress stream; pass "" to have one generated.
func (c *Context) Install(ctx context.Context, id, opID string) (*Summary, error) {
	return c.runOp(ctx, id, opID, OpInstall)
}

// Update re-downloads and re-extracts the pack at the catalog's current
// version.
func (c *Context) Update(ctx context.Context, id, opID string) (*Summary, error) {
	return c.runOp(ctx, id, opID, OpUpdate)
}

// Repair heals a damaged instance, downloading only what is missing or
// mismatched. On a healthy instance it transfers nothing.
func (c *Context) Repair(ctx context.Context, id, opID string) (*Summary, error) {
	return c.runOp(ctx, id, opID, OpRepair)
}

func (c *Context) runOp(ctx context.Context, id, opID, kind string) (*Summary, error) {
	if err := c.locks.acquire(id); err != nil {
		return nil, err
	}
	defer c.locks.release(id)

	if opID == "" {
		opID = uuid.NewString()
	}
	defer c.Bus.Close(opID)
	tracker := progress.NewTracker(c.Bus, opID)

	run := &store.OperationRun{
		ID:         opID,
		InstanceID: id,
		Kind:       kind,
		StartTime:  time.Now(),
		Status:     runStatusRunning,
	}
	if err := c.Store.CreateOperationRun(run); err != nil {
		c.logger.Warn("failed to record operation start", "op", opID, "error", err)
	}

	summary, err := c.execute(ctx, id, kind, tracker, run)

	run.EndTime = time.Now()
	switch {
	case err != nil:
		run.Status = runStatusFailed
		run.ErrorMessage = err.Error()
		tracker.Fail(err.Error())
		err = c.classified(ctx, err)
	case len(summary.Failed) > 0:
		run.Status = runStatusPartial
		run.FilesFailed = len(summary.Failed)
		tracker.Complete(fmt.Sprintf("%s finished, %d optional mod(s) failed", kind, len(summary.Failed)))
	default:
		run.Status = runStatusSuccess
		tracker.Complete(kind + " finished")
	}
	if uerr := c.Store.UpdateOperationRun(run); uerr != nil {
		c.logger.Warn("failed to record operation end", "op", opID, "error", uerr)
	}

	if summary != nil {
		summary.OperationID = opID
	}
	return summary, err
}

// execute is the single pipeline behind install, update and repair.
func (c *Context) execute(ctx context.Context, id, kind string, tracker *progress.Tracker, run *store.OperationRun) (*Summary, error) {
	tracker.SetStep(progress.StepResolving, "resolving modpack descriptor")
	desc, err := c.Resolver.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve modpack %s: %w", id, err)
	}
	if !desc.Installable() {
		return nil, fmt.Errorf("modpack %s has no client archive to install", id)
	}

	instanceDir := c.Config.InstanceDir(id)
	archivePath := c.archivePath(id)

	if err := c.ensureArchive(ctx, desc, archivePath, tracker, run); err != nil {
		return nil, err
	}

	_, manifest, err := archive.ParseManifest(archivePath)
	if err != nil {
		return nil, fmt.Errorf("parse archive manifest: %w", err)
	}

	archiveFiles, err := c.ensureExtracted(ctx, id, kind, desc, archivePath, instanceDir, tracker)
	if err != nil {
		return nil, err
	}

	tracker.SetStep(progress.StepMods, "fetching mod files")
	fetched, failed := c.fetcher.ResolveAndFetch(ctx, manifest.Mods, instanceDir, tracker.UpdateCount)
	if len(manifest.RemoteFiles) > 0 {
		rf, rfailed := c.fetcher.FetchRemote(ctx, manifest.RemoteFiles, instanceDir, tracker.UpdateCount)
		fetched = append(fetched, rf...)
		failed = append(failed, rfailed...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.recordFailedMods(id, failed)

	for _, f := range failed {
		if f.Required {
			return nil, fmt.Errorf("%w: %d of %d references failed, first: %s",
				ErrRequiredModsFailed, countRequired(failed), len(manifest.Mods), f.String())
		}
	}

	tracker.SetStep(progress.StepVerifying, "recording instance manifest")
	inst, err := c.writeMetadata(id, desc, archiveFiles, fetched)
	if err != nil {
		return nil, err
	}
	run.FilesInstalled = len(archiveFiles) + len(fetched)
	run.FilesFailed = len(failed)

	return &Summary{Metadata: inst, Failed: failed}, nil
}

// ensureArchive makes sure a digest-verified archive sits at archivePath.
// A cached copy with the expected digest is reused without a network call,
// which keeps repair free on a healthy instance. A transfer requires passing
// the rate guard first.
func (c *Context) ensureArchive(ctx context.Context, desc *catalog.Descriptor, archivePath string, tracker *progress.Tracker, run *store.OperationRun) error {
	if desc.ArchiveSHA256 != "" {
		if digest, err := download.HashFile(archivePath); err == nil && strings.EqualFold(digest, desc.ArchiveSHA256) {
			run.FilesSkipped++
			return nil
		}
	}

	res, err := c.Guard.Check(ctx, desc, c.Config.RateLimit.ClientToken)
	if err != nil {
		return err
	}
	if !res.Allowed {
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("quota exhausted, resets at %s", res.ResetAt.Format(time.RFC3339))
		}
		return fmt.Errorf("%w: %s", ratelimit.ErrRateLimited, msg)
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return fmt.Errorf("create downloads directory: %w", err)
	}

	tracker.SetStep(progress.StepDownloading, "downloading "+desc.Name)
	result, err := c.client.Download(ctx, download.Options{
		URL:            desc.ArchiveURL,
		DestPath:       archivePath,
		ExpectedSHA256: desc.ArchiveSHA256,
		RetryCount:     c.Config.Downloads.RetryAttempts,
		OnProgress:     tracker.UpdateBytes,
	})
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	run.BytesTransferred += result.Size
	return nil
}

// ensureExtracted extracts the override tree. Repair skips extraction when
// every archive-sourced file recorded at install is still intact.
func (c *Context) ensureExtracted(ctx context.Context, id, kind string, desc *catalog.Descriptor, archivePath, instanceDir string, tracker *progress.Tracker) ([]archive.ExtractedFile, error) {
	if kind == OpRepair {
		if inst, err := c.Store.GetInstance(id); err == nil &&
			strings.EqualFold(inst.ArchiveSHA256, desc.ArchiveSHA256) {
			if recorded, ok := c.archiveFilesIntact(id, instanceDir); ok {
				return recorded, nil
			}
		}
	}

	tracker.SetStep(progress.StepExtracting, "extracting "+desc.Name)
	files, err := archive.Extract(ctx, archivePath, instanceDir)
	if err != nil {
		return nil, fmt.Errorf("extract archive: %w", err)
	}
	return files, nil
}

// archiveFilesIntact reports whether every recorded archive-sourced file is
// present with its installed digest, returning them in ExtractedFile form
// for metadata rewrite.
func (c *Context) archiveFilesIntact(id, instanceDir string) ([]archive.ExtractedFile, bool) {
	files, err := c.Store.ListInstanceFiles(id)
	if err != nil {
		return nil, false
	}
	var out []archive.ExtractedFile
	for _, f := range files {
		if f.Source != store.SourceArchive {
			continue
		}
		full := filepath.Join(instanceDir, filepath.FromSlash(f.Path))
		digest, err := download.HashFile(full)
		if err != nil || !strings.EqualFold(digest, f.SHA256) {
			return nil, false
		}
		out = append(out, archive.ExtractedFile{Path: f.Path, Size: f.Size, SHA256: f.SHA256})
	}
	return out, true
}

// writeMetadata persists the file manifest and instance record. This is the
// last pipeline stage; nothing here runs if a digest check or a required
// reference failed.
func (c *Context) writeMetadata(id string, desc *catalog.Descriptor, archiveFiles []archive.ExtractedFile, fetched []mods.FetchedFile) (*store.Instance, error) {
	files := make([]store.InstanceFile, 0, len(archiveFiles)+len(fetched))
	for _, ef := range archiveFiles {
		files = append(files, store.InstanceFile{
			InstanceID: id, Path: ef.Path, Size: ef.Size, SHA256: ef.SHA256, Source: store.SourceArchive,
		})
	}
	for _, ff := range fetched {
		files = append(files, store.InstanceFile{
			InstanceID: id, Path: ff.Path, Size: ff.Size, SHA256: ff.SHA256, Source: store.SourceMod,
		})
	}
	if err := c.Store.ReplaceInstanceFiles(id, files); err != nil {
		return nil, fmt.Errorf("record instance files: %w", err)
	}

	inst := &store.Instance{
		ID:                       id,
		Version:                  desc.Version,
		GameVersion:              desc.GameVersion,
		Modloader:                string(desc.Modloader),
		ModloaderVersion:         desc.ModloaderVersion,
		ArchiveSHA256:            desc.ArchiveSHA256,
		AllowCustomMods:          desc.AllowCustomMods,
		AllowCustomResourcepacks: desc.AllowCustomResourcepacks,
		InstalledAt:              time.Now(),
	}
	if err := c.Store.UpsertInstance(inst); err != nil {
		return nil, fmt.Errorf("record instance metadata: %w", err)
	}
	return inst, nil
}

// recordFailedMods updates the dead-letter table: previously failed
// references are considered healed by this run, then current failures are
// written back.
func (c *Context) recordFailedMods(id string, failed []mods.FailedReference) {
	if err := c.Store.ResolveFailedModsFor(id); err != nil {
		c.logger.Warn("failed to clear dead-letter records", "instance", id, "error", err)
	}
	for _, f := range failed {
		rec := &store.FailedMod{
			InstanceID: id,
			ProjectID:  strconv.FormatInt(f.ProjectID, 10),
			FileID:     strconv.FormatInt(f.FileID, 10),
			FileName:   f.FileName,
			Error:      f.Err.Error(),
		}
		if err := c.Store.AddFailedMod(rec); err != nil {
			c.logger.Warn("failed to record dead-letter entry", "instance", id, "error", err)
		}
	}
}

// RetryFailedMods re-attempts only the references in the dead-letter table,
// leaving the rest of the instance untouched.
func (c *Context) RetryFailedMods(ctx context.Context, id, opID string) (*Summary, error) {
	if err := c.locks.acquire(id); err != nil {
		return nil, err
	}
	defer c.locks.release(id)

	if opID == "" {
		opID = uuid.NewString()
	}
	defer c.Bus.Close(opID)
	tracker := progress.NewTracker(c.Bus, opID)

	inst, err := c.Store.GetInstance(id)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}

	records, err := c.Store.ListFailedMods(id)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter records: %w", err)
	}
	var refs []archive.ModReference
	for _, rec := range records {
		projectID, perr := strconv.ParseInt(rec.ProjectID, 10, 64)
		fileID, ferr := strconv.ParseInt(rec.FileID, 10, 64)
		if perr != nil || ferr != nil {
			continue
		}
		refs = append(refs, archive.ModReference{ProjectID: projectID, FileID: fileID})
	}
	if len(refs) == 0 {
		tracker.Complete("no failed mods to retry")
		return &Summary{Metadata: inst, OperationID: opID}, nil
	}

	tracker.SetStep(progress.StepMods, "retrying failed mod files")
	fetched, failed := c.fetcher.ResolveAndFetch(ctx, refs, c.Config.InstanceDir(id), tracker.UpdateCount)

	for _, ff := range fetched {
		f := store.InstanceFile{InstanceID: id, Path: ff.Path, Size: ff.Size, SHA256: ff.SHA256, Source: store.SourceMod}
		if err := c.Store.UpsertInstanceFile(&f); err != nil {
			c.logger.Warn("failed to record healed mod file", "instance", id, "path", ff.Path, "error", err)
		}
	}
	c.recordFailedMods(id, failed)

	if len(failed) > 0 {
		tracker.Fail(fmt.Sprintf("%d mod(s) still failing", len(failed)))
	} else {
		tracker.Complete("all failed mods recovered")
	}
	return &Summary{Metadata: inst, Failed: failed, OperationID: opID}, nil
}

func (c *Context) archivePath(id string) string {
	return filepath.Join(c.Config.Launcher.DataDir, "downloads", id+".pack")
}

func countRequired(failed []mods.FailedReference) int {
	n := 0
	for _, f := range failed {
		if f.Required {
			n++
		}
	}
	return n
}
