package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/packsmith/packctl/internal/archive"
	"github.com/packsmith/packctl/internal/catalog"
	"github.com/packsmith/packctl/internal/store"
)

// InstanceStatus summarizes an instance's state against the catalog.
type InstanceStatus string

const (
	StatusNotInstalled InstanceStatus = "not_installed"
	StatusInstalled    InstanceStatus = "installed"
	StatusOutdated     InstanceStatus = "outdated"
	StatusError        InstanceStatus = "error"
)

// StatusInfo is the full status answer for one instance.
type StatusInfo struct {
	Status     InstanceStatus
	Instance   *store.Instance
	Descriptor *catalog.Descriptor
	LastRun    *store.OperationRun
	FailedMods int
}

// Status reports the instance's state: whether it is installed, current with
// the catalog, or left broken by its last operation.
func (c *Context) Status(ctx context.Context, id string) (*StatusInfo, error) {
	info := &StatusInfo{}

	inst, err := c.Store.GetInstance(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		info.Status = StatusNotInstalled
		return info, nil
	case err != nil:
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	info.Instance = inst

	if runs, err := c.Store.ListOperationRuns(id, 1); err == nil && len(runs) > 0 {
		info.LastRun = &runs[0]
	}
	if failed, err := c.Store.ListFailedMods(id); err == nil {
		info.FailedMods = len(failed)
	}

	desc, err := c.Resolver.Resolve(ctx, id)
	if err != nil {
		// Installed but unverifiable against the catalog.
		info.Status = StatusError
		return info, nil
	}
	info.Descriptor = desc

	switch {
	case info.LastRun != nil && info.LastRun.Status == runStatusFailed:
		info.Status = StatusError
	case desc.Version != inst.Version,
		desc.ArchiveSHA256 != "" && !strings.EqualFold(desc.ArchiveSHA256, inst.ArchiveSHA256):
		info.Status = StatusOutdated
	default:
		info.Status = StatusInstalled
	}
	return info, nil
}

// Remove deletes the instance's files, its cached archive and its persisted
// records.
func (c *Context) Remove(ctx context.Context, id string) error {
	if err := c.locks.acquire(id); err != nil {
		return err
	}
	defer c.locks.release(id)

	if err := os.RemoveAll(c.Config.InstanceDir(id)); err != nil {
		return fmt.Errorf("remove instance directory: %w", err)
	}
	if err := os.Remove(c.archivePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cached archive: %w", err)
	}
	if err := c.Store.DeleteInstance(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove instance records: %w", err)
	}
	return nil
}

// Export archives the installed instance as a portable tar-based pack.
// Format must be archive.FormatTarZst or archive.FormatTarXz.
func (c *Context) Export(ctx context.Context, id, outPath string, format archive.Format) error {
	if err := c.locks.acquire(id); err != nil {
		return err
	}
	defer c.locks.release(id)

	inst, err := c.Store.GetInstance(id)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", id, err)
	}

	manifest := &archive.Manifest{
		Name:             id,
		Version:          inst.Version,
		GameVersion:      inst.GameVersion,
		Modloader:        inst.Modloader,
		ModloaderVersion: inst.ModloaderVersion,
	}
	// Carry the original mod references when the cached archive is around.
	if _, m, perr := archive.ParseManifest(c.archivePath(id)); perr == nil {
		manifest.Mods = m.Mods
	}

	if err := archive.WritePack(ctx, c.Config.InstanceDir(id), manifest, outPath, format); err != nil {
		return fmt.Errorf("export instance %s: %w", id, err)
	}
	return nil
}
