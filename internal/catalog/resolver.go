package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/packsmith/packctl/internal/store"
)

// ErrNotFound is returned when a modpack id is in neither the remote catalog
// nor the local instance metadata.
var ErrNotFound = errors.New("modpack not found")

// ErrStaleCatalog is returned when the catalog still lacks required fields
// after a forced refresh. The resolver never hands out a partial descriptor:
// proceeding without a loader version would corrupt downstream file paths.
var ErrStaleCatalog = errors.New("catalog entry is incomplete after refresh")

// InstanceReader is the slice of the store the resolver needs.
type InstanceReader interface {
	GetInstance(id string) (*store.Instance, error)
}

// Resolver turns a modpack id into a complete descriptor.
type Resolver struct {
	client    *Client
	instances InstanceReader
	logger    *slog.Logger
}

// NewResolver creates a resolver backed by the catalog client and local
// instance metadata.
func NewResolver(client *Client, instances InstanceReader, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:    client,
		instances: instances,
		logger:    logger,
	}
}

// Resolve returns the descriptor for id. Lookup order: remote catalog, then
// reconstruction from installed instance metadata for packs that the catalog
// no longer lists. A catalog entry missing its loader version triggers one
// forced cache refresh before failing with ErrStaleCatalog.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Descriptor, error) {
	packs, err := r.client.Packs(ctx)
	if err != nil {
		// Remote catalog unreachable: a locally installed pack can still
		// resolve, anything else propagates the fetch error.
		if desc, lerr := r.fromLocal(id); lerr == nil {
			r.logger.Warn("catalog unreachable, using local instance metadata", "id", id, "error", err)
			return desc, nil
		}
		return nil, fmt.Errorf("fetching catalog for %s: %w", id, err)
	}

	desc := findPack(packs, id)
	if desc == nil {
		if local, lerr := r.fromLocal(id); lerr == nil {
			return local, nil
		}
		return nil, fmt.Errorf("modpack %s: %w", id, ErrNotFound)
	}

	if desc.Complete() {
		return desc, nil
	}

	// Required field missing — the cached catalog may predate a loader
	// rollout. Force one refresh and re-check.
	r.logger.Warn("descriptor incomplete, forcing catalog refresh", "id", id)
	r.client.Invalidate()

	packs, err = r.client.Packs(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing catalog for %s: %w", id, err)
	}
	desc = findPack(packs, id)
	if desc == nil {
		return nil, fmt.Errorf("modpack %s: %w", id, ErrNotFound)
	}
	if !desc.Complete() {
		return nil, fmt.Errorf("modpack %s: %w", id, ErrStaleCatalog)
	}
	return desc, nil
}

// fromLocal reconstructs a minimal descriptor from installed instance
// metadata. Such descriptors carry no archive URL: there is nothing left to
// download, only launch and verify. The policy flags are the ones recorded
// at install time, so an unreachable catalog never relaxes a pack's
// restrictions.
func (r *Resolver) fromLocal(id string) (*Descriptor, error) {
	inst, err := r.instances.GetInstance(id)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		ID:                       inst.ID,
		Name:                     inst.ID,
		Version:                  inst.Version,
		GameVersion:              inst.GameVersion,
		Modloader:                Loader(inst.Modloader),
		ModloaderVersion:         inst.ModloaderVersion,
		ArchiveSHA256:            inst.ArchiveSHA256,
		AllowCustomMods:          inst.AllowCustomMods,
		AllowCustomResourcepacks: inst.AllowCustomResourcepacks,
		Local:                    true,
	}, nil
}

func findPack(packs []Descriptor, id string) *Descriptor {
	for i := range packs {
		if packs[i].ID == id {
			d := packs[i]
			return &d
		}
	}
	return nil
}
