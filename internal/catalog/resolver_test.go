package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/packsmith/packctl/internal/cache"
	"github.com/packsmith/packctl/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInstances implements InstanceReader over a map.
type fakeInstances struct {
	instances map[string]*store.Instance
}

func (f *fakeInstances) GetInstance(id string) (*store.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

func newTestResolver(t *testing.T, serverURL string, instances map[string]*store.Instance) *Resolver {
	t.Helper()
	c, err := cache.New[[]Descriptor](16, nil, testLogger())
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	client := NewClient(serverURL, time.Minute, c, testLogger())
	if instances == nil {
		instances = map[string]*store.Instance{}
	}
	return NewResolver(client, &fakeInstances{instances: instances}, testLogger())
}

func catalogHandler(t *testing.T, packs func() []Descriptor) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		doc := catalogDocument{Version: 1, Packs: packs()}
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			t.Errorf("encoding catalog: %v", err)
		}
	}
}

func TestResolveFromCatalog(t *testing.T) {
	server := httptest.NewServer(catalogHandler(t, func() []Descriptor {
		return []Descriptor{{
			ID:               "skyfactory",
			Name:             "SkyFactory",
			Version:          "4.2.2",
			GameVersion:      "1.12.2",
			Modloader:        LoaderForge,
			ModloaderVersion: "14.23.5.2860",
			ArchiveURL:       "https://cdn.example.com/skyfactory.zip",
			ArchiveSHA256:    "abc",
		}}
	}))
	defer server.Close()

	r := newTestResolver(t, server.URL, nil)

	desc, err := r.Resolve(context.Background(), "skyfactory")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if desc.Version != "4.2.2" || desc.Modloader != LoaderForge {
		t.Errorf("unexpected descriptor: %+v", desc)
	}
	if desc.Local {
		t.Error("catalog descriptor must not be marked local")
	}
}

func TestResolveNotFound(t *testing.T) {
	server := httptest.NewServer(catalogHandler(t, func() []Descriptor { return nil }))
	defer server.Close()

	r := newTestResolver(t, server.URL, nil)

	_, err := r.Resolve(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveLocalFallback(t *testing.T) {
	server := httptest.NewServer(catalogHandler(t, func() []Descriptor { return nil }))
	defer server.Close()

	instances := map[string]*store.Instance{
		"community-pack": {
			ID:                       "community-pack",
			Version:                  "1.0.0",
			GameVersion:              "1.20.1",
			Modloader:                "fabric",
			ModloaderVersion:         "0.15.11",
			AllowCustomMods:          true,
			AllowCustomResourcepacks: true,
		},
	}
	r := newTestResolver(t, server.URL, instances)

	desc, err := r.Resolve(context.Background(), "community-pack")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !desc.Local {
		t.Error("expected descriptor to be marked local")
	}
	if desc.Installable() {
		t.Error("local descriptor must not carry an archive URL")
	}
	if !desc.AllowCustomMods || !desc.AllowCustomResourcepacks {
		t.Error("recorded permissive policy flags must carry over")
	}
}

func TestResolveLocalFallbackKeepsRestrictivePolicy(t *testing.T) {
	server := httptest.NewServer(catalogHandler(t, func() []Descriptor { return nil }))
	defer server.Close()

	instances := map[string]*store.Instance{
		"locked-pack": {
			ID:               "locked-pack",
			Version:          "3.1.0",
			GameVersion:      "1.20.1",
			Modloader:        "forge",
			ModloaderVersion: "47.2.0",
			ArchiveSHA256:    "abc123",
			// Flags recorded at install time from the catalog.
		},
	}
	r := newTestResolver(t, server.URL, instances)

	desc, err := r.Resolve(context.Background(), "locked-pack")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if desc.AllowCustomMods || desc.AllowCustomResourcepacks {
		t.Error("a delisted pack must keep the restrictive policy flags recorded at install time")
	}
}

func TestResolveIncompleteTriggersRefresh(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		desc := Descriptor{
			ID:          "newpack",
			Version:     "1.0.0",
			GameVersion: "1.20.1",
			Modloader:   LoaderNeoForge,
			ArchiveURL:  "https://cdn.example.com/newpack.zip",
		}
		if requests > 1 {
			// Refresh sees the completed entry
			desc.ModloaderVersion = "20.4.237"
		}
		_ = json.NewEncoder(w).Encode(catalogDocument{Version: 1, Packs: []Descriptor{desc}})
	}))
	defer server.Close()

	r := newTestResolver(t, server.URL, nil)

	desc, err := r.Resolve(context.Background(), "newpack")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if requests != 2 {
		t.Errorf("expected exactly 2 catalog fetches, got %d", requests)
	}
	if desc.ModloaderVersion != "20.4.237" {
		t.Errorf("expected refreshed loader version, got %q", desc.ModloaderVersion)
	}
}

func TestResolveStaleCatalog(t *testing.T) {
	server := httptest.NewServer(catalogHandler(t, func() []Descriptor {
		// Archive URL present but loader version permanently missing
		return []Descriptor{{
			ID:          "brokenpack",
			Version:     "1.0.0",
			GameVersion: "1.20.1",
			Modloader:   LoaderForge,
			ArchiveURL:  "https://cdn.example.com/broken.zip",
		}}
	}))
	defer server.Close()

	r := newTestResolver(t, server.URL, nil)

	_, err := r.Resolve(context.Background(), "brokenpack")
	if !errors.Is(err, ErrStaleCatalog) {
		t.Errorf("expected ErrStaleCatalog, got %v", err)
	}
}

func TestResolveCatalogUnreachableUsesLocal(t *testing.T) {
	// Point at a server that immediately closed.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	instances := map[string]*store.Instance{
		"offline-pack": {ID: "offline-pack", Version: "2.0.0", GameVersion: "1.19.2", Modloader: "quilt", ModloaderVersion: "0.19.2"},
	}
	r := newTestResolver(t, url, instances)

	desc, err := r.Resolve(context.Background(), "offline-pack")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !desc.Local {
		t.Error("expected local descriptor when catalog is unreachable")
	}

	// An uninstalled pack should propagate the fetch error instead.
	if _, err := r.Resolve(context.Background(), "never-installed"); err == nil {
		t.Error("expected error for unknown pack with unreachable catalog")
	}
}

func TestDescriptorComplete(t *testing.T) {
	cases := []struct {
		name string
		desc Descriptor
		want bool
	}{
		{"server-connect only", Descriptor{ID: "a"}, true},
		{"archive with loader version", Descriptor{ArchiveURL: "u", ModloaderVersion: "1"}, true},
		{"archive missing loader version", Descriptor{ArchiveURL: "u"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.desc.Complete(); got != tc.want {
				t.Errorf("Complete() = %v, want %v", got, tc.want)
			}
		})
	}
}
