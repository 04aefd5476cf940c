package mods

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/packsmith/packctl/internal/archive"
	"github.com/packsmith/packctl/internal/download"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func digestOf(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func sha512Of(data string) string {
	sum := sha512.Sum512([]byte(data))
	return hex.EncodeToString(sum[:])
}

// registryHandler answers batch resolve requests from a fixed table keyed by
// (projectID, fileID).
func registryHandler(t *testing.T, table map[[2]int64]ResolvedFile, requests *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var resp resolveResponse
		for _, f := range req.Files {
			if rf, ok := table[[2]int64{f.ProjectID, f.FileID}]; ok {
				resp.Files = append(resp.Files, rf)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func newTestFetcher(registryURL string, batchSize int) *Fetcher {
	logger := testLogger()
	resolver := NewResolver(registryURL, batchSize, 10*time.Second, logger)
	pool := download.NewPool(download.NewClient(logger), 2, 1, logger)
	return NewFetcher(resolver, pool, logger)
}

func TestResolveBatching(t *testing.T) {
	table := make(map[[2]int64]ResolvedFile)
	var refs []archive.ModReference
	for i := int64(1); i <= 120; i++ {
		refs = append(refs, archive.ModReference{ProjectID: i, FileID: i * 10, Required: true})
		table[[2]int64{i, i * 10}] = ResolvedFile{
			ProjectID: i, FileID: i * 10, FileName: "mod.jar", URL: "https://cdn.example.com/mod.jar",
		}
	}

	var requests atomic.Int64
	server := httptest.NewServer(registryHandler(t, table, &requests))
	defer server.Close()

	resolver := NewResolver(server.URL, 50, 10*time.Second, testLogger())
	resolved, failed := resolver.Resolve(context.Background(), refs)

	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (batches of 50)", got)
	}
	if len(resolved) != 120 {
		t.Errorf("len(resolved) = %d, want 120", len(resolved))
	}
	if len(failed) != 0 {
		t.Errorf("failed = %+v, want none", failed)
	}
}

func TestResolveUnansweredReference(t *testing.T) {
	table := map[[2]int64]ResolvedFile{
		{1, 10}: {ProjectID: 1, FileID: 10, FileName: "a.jar", URL: "https://cdn.example.com/a.jar"},
	}
	server := httptest.NewServer(registryHandler(t, table, nil))
	defer server.Close()

	resolver := NewResolver(server.URL, 50, 10*time.Second, testLogger())
	resolved, failed := resolver.Resolve(context.Background(), []archive.ModReference{
		{ProjectID: 1, FileID: 10, Required: true},
		{ProjectID: 2, FileID: 20, Required: false},
	})

	if len(resolved) != 1 {
		t.Errorf("len(resolved) = %d, want 1", len(resolved))
	}
	if len(failed) != 1 {
		t.Fatalf("len(failed) = %d, want 1", len(failed))
	}
	if failed[0].ProjectID != 2 || failed[0].FileID != 20 {
		t.Errorf("failed ref = %+v", failed[0])
	}
}

func TestResolveBatchFailureDoesNotAbortRemaining(t *testing.T) {
	table := map[[2]int64]ResolvedFile{
		{2, 20}: {ProjectID: 2, FileID: 20, FileName: "b.jar", URL: "https://cdn.example.com/b.jar"},
	}
	var requests atomic.Int64
	inner := registryHandler(t, table, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		inner(w, r)
	}))
	defer server.Close()

	resolver := NewResolver(server.URL, 1, 10*time.Second, testLogger())
	resolved, failed := resolver.Resolve(context.Background(), []archive.ModReference{
		{ProjectID: 1, FileID: 10, Required: true},
		{ProjectID: 2, FileID: 20, Required: true},
	})

	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 (second batch still attempted)", requests.Load())
	}
	if len(resolved) != 1 || resolved[0].ProjectID != 2 {
		t.Errorf("resolved = %+v, want project 2 only", resolved)
	}
	if len(failed) != 1 || failed[0].ProjectID != 1 {
		t.Errorf("failed = %+v, want project 1 only", failed)
	}
}

func TestResolveAndFetch(t *testing.T) {
	content := "jar-bytes-a"
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, content)
	}))
	defer files.Close()

	table := map[[2]int64]ResolvedFile{
		{1, 10}: {
			ProjectID: 1, FileID: 10, FileName: "a.jar",
			URL: files.URL + "/a.jar", SHA256: digestOf(content), Size: int64(len(content)),
		},
	}
	registry := httptest.NewServer(registryHandler(t, table, nil))
	defer registry.Close()

	instanceDir := t.TempDir()
	fetcher := newTestFetcher(registry.URL, 50)
	fetched, failed := fetcher.ResolveAndFetch(context.Background(),
		[]archive.ModReference{{ProjectID: 1, FileID: 10, Required: true}}, instanceDir, nil)

	if len(failed) != 0 {
		t.Fatalf("failed = %+v, want none", failed)
	}
	if len(fetched) != 1 {
		t.Fatalf("len(fetched) = %d, want 1", len(fetched))
	}
	if fetched[0].Path != "mods/a.jar" {
		t.Errorf("Path = %q, want mods/a.jar", fetched[0].Path)
	}
	if fetched[0].SHA256 != digestOf(content) {
		t.Errorf("SHA256 = %q", fetched[0].SHA256)
	}
	data, err := os.ReadFile(filepath.Join(instanceDir, "mods", "a.jar"))
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if string(data) != content {
		t.Errorf("content = %q", data)
	}
}

func TestResolveAndFetchSkipsCurrentFile(t *testing.T) {
	content := "already-here"
	var downloads atomic.Int64
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		io.WriteString(w, content)
	}))
	defer files.Close()

	table := map[[2]int64]ResolvedFile{
		{1, 10}: {
			ProjectID: 1, FileID: 10, FileName: "a.jar",
			URL: files.URL + "/a.jar", SHA256: digestOf(content),
		},
	}
	registry := httptest.NewServer(registryHandler(t, table, nil))
	defer registry.Close()

	instanceDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(instanceDir, "mods"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(instanceDir, "mods", "a.jar"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fetcher := newTestFetcher(registry.URL, 50)
	fetched, failed := fetcher.ResolveAndFetch(context.Background(),
		[]archive.ModReference{{ProjectID: 1, FileID: 10, Required: true}}, instanceDir, nil)

	if len(failed) != 0 {
		t.Fatalf("failed = %+v, want none", failed)
	}
	if len(fetched) != 1 {
		t.Fatalf("len(fetched) = %d, want 1", len(fetched))
	}
	if got := downloads.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0 for a current file", got)
	}
}

func TestResolveAndFetchPartialFailure(t *testing.T) {
	content := "good-jar"
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/good.jar" {
			io.WriteString(w, content)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer files.Close()

	table := map[[2]int64]ResolvedFile{
		{1, 10}: {ProjectID: 1, FileID: 10, FileName: "good.jar", URL: files.URL + "/good.jar", SHA256: digestOf(content)},
		{2, 20}: {ProjectID: 2, FileID: 20, FileName: "gone.jar", URL: files.URL + "/gone.jar"},
	}
	registry := httptest.NewServer(registryHandler(t, table, nil))
	defer registry.Close()

	instanceDir := t.TempDir()
	fetcher := newTestFetcher(registry.URL, 50)
	fetched, failed := fetcher.ResolveAndFetch(context.Background(), []archive.ModReference{
		{ProjectID: 1, FileID: 10, Required: true},
		{ProjectID: 2, FileID: 20, Required: false},
	}, instanceDir, nil)

	if len(fetched) != 1 || fetched[0].ProjectID != 1 {
		t.Errorf("fetched = %+v, want project 1 only", fetched)
	}
	if len(failed) != 1 {
		t.Fatalf("len(failed) = %d, want 1", len(failed))
	}
	if failed[0].ProjectID != 2 || failed[0].FileName != "gone.jar" || failed[0].Required {
		t.Errorf("failed = %+v", failed[0])
	}
}

func TestResolveAndFetchRejectsPathSeparatorInFileName(t *testing.T) {
	table := map[[2]int64]ResolvedFile{
		{1, 10}: {ProjectID: 1, FileID: 10, FileName: "../evil.jar", URL: "https://cdn.example.com/evil.jar"},
	}
	registry := httptest.NewServer(registryHandler(t, table, nil))
	defer registry.Close()

	instanceDir := t.TempDir()
	fetcher := newTestFetcher(registry.URL, 50)
	fetched, failed := fetcher.ResolveAndFetch(context.Background(),
		[]archive.ModReference{{ProjectID: 1, FileID: 10, Required: true}}, instanceDir, nil)

	if len(fetched) != 0 {
		t.Errorf("fetched = %+v, want none", fetched)
	}
	if len(failed) != 1 {
		t.Fatalf("len(failed) = %d, want 1", len(failed))
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(instanceDir), "evil.jar")); !os.IsNotExist(err) {
		t.Error("file escaped the instance directory")
	}
}

func TestFetchRemote(t *testing.T) {
	content := "remote-bytes"
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, content)
	}))
	defer files.Close()

	instanceDir := t.TempDir()
	fetcher := newTestFetcher("http://unused.invalid", 50)
	fetched, failed := fetcher.FetchRemote(context.Background(), []archive.RemoteFile{
		{Path: "mods/sodium.jar", URL: files.URL + "/sodium.jar", SHA512: sha512Of(content), Size: int64(len(content))},
	}, instanceDir, nil)

	if len(failed) != 0 {
		t.Fatalf("failed = %+v, want none", failed)
	}
	if len(fetched) != 1 {
		t.Fatalf("len(fetched) = %d, want 1", len(fetched))
	}
	if fetched[0].Path != "mods/sodium.jar" || fetched[0].SHA256 != digestOf(content) {
		t.Errorf("fetched = %+v", fetched[0])
	}
	if _, err := os.Stat(filepath.Join(instanceDir, "mods", "sodium.jar")); err != nil {
		t.Errorf("file not written: %v", err)
	}
}

func TestFetchRemoteSkipsVerifiedFile(t *testing.T) {
	content := "remote-bytes"
	var requests atomic.Int64
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		io.WriteString(w, content)
	}))
	defer files.Close()

	instanceDir := t.TempDir()
	dest := filepath.Join(instanceDir, "mods", "sodium.jar")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fetcher := newTestFetcher("http://unused.invalid", 50)
	fetched, failed := fetcher.FetchRemote(context.Background(), []archive.RemoteFile{
		{Path: "mods/sodium.jar", URL: files.URL + "/sodium.jar", SHA512: sha512Of(content), Size: int64(len(content))},
	}, instanceDir, nil)

	if len(failed) != 0 {
		t.Fatalf("failed = %+v, want none", failed)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("requests = %d, want 0 for a file already matching the index digest", got)
	}
	if len(fetched) != 1 || fetched[0].SHA256 != digestOf(content) {
		t.Errorf("fetched = %+v", fetched)
	}
}

func TestFetchRemoteRefetchesCorruptedSameSizeFile(t *testing.T) {
	good := "remote-bytes"
	corrupt := "remote-BYTES" // same length, different content
	var requests atomic.Int64
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		io.WriteString(w, good)
	}))
	defer files.Close()

	instanceDir := t.TempDir()
	dest := filepath.Join(instanceDir, "mods", "sodium.jar")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte(corrupt), 0o644); err != nil {
		t.Fatal(err)
	}

	fetcher := newTestFetcher("http://unused.invalid", 50)
	fetched, failed := fetcher.FetchRemote(context.Background(), []archive.RemoteFile{
		{Path: "mods/sodium.jar", URL: files.URL + "/sodium.jar", SHA512: sha512Of(good), Size: int64(len(good))},
	}, instanceDir, nil)

	if len(failed) != 0 {
		t.Fatalf("failed = %+v, want none", failed)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (corrupted file must be re-fetched)", got)
	}
	if len(fetched) != 1 || fetched[0].SHA256 != digestOf(good) {
		t.Fatalf("fetched = %+v, want recorded digest of the healthy bytes", fetched)
	}
	healed, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(healed) != good {
		t.Errorf("file content = %q, want %q", healed, good)
	}
}

func TestFetchRemoteNeverTrustsSizeAlone(t *testing.T) {
	content := "remote-bytes"
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, content)
	}))
	defer files.Close()

	instanceDir := t.TempDir()
	dest := filepath.Join(instanceDir, "mods", "sodium.jar")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("stale-garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	// No digest in the index entry: the existing file must not be reused.
	fetcher := newTestFetcher("http://unused.invalid", 50)
	fetched, failed := fetcher.FetchRemote(context.Background(), []archive.RemoteFile{
		{Path: "mods/sodium.jar", URL: files.URL + "/sodium.jar", Size: int64(len(content))},
	}, instanceDir, nil)

	if len(failed) != 0 {
		t.Fatalf("failed = %+v, want none", failed)
	}
	if len(fetched) != 1 || fetched[0].SHA256 != digestOf(content) {
		t.Fatalf("fetched = %+v, want the freshly downloaded bytes", fetched)
	}
}

func TestResolveAndFetchProgressCounts(t *testing.T) {
	content := "jar"
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, content)
	}))
	defer files.Close()

	table := map[[2]int64]ResolvedFile{
		{1, 10}: {ProjectID: 1, FileID: 10, FileName: "a.jar", URL: files.URL + "/a.jar", SHA256: digestOf(content)},
	}
	registry := httptest.NewServer(registryHandler(t, table, nil))
	defer registry.Close()

	var lastDone, lastTotal int
	fetcher := newTestFetcher(registry.URL, 50)
	fetcher.ResolveAndFetch(context.Background(),
		[]archive.ModReference{{ProjectID: 1, FileID: 10, Required: true}}, t.TempDir(),
		func(done, total int) {
			lastDone, lastTotal = done, total
		})

	if lastDone != 1 || lastTotal != 1 {
		t.Errorf("final progress = %d/%d, want 1/1", lastDone, lastTotal)
	}
}
