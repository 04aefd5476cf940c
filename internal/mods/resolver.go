// Package mods resolves (project, file) mod references to direct download
// URLs via the registry proxy and fetches the files, tracking per-reference
// failures without aborting the batch.
package mods

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/packsmith/packctl/internal/archive"
	"github.com/packsmith/packctl/internal/safety"
)

// maxResolveResponseBytes bounds a single batch response body.
const maxResolveResponseBytes = 8 << 20

// ResolvedFile is the registry proxy's answer for one reference.
type ResolvedFile struct {
	ProjectID int64  `json:"projectId"`
	FileID    int64  `json:"fileId"`
	FileName  string `json:"fileName"`
	URL       string `json:"downloadUrl"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"fileSize"`
}

// FailedReference records one mod reference that could not be resolved or
// fetched. The surrounding operation carries on past it.
type FailedReference struct {
	ProjectID int64
	FileID    int64
	FileName  string
	Required  bool
	Err       error
}

func (f FailedReference) String() string {
	name := f.FileName
	if name == "" {
		name = fmt.Sprintf("project %d file %d", f.ProjectID, f.FileID)
	}
	return fmt.Sprintf("%s: %v", name, f.Err)
}

type resolveRequest struct {
	Files []resolveRequestFile `json:"files"`
}

type resolveRequestFile struct {
	ProjectID int64 `json:"projectId"`
	FileID    int64 `json:"fileId"`
}

type resolveResponse struct {
	Files []ResolvedFile `json:"files"`
}

// Resolver batches reference lookups against the registry proxy.
type Resolver struct {
	endpoint   string
	httpClient *http.Client
	batchSize  int
	logger     *slog.Logger
}

// NewResolver creates a resolver for the given registry proxy endpoint.
// batchSize caps the number of references per request.
func NewResolver(endpoint string, batchSize int, timeout time.Duration, logger *slog.Logger) *Resolver {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Resolver{
		endpoint:   endpoint,
		httpClient: safety.NewHTTPClient(timeout),
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Resolve maps references to direct download URLs. References the registry
// cannot answer, and whole batches that fail in transit, come back as
// FailedReferences; remaining batches are still attempted.
func (r *Resolver) Resolve(ctx context.Context, refs []archive.ModReference) ([]ResolvedFile, []FailedReference) {
	var resolved []ResolvedFile
	var failed []FailedReference

	for start := 0; start < len(refs); start += r.batchSize {
		end := start + r.batchSize
		if end > len(refs) {
			end = len(refs)
		}
		batch := refs[start:end]

		files, err := r.resolveBatch(ctx, batch)
		if err != nil {
			r.logger.Error("batch resolve failed", "size", len(batch), "error", err)
			for _, ref := range batch {
				failed = append(failed, FailedReference{
					ProjectID: ref.ProjectID,
					FileID:    ref.FileID,
					Required:  ref.Required,
					Err:       err,
				})
			}
			continue
		}

		byKey := make(map[[2]int64]ResolvedFile, len(files))
		for _, f := range files {
			byKey[[2]int64{f.ProjectID, f.FileID}] = f
		}
		for _, ref := range batch {
			f, ok := byKey[[2]int64{ref.ProjectID, ref.FileID}]
			if !ok {
				failed = append(failed, FailedReference{
					ProjectID: ref.ProjectID,
					FileID:    ref.FileID,
					Required:  ref.Required,
					Err:       fmt.Errorf("registry returned no file for project %d file %d", ref.ProjectID, ref.FileID),
				})
				continue
			}
			resolved = append(resolved, f)
		}
	}

	return resolved, failed
}

func (r *Resolver) resolveBatch(ctx context.Context, batch []archive.ModReference) ([]ResolvedFile, error) {
	reqBody := resolveRequest{Files: make([]resolveRequestFile, 0, len(batch))}
	for _, ref := range batch {
		reqBody.Files = append(reqBody.Files, resolveRequestFile{ProjectID: ref.ProjectID, FileID: ref.FileID})
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	raw, err := safety.ReadAllWithLimit(resp.Body, maxResolveResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out resolveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Files, nil
}
