// Package ratelimit gates archive downloads on the download-accounting
// endpoint. The guard fails closed: if the endpoint cannot be reached or its
// answer cannot be decoded, the download is denied.
package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/packsmith/packctl/internal/catalog"
	"github.com/packsmith/packctl/internal/safety"
)

// ErrRateLimited marks a denied download, whether by quota or by a failed
// accounting check.
var ErrRateLimited = errors.New("download not permitted by rate guard")

// maxCheckResponseBytes bounds the accounting response body.
const maxCheckResponseBytes = 1 << 20

// Result is the accounting endpoint's verdict for one download attempt.
type Result struct {
	Allowed         bool      `json:"allowed"`
	Limit           int       `json:"limit"`
	Remaining       int       `json:"remaining"`
	ResetAt         time.Time `json:"resetAt"`
	IsAuthenticated bool      `json:"isAuthenticated"`
	IsDiscordMember bool      `json:"isDiscordMember"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	Message         string    `json:"message"`
}

// TokenSource supplies an authenticated bearer token from the identity
// provider. An authenticated identity outranks the anonymous client token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Guard performs one accounting check per download attempt.
type Guard struct {
	endpoint   string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewGuard creates a guard for the accounting endpoint. tokens may be nil
// for anonymous-only operation.
func NewGuard(endpoint string, timeout time.Duration, tokens TokenSource, logger *slog.Logger) *Guard {
	return &Guard{
		endpoint:   endpoint,
		httpClient: safety.NewHTTPClient(timeout),
		tokens:     tokens,
		logger:     logger,
	}
}

type checkRequest struct {
	PackID      string `json:"packId"`
	ClientToken string `json:"clientToken,omitempty"`
}

// Check asks the accounting endpoint whether the pack may be downloaded.
// Local descriptors always pass without a network call. A non-nil error
// always wraps ErrRateLimited and means the download must not proceed; a nil
// error with Allowed=false carries the quota details for the user.
func (g *Guard) Check(ctx context.Context, desc *catalog.Descriptor, clientToken string) (*Result, error) {
	if desc.Local {
		return &Result{Allowed: true}, nil
	}

	bearer := g.bearerToken(ctx)
	if bearer == "" && clientToken == "" {
		return nil, fmt.Errorf("%w: anonymous download requires a client token", ErrRateLimited)
	}

	req, err := g.buildRequest(ctx, desc.ID, bearer, clientToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: accounting endpoint unreachable: %w", ErrRateLimited, err)
	}
	defer resp.Body.Close()

	// 429 still carries a decodable body with quota details.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: accounting endpoint returned HTTP %d", ErrRateLimited, resp.StatusCode)
	}

	raw, err := safety.ReadAllWithLimit(resp.Body, maxCheckResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrRateLimited, err)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrRateLimited, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		result.Allowed = false
	}

	if !result.Allowed {
		g.logger.Warn("download denied by rate guard",
			"pack", desc.ID, "code", result.ErrorCode, "remaining", result.Remaining, "resetAt", result.ResetAt)
	}
	return &result, nil
}

// bearerToken fetches an identity token, tolerating failure: an unreachable
// identity provider degrades to the anonymous client token rather than
// blocking the check outright.
func (g *Guard) bearerToken(ctx context.Context) string {
	if g.tokens == nil {
		return ""
	}
	token, err := g.tokens.Token(ctx)
	if err != nil {
		g.logger.Warn("identity token unavailable, falling back to client token", "error", err)
		return ""
	}
	return token
}

func (g *Guard) buildRequest(ctx context.Context, packID, bearer, clientToken string) (*http.Request, error) {
	body := checkRequest{PackID: packID}
	if bearer == "" {
		body.ClientToken = clientToken
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}
