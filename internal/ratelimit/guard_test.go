package ratelimit

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

	"github.com/packsmith/packctl/internal/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, s.err
}

func TestCheckLocalDescriptorAlwaysAllowed(t *testing.T) {
	// Endpoint that would fail any request; a local descriptor must never
	// reach it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("accounting endpoint was called for a local descriptor")
	}))
	defer server.Close()

	guard := NewGuard(server.URL, time.Second, nil, testLogger())
	res, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc", Local: true}, "")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed {
		t.Error("local descriptor should always be allowed")
	}
}

func TestCheckAllowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.PackID != "abc" || req.ClientToken != "client-1" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(Result{Allowed: true, Limit: 10, Remaining: 9})
	}))
	defer server.Close()

	guard := NewGuard(server.URL, time.Second, nil, testLogger())
	res, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "client-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed || res.Remaining != 9 {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckDeniedWithQuotaDetails(t *testing.T) {
	reset := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(Result{Allowed: false, Limit: 10, Remaining: 0, ResetAt: reset, Message: "quota exhausted"})
	}))
	defer server.Close()

	guard := NewGuard(server.URL, time.Second, nil, testLogger())
	res, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "client-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Error("result should be denied")
	}
	if !res.ResetAt.Equal(reset) || res.Message != "quota exhausted" {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckFailsClosedOnTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	guard := NewGuard(server.URL, time.Second, nil, testLogger())
	_, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "client-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Check() error = %v, want ErrRateLimited", err)
	}
}

func TestCheckFailsClosedOnMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json at all {")
	}))
	defer server.Close()

	guard := NewGuard(server.URL, time.Second, nil, testLogger())
	_, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "client-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Check() error = %v, want ErrRateLimited", err)
	}
}

func TestCheckAnonymousWithoutClientToken(t *testing.T) {
	guard := NewGuard("http://unused.invalid", time.Second, nil, testLogger())
	_, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Check() error = %v, want ErrRateLimited", err)
	}
}

func TestCheckBearerTokenOutranksClientToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer id-token" {
			t.Errorf("Authorization = %q, want Bearer id-token", got)
		}
		var req checkRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ClientToken != "" {
			t.Errorf("ClientToken = %q, want empty when authenticated", req.ClientToken)
		}
		json.NewEncoder(w).Encode(Result{Allowed: true, IsAuthenticated: true})
	}))
	defer server.Close()

	guard := NewGuard(server.URL, time.Second, staticTokens{token: "id-token"}, testLogger())
	res, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "client-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.IsAuthenticated {
		t.Error("IsAuthenticated should carry over from the response")
	}
}

func TestCheckResponseWireShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{
			"allowed": false,
			"limit": 10,
			"remaining": 0,
			"resetAt": "2026-09-01T00:00:00Z",
			"isAuthenticated": true,
			"isDiscordMember": true,
			"errorCode": "QUOTA_EXHAUSTED",
			"message": "quota exhausted"
		}`)
	}))
	defer server.Close()

	guard := NewGuard(server.URL, time.Second, nil, testLogger())
	res, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "client-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Error("result should be denied")
	}
	if !res.IsAuthenticated || !res.IsDiscordMember {
		t.Errorf("membership fields not decoded: %+v", res)
	}
	if res.ErrorCode != "QUOTA_EXHAUSTED" {
		t.Errorf("ErrorCode = %q, want QUOTA_EXHAUSTED", res.ErrorCode)
	}
}

func TestCheckIdentityFailureFallsBackToClientToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header should be absent after identity failure")
		}
		var req checkRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ClientToken != "client-1" {
			t.Errorf("ClientToken = %q, want client-1", req.ClientToken)
		}
		json.NewEncoder(w).Encode(Result{Allowed: true})
	}))
	defer server.Close()

	guard := NewGuard(server.URL, time.Second, staticTokens{err: errors.New("provider down")}, testLogger())
	if _, err := guard.Check(context.Background(), &catalog.Descriptor{ID: "abc"}, "client-1"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
}
