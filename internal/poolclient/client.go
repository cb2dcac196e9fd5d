// Package poolclient is a uniform facade over the shared key pool that
// hides whether this KME instance owns the pool directly ("primary") or
// must fetch from the KME that does ("secondary", delegating over the
// /api/v1/internal/get_shared_key and /api/v1/internal/get_reserved_key
// routes).
package poolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/pool"
)

// Client is the interface the delivery protocol depends on; it is satisfied
// by both *Primary and *Secondary so the HTTP handlers never need to know
// which role this KME instance plays.
type Client interface {
	// GetKeys returns up to count keys for requesterID, reserving (not
	// removing) each one so it can later be confirmed via GetKeyByID.
	GetKeys(ctx context.Context, count int, requesterID string, timeout time.Duration) ([]keygen.Key, error)
	// GetKeyByID resolves a single key_ID, optionally consuming it.
	GetKeyByID(ctx context.Context, keyID, requesterID string, remove bool) (keygen.Key, bool, error)
}

// Primary serves pool requests directly from an in-process *pool.Pool. It is
// used when this KME instance is ATTACHED_SAE_ID's own key generator.
type Primary struct {
	Pool *pool.Pool
}

func (p *Primary) GetKeys(ctx context.Context, count int, requesterID string, timeout time.Duration) ([]keygen.Key, error) {
	return p.Pool.GetKeys(ctx, count, requesterID, timeout), nil
}

func (p *Primary) GetKeyByID(ctx context.Context, keyID, requesterID string, remove bool) (keygen.Key, bool, error) {
	key, ok := p.Pool.GetKeyByID(keyID, requesterID, remove)
	return key, ok, nil
}

// Secondary delegates pool requests over HTTP to the KME that owns the
// pool. A single HTTP client with NetworkTimeout-bounded requests is shared
// across calls.
type Secondary struct {
	PrimaryBaseURL string
	HTTPClient     *http.Client
	NetworkTimeout time.Duration
}

// NewSecondary builds a Secondary pointed at a primary KME's base URL
// (scheme + host, no trailing slash), using httpClient if non-nil or a
// sensible default otherwise.
func NewSecondary(primaryBaseURL string, httpClient *http.Client, networkTimeout time.Duration) *Secondary {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Secondary{PrimaryBaseURL: primaryBaseURL, HTTPClient: httpClient, NetworkTimeout: networkTimeout}
}

type getSharedKeyRequest struct {
	Count       int    `json:"count"`
	RequesterID string `json:"requester_id"`
	TimeoutSec  float64 `json:"timeout_sec"`
}

type getSharedKeyResponse struct {
	Keys []keygen.Key `json:"keys"`
}

func (s *Secondary) GetKeys(ctx context.Context, count int, requesterID string, timeout time.Duration) ([]keygen.Key, error) {
	body, err := json.Marshal(getSharedKeyRequest{Count: count, RequesterID: requesterID, TimeoutSec: timeout.Seconds()})
	if err != nil {
		return nil, fmt.Errorf("marshal get_shared_key request: %w", err)
	}

	// The HTTP call itself must not be bounded tighter than the caller's
	// requested wait, plus headroom for network latency.
	callCtx, cancel := context.WithTimeout(ctx, timeout+s.NetworkTimeout)
	defer cancel()

	var resp getSharedKeyResponse
	if err := s.post(callCtx, "/api/v1/internal/get_shared_key", body, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

type getReservedKeyRequest struct {
	KeyID       string `json:"key_ID"`
	RequesterID string `json:"requester_id"`
	Remove      bool   `json:"remove"`
}

type getReservedKeyResponse struct {
	Key   *keygen.Key `json:"key"`
	Found bool        `json:"found"`
}

func (s *Secondary) GetKeyByID(ctx context.Context, keyID, requesterID string, remove bool) (keygen.Key, bool, error) {
	body, err := json.Marshal(getReservedKeyRequest{KeyID: keyID, RequesterID: requesterID, Remove: remove})
	if err != nil {
		return keygen.Key{}, false, fmt.Errorf("marshal get_reserved_key request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.NetworkTimeout)
	defer cancel()

	var resp getReservedKeyResponse
	if err := s.post(callCtx, "/api/v1/internal/get_reserved_key", body, &resp); err != nil {
		return keygen.Key{}, false, err
	}
	if !resp.Found || resp.Key == nil {
		return keygen.Key{}, false, nil
	}
	return *resp.Key, true, nil
}

func (s *Secondary) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.PrimaryBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request to primary KME: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to primary KME %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("primary KME %s returned %d: %s", path, resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode primary KME %s response: %w", path, err)
	}
	return nil
}

// GenerateOneOff synthesizes a single key directly via keygen, bypassing the
// pool entirely. Used when a request's key size does not match the pool's
// DEFAULT_KEY_SIZE: rather than special-casing non-default sizes inside the
// shared pool, a throwaway key of the right size is minted on the spot.
func GenerateOneOff(sizeBytes int) (keygen.Key, error) {
	return keygen.Generate(sizeBytes)
}
