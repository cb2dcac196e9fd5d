package poolclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/qkd-kme/kme-sim/internal/pool"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.NewPool(pool.Config{
		DefaultKeySize:  32,
		MaxKeyCount:     10,
		RefillThreshold: 0,
		BatchSize:       1,
		GenInterval:     time.Hour,
		SnapshotPath:    filepath.Join(t.TempDir(), "pool_keys.json"),
	})
	p.AddBatch(5)
	return p
}

func TestPrimaryDelegatesToPool(t *testing.T) {
	p := newTestPool(t)
	client := &Primary{Pool: p}

	keys, err := client.GetKeys(context.Background(), 2, "slave-1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	key, found, err := client.GetKeyByID(context.Background(), keys[0].KeyID, "peer", true)
	if err != nil || !found {
		t.Fatalf("expected to find reserved key, found=%v err=%v", found, err)
	}
	if key.KeyID != keys[0].KeyID {
		t.Fatalf("key ID mismatch")
	}
}

func TestSecondaryGetKeysCallsPrimaryOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/internal/get_shared_key" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req getSharedKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Count != 3 {
			t.Fatalf("expected count 3, got %d", req.Count)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(getSharedKeyResponse{Keys: nil})
	}))
	defer srv.Close()

	client := NewSecondary(srv.URL, srv.Client(), time.Second)
	keys, err := client.GetKeys(context.Background(), 3, "slave-1", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys from stub primary, got %d", len(keys))
	}
}

func TestSecondaryGetKeyByIDPropagatesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(getReservedKeyResponse{Found: false})
	}))
	defer srv.Close()

	client := NewSecondary(srv.URL, srv.Client(), time.Second)
	_, found, err := client.GetKeyByID(context.Background(), "unknown-id", "slave-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
}

func TestSecondaryPropagatesPrimaryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewSecondary(srv.URL, srv.Client(), time.Second)
	_, err := client.GetKeys(context.Background(), 1, "slave-1", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error from a failing primary")
	}
}
