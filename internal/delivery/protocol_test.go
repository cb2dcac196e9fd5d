package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	kmeconfig "github.com/qkd-kme/kme-sim/internal/config"
	"github.com/qkd-kme/kme-sim/internal/discovery"
	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/keystore"
	"github.com/qkd-kme/kme-sim/internal/pool"
	"github.com/qkd-kme/kme-sim/internal/poolclient"
)

func testService(t *testing.T, maxKeyCount int, acquireTimeout time.Duration) (*Service, *discovery.Scanner) {
	t.Helper()
	svc, _, _, scanner := testServiceWithStore(t, maxKeyCount, acquireTimeout)
	return svc, scanner
}

func testServiceWithStore(t *testing.T, maxKeyCount int, acquireTimeout time.Duration) (*Service, *keystore.Store, *pool.Pool, *discovery.Scanner) {
	t.Helper()
	cfg := &kmeconfig.Config{
		KMEID:             "KME-1",
		AttachedSAEID:     "A",
		DefaultKeySize:    32,
		MinKeySize:        32,
		MaxKeySize:        1024,
		MaxKeyCount:       maxKeyCount,
		MaxKeysPerRequest: 10,
		AcquireTimeout:    acquireTimeout,
	}

	p := pool.NewPool(pool.Config{
		DefaultKeySize:  cfg.DefaultKeySize,
		MaxKeyCount:     maxKeyCount,
		RefillThreshold: 0,
		BatchSize:       1,
		GenInterval:     time.Hour,
		SnapshotPath:    filepath.Join(t.TempDir(), "pool_keys.json"),
	})
	p.AddBatch(maxKeyCount)

	scanner := discovery.NewScanner(nil, nil, time.Second, time.Hour)
	store := keystore.NewStore(nil)
	client := &poolclient.Primary{Pool: p}

	return NewService(cfg, scanner, store, client), store, p, scanner
}

func TestStatusUnknownSlaveReturns400Equivalent(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)
	_, err := svc.Status("unknown-sae")
	if err == nil {
		t.Fatal("expected an error for an undiscovered slave SAE")
	}
	nfe, ok := err.(interface{ StatusCode() int })
	if !ok || nfe.StatusCode() != 400 {
		t.Fatalf("expected status 400, got %v", err)
	}
}

func TestEncKeysBoundsValidation(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)

	if _, err := svc.EncKeys(context.Background(), "B", 0, 256); err == nil {
		t.Fatal("expected error for number=0")
	}
	if _, err := svc.EncKeys(context.Background(), "B", 11, 256); err == nil {
		t.Fatal("expected error for number > MAX_KEYS_PER_REQUEST")
	}
	if _, err := svc.EncKeys(context.Background(), "B", 1, 1024*8+8); err == nil {
		t.Fatal("expected error for size above MAX_KEY_SIZE")
	}
	if _, err := svc.EncKeys(context.Background(), "B", 1, 8); err == nil {
		t.Fatal("expected error for size below MIN_KEY_SIZE")
	}
}

func TestEncKeysDirectModeUsesDefaultPoolSize(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)

	result, err := svc.EncKeys(context.Background(), "B", 1, 256)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(result.Keys))
	}
}

func TestEncKeysNonDefaultSizeBypassesPool(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)

	result, err := svc.EncKeys(context.Background(), "B", 1, 512) // 64 bytes, not DEFAULT_KEY_SIZE=32
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(result.Keys))
	}
	if len(result.Keys[0].Key) == 0 {
		t.Fatal("expected key material to be populated")
	}
}

func TestEncKeysTooManyStoredRejected(t *testing.T) {
	svc, _ := testService(t, 2, time.Second)

	if _, err := svc.EncKeys(context.Background(), "B", 2, 256); err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}
	if _, err := svc.EncKeys(context.Background(), "B", 1, 256); err == nil {
		t.Fatal("expected 'too many keys would be stored' error")
	}
}

func TestEncKeysTimesOutOnEmptyPool(t *testing.T) {
	svc, _ := testService(t, 0, 50*time.Millisecond)
	// The pool has zero capacity; allow the key store to hold a key so the
	// request passes the stored-count check and reaches the pool wait.
	svc.cfg.MaxKeyCount = 1

	start := time.Now()
	_, err := svc.EncKeys(context.Background(), "B", 1, 256)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error against a zero-capacity pool")
	}
	if te, ok := err.(interface{ StatusCode() int }); !ok || te.StatusCode() != 503 {
		t.Fatalf("expected status 503 on pool timeout, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected to time out within ~AcquireTimeout, took %s", elapsed)
	}
}

func TestDecKeysHappyPathThenSecondCallReturns404(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)

	enc, err := svc.EncKeys(context.Background(), "B", 1, 256)
	if err != nil {
		t.Fatalf("enc_keys failed: %v", err)
	}
	keyID := enc.Keys[0].KeyID

	identity := ResolvedSlaveIdentity{SAEID: "B", Resolved: true}
	dec, err := svc.DecKeys(context.Background(), "A", identity, []string{keyID})
	if err != nil {
		t.Fatalf("dec_keys failed: %v", err)
	}
	if len(dec.Keys) != 1 || dec.Keys[0].KeyID != keyID {
		t.Fatalf("unexpected dec_keys result: %+v", dec)
	}
	if dec.PartialContent {
		t.Fatal("expected a full match, not partial content")
	}

	_, err = svc.DecKeys(context.Background(), "A", identity, []string{keyID})
	if err == nil {
		t.Fatal("expected the repeat dec_keys call to fail")
	}
	nfe, ok := err.(interface{ StatusCode() int })
	if !ok || nfe.StatusCode() != 404 {
		t.Fatalf("expected status 404 on replay, got %v", err)
	}
}

func TestDecKeysPartialMatch(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)

	enc, err := svc.EncKeys(context.Background(), "B", 3, 256)
	if err != nil {
		t.Fatalf("enc_keys failed: %v", err)
	}

	identity := ResolvedSlaveIdentity{SAEID: "B", Resolved: true}
	requested := []string{enc.Keys[0].KeyID, enc.Keys[1].KeyID, "fake-id-does-not-exist"}
	dec, err := svc.DecKeys(context.Background(), "A", identity, requested)
	if err != nil {
		t.Fatalf("unexpected error on partial match: %v", err)
	}
	if !dec.PartialContent {
		t.Fatal("expected PartialContent to be true")
	}
	if len(dec.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(dec.Keys))
	}
}

// TestDecKeysPartialMatchConsumesPoolRecoveredKey guards against a replay
// hole on the partial-content path: a key recovered through the shared-pool
// fallback must be consumed on lookup, so repeating the same partial
// request cannot deliver the same key twice.
func TestDecKeysPartialMatchConsumesPoolRecoveredKey(t *testing.T) {
	svc, _, p, _ := testServiceWithStore(t, 10, time.Second)

	// Reserve a key in the pool without it ever reaching a key-store
	// bucket, as happens on the peer KME before the exchange broadcast
	// lands.
	reserved := p.GetKeys(context.Background(), 1, "B", time.Second)
	if len(reserved) != 1 {
		t.Fatalf("expected 1 reserved key, got %d", len(reserved))
	}
	keyID := reserved[0].KeyID

	identity := ResolvedSlaveIdentity{SAEID: "B", Resolved: true}
	requested := []string{keyID, "fake-id-does-not-exist"}
	dec, err := svc.DecKeys(context.Background(), "A", identity, requested)
	if err != nil {
		t.Fatalf("dec_keys failed: %v", err)
	}
	if !dec.PartialContent || len(dec.Keys) != 1 || dec.Keys[0].KeyID != keyID {
		t.Fatalf("unexpected partial result: %+v", dec)
	}

	// The identical request must now find nothing: the delivered key was
	// consumed from the pool's reserved table on recovery.
	_, err = svc.DecKeys(context.Background(), "A", identity, requested)
	if err == nil {
		t.Fatal("expected the repeat partial dec_keys call to fail")
	}
	nfe, ok := err.(interface{ StatusCode() int })
	if !ok || nfe.StatusCode() != 404 {
		t.Fatalf("expected status 404 on replay, got %v", err)
	}
}

// TestDecKeysEmptyRequestReturnsAllStored covers the "give me whatever you
// have" mode: a request with no key IDs defaults to every key stored for
// the SAE pair, and 404s once nothing is left.
func TestDecKeysEmptyRequestReturnsAllStored(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)

	enc, err := svc.EncKeys(context.Background(), "B", 2, 256)
	if err != nil {
		t.Fatalf("enc_keys failed: %v", err)
	}

	identity := ResolvedSlaveIdentity{SAEID: "B", Resolved: true}
	dec, err := svc.DecKeys(context.Background(), "A", identity, nil)
	if err != nil {
		t.Fatalf("dec_keys failed: %v", err)
	}
	if len(dec.Keys) != len(enc.Keys) || dec.PartialContent {
		t.Fatalf("expected a full match over all %d stored keys, got %+v", len(enc.Keys), dec)
	}

	_, err = svc.DecKeys(context.Background(), "A", identity, nil)
	if err == nil {
		t.Fatal("expected 404 once the pair's bucket is empty")
	}
	nfe, ok := err.(interface{ StatusCode() int })
	if !ok || nfe.StatusCode() != 404 {
		t.Fatalf("expected status 404, got %v", err)
	}
}

func TestDecKeysUnresolvedIdentityRejected(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)
	_, err := svc.DecKeys(context.Background(), "A", ResolvedSlaveIdentity{Resolved: false}, []string{"x"})
	if err == nil {
		t.Fatal("expected an error when slave identity cannot be resolved")
	}
}

// TestDecKeysRemovesFromSlaveToMasterBucketToo guards against a bug where
// DecKeys gathered OTP candidates from both the (M,S) and (S,M) buckets but
// only removed matches from (M,S) on a full match, leaving (S,M)-sourced
// keys in the store and allowing them to be redeemed a second time.
func TestDecKeysRemovesFromSlaveToMasterBucketToo(t *testing.T) {
	svc, store, _, _ := testServiceWithStore(t, 10, time.Second)

	key, err := keygen.Generate(32)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	// Simulate a key that was originally issued the other direction
	// (slave "B" as master, "A" as slave) and is now sitting in the
	// (B, A) bucket, as would happen via a replicated enc_keys broadcast.
	store.AppendKeys("B", "A", []keygen.Key{key}, false)

	identity := ResolvedSlaveIdentity{SAEID: "B", Resolved: true}
	dec, err := svc.DecKeys(context.Background(), "A", identity, []string{key.KeyID})
	if err != nil {
		t.Fatalf("dec_keys failed: %v", err)
	}
	if len(dec.Keys) != 1 || dec.Keys[0].KeyID != key.KeyID {
		t.Fatalf("unexpected dec_keys result: %+v", dec)
	}

	if got := store.GetKeys("B", "A"); len(got) != 0 {
		t.Fatalf("expected the (B, A) bucket to be emptied by OTP consumption, got %+v", got)
	}

	if _, err := svc.DecKeys(context.Background(), "A", identity, []string{key.KeyID}); err == nil {
		t.Fatal("expected the repeat dec_keys call to fail with the key already consumed")
	}
}

// TestDecKeysConsumesReservedPoolEntry guards against a replay hole where a
// fully redeemed key stayed in the pool's reserved table and was handed out
// again by the shared-pool by-ID fallback on a repeat dec_keys call.
func TestDecKeysConsumesReservedPoolEntry(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)

	enc, err := svc.EncKeys(context.Background(), "B", 1, 256)
	if err != nil {
		t.Fatalf("enc_keys failed: %v", err)
	}
	keyID := enc.Keys[0].KeyID

	identity := ResolvedSlaveIdentity{SAEID: "B", Resolved: true}
	if _, err := svc.DecKeys(context.Background(), "A", identity, []string{keyID}); err != nil {
		t.Fatalf("dec_keys failed: %v", err)
	}

	// The reserved-table entry must have been consumed along with the OTP
	// removal, so mark_consumed now has nothing left to release.
	if err := svc.MarkConsumed(context.Background(), keyID); err == nil {
		t.Fatal("expected mark_consumed to report the key already gone after dec_keys")
	}
}

func TestMarkConsumedNotFound(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)
	err := svc.MarkConsumed(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestMarkConsumedRemovesReservedKey(t *testing.T) {
	svc, _ := testService(t, 10, time.Second)
	enc, err := svc.EncKeys(context.Background(), "B", 1, 256)
	if err != nil {
		t.Fatalf("enc_keys failed: %v", err)
	}
	if err := svc.MarkConsumed(context.Background(), enc.Keys[0].KeyID); err != nil {
		t.Fatalf("unexpected error marking key consumed: %v", err)
	}
	if err := svc.MarkConsumed(context.Background(), enc.Keys[0].KeyID); err == nil {
		t.Fatal("expected the second mark_consumed to fail (already gone)")
	}
}
