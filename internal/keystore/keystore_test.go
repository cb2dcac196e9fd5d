package keystore

import (
	"sync"
	"testing"

	"github.com/qkd-kme/kme-sim/internal/keygen"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	sent    int
	removed int
}

func (f *fakeBroadcaster) SendKeys(masterSAEID, slaveSAEID string, keys []keygen.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
}

func (f *fakeBroadcaster) RemoveKeys(masterSAEID, slaveSAEID string, keys []keygen.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
}

func TestAppendAndGetKeys(t *testing.T) {
	bc := &fakeBroadcaster{}
	s := NewStore(bc)

	keys := []keygen.Key{{KeyID: "a"}, {KeyID: "b"}}
	s.AppendKeys("master-1", "slave-1", keys, true)

	got := s.GetKeys("master-1", "slave-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got))
	}
	if bc.sent != 1 {
		t.Fatalf("expected 1 broadcast, got %d", bc.sent)
	}

	// Different pair is isolated.
	if got := s.GetKeys("master-1", "slave-2"); got != nil {
		t.Fatalf("expected nil for unrelated bucket, got %v", got)
	}
}

func TestAppendWithoutBroadcastSkipsBroadcaster(t *testing.T) {
	bc := &fakeBroadcaster{}
	s := NewStore(bc)

	s.AppendKeys("master-1", "slave-1", []keygen.Key{{KeyID: "a"}}, false)
	if bc.sent != 0 {
		t.Fatalf("expected no broadcast when doBroadcast=false, got %d", bc.sent)
	}
}

func TestRemoveKeysIsIdempotentAndDropsEmptyBucket(t *testing.T) {
	bc := &fakeBroadcaster{}
	s := NewStore(bc)

	keys := []keygen.Key{{KeyID: "a"}, {KeyID: "b"}}
	s.AppendKeys("master-1", "slave-1", keys, false)

	s.RemoveKeys("master-1", "slave-1", []keygen.Key{{KeyID: "a"}}, true)
	if got := s.GetKeys("master-1", "slave-1"); len(got) != 1 {
		t.Fatalf("expected 1 key remaining, got %d", len(got))
	}

	s.RemoveKeys("master-1", "slave-1", []keygen.Key{{KeyID: "b"}}, true)
	if got := s.GetKeys("master-1", "slave-1"); got != nil {
		t.Fatalf("expected bucket to be dropped once empty, got %v", got)
	}
	if bc.removed != 2 {
		t.Fatalf("expected 2 remove broadcasts, got %d", bc.removed)
	}

	// Removing an already-absent key, or from an absent bucket, is a no-op.
	s.RemoveKeys("master-1", "slave-1", []keygen.Key{{KeyID: "a"}}, true)
	s.RemoveKeys("no-such-master", "no-such-slave", keys, true)
}

func TestNilBroadcasterIsSafe(t *testing.T) {
	s := NewStore(nil)
	s.AppendKeys("master-1", "slave-1", []keygen.Key{{KeyID: "a"}}, true)
	s.RemoveKeys("master-1", "slave-1", []keygen.Key{{KeyID: "a"}}, true)
}
