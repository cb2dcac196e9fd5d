// Package keystore holds an in-memory directory of delivered keys bucketed
// by (master_sae_id, slave_sae_id) pair, with an optional broadcast side
// effect on every mutation and idempotent removal. A single mutex guards
// the whole directory rather than a lock per bucket: buckets are created
// and destroyed as a side effect of append/remove, so per-bucket locks
// would need their own directory-level lock anyway.
package keystore

import (
	"sync"

	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/obslog"
)

// Broadcaster is the subset of peer replication the key store depends on.
// Defined here (rather than imported from internal/broadcast) so keystore
// has no dependency on the broadcaster's HTTP/peer-list concerns, just the
// two operations it needs to fan out.
type Broadcaster interface {
	SendKeys(masterSAEID, slaveSAEID string, keys []keygen.Key)
	RemoveKeys(masterSAEID, slaveSAEID string, keys []keygen.Key)
}

type bucketKey struct {
	masterSAEID string
	slaveSAEID  string
}

// Store is safe for concurrent use.
type Store struct {
	broadcaster Broadcaster

	mu      sync.Mutex
	buckets map[bucketKey][]keygen.Key
}

// NewStore constructs a Store. broadcaster may be nil, in which case
// AppendKeys/RemoveKeys never attempt a broadcast regardless of the
// doBroadcast argument. Used by tests.
func NewStore(broadcaster Broadcaster) *Store {
	return &Store{
		broadcaster: broadcaster,
		buckets:     make(map[bucketKey][]keygen.Key),
	}
}

// GetKeys returns a copy of the keys currently stored for (masterSAEID,
// slaveSAEID), or nil if the bucket does not exist.
func (s *Store) GetKeys(masterSAEID, slaveSAEID string) []keygen.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[bucketKey{masterSAEID, slaveSAEID}]
	if bucket == nil {
		return nil
	}
	out := make([]keygen.Key, len(bucket))
	copy(out, bucket)
	return out
}

// AppendKeys adds keys to the (masterSAEID, slaveSAEID) bucket, creating it
// if necessary, and broadcasts the addition to peer KMEs unless doBroadcast
// is false (set false when replaying an inbound exchange from a peer, to
// avoid a broadcast echo loop).
func (s *Store) AppendKeys(masterSAEID, slaveSAEID string, keys []keygen.Key, doBroadcast bool) {
	s.mu.Lock()
	bk := bucketKey{masterSAEID, slaveSAEID}
	s.buckets[bk] = append(s.buckets[bk], keys...)
	s.mu.Unlock()

	obslog.Logger().Debug("keystore append", "master_sae_id", masterSAEID, "slave_sae_id", slaveSAEID, "count", len(keys))

	if doBroadcast && s.broadcaster != nil {
		s.broadcaster.SendKeys(masterSAEID, slaveSAEID, keys)
	}
}

// RemoveKeys deletes the given keys (matched by KeyID) from the bucket, if
// present. Removal is idempotent: removing a key_ID that is not in the
// bucket, or removing from a bucket that doesn't exist, is a silent no-op.
// The bucket is dropped once it becomes empty.
func (s *Store) RemoveKeys(masterSAEID, slaveSAEID string, keys []keygen.Key, doBroadcast bool) {
	s.mu.Lock()
	bk := bucketKey{masterSAEID, slaveSAEID}
	bucket, ok := s.buckets[bk]
	if ok {
		remove := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			remove[k.KeyID] = struct{}{}
		}
		kept := bucket[:0]
		for _, existing := range bucket {
			if _, drop := remove[existing.KeyID]; drop {
				continue
			}
			kept = append(kept, existing)
		}
		if len(kept) == 0 {
			delete(s.buckets, bk)
		} else {
			s.buckets[bk] = kept
		}
	}
	s.mu.Unlock()

	obslog.Logger().Debug("keystore remove", "master_sae_id", masterSAEID, "slave_sae_id", slaveSAEID, "count", len(keys))

	if doBroadcast && s.broadcaster != nil {
		s.broadcaster.RemoveKeys(masterSAEID, slaveSAEID, keys)
	}
}
