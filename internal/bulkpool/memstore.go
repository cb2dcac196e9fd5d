package bulkpool

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by tests (and available for a KME
// instance run with no MONGODB_URI, trading durability for the ability to
// exercise the rest of the bulk pool without a live database). It
// implements the same query shapes as MongoStore: receiver+delivered
// filtering, sender filtering, and read-then-flip delivery marking.
type memStore struct {
	mu     sync.Mutex
	blocks map[string]Block // keyed by KeyID
}

// NewMemStore constructs an in-memory Store.
func NewMemStore() Store {
	return &memStore{blocks: make(map[string]Block)}
}

func (m *memStore) BulkInsert(ctx context.Context, blocks []Block) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, b := range blocks {
		if _, exists := m.blocks[b.KeyID]; exists {
			continue // unique keyId index equivalent
		}
		m.blocks[b.KeyID] = b
		inserted++
	}
	return inserted, nil
}

func (m *memStore) FindPendingForReceiver(ctx context.Context, receiverID, senderID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []Block
	for _, b := range m.blocks {
		if b.ReceiverID != receiverID || b.DeliveredToReceiver {
			continue
		}
		if senderID != "" && b.SenderID != senderID {
			continue
		}
		matches = append(matches, b)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	if len(matches) > limit {
		matches = matches[:limit]
	}

	ids := make([]string, len(matches))
	for i, b := range matches {
		ids[i] = b.KeyID
	}
	return ids, nil
}

func (m *memStore) CountPending(ctx context.Context, receiverID, senderID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, b := range m.blocks {
		if b.ReceiverID != receiverID || b.DeliveredToReceiver {
			continue
		}
		if senderID != "" && b.SenderID != senderID {
			continue
		}
		count++
	}
	return count, nil
}

func (m *memStore) FetchByIDs(ctx context.Context, receiverID string, keyIDs []string, senderID string) ([]Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []Block
	for _, id := range keyIDs {
		b, ok := m.blocks[id]
		if !ok || b.ReceiverID != receiverID {
			continue
		}
		if senderID != "" && b.SenderID != senderID {
			continue
		}
		found = append(found, b)
	}
	for _, b := range found {
		b.DeliveredToReceiver = true
		m.blocks[b.KeyID] = b
	}
	return found, nil
}

func (m *memStore) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, b := range m.blocks {
		if b.DeliveredToReceiver && b.CreatedAt.Before(cutoff) {
			delete(m.blocks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
