package bulkpool

import (
	"context"
	"fmt"
	"time"

	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/kmeerr"
	"github.com/qkd-kme/kme-sim/internal/obslog"
)

// RequestResult is the response to a request_key_pool call.
type RequestResult struct {
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	Count          int          `json:"count"`
	KeyIDs         []string     `json:"keyIds"`
	BlockSizeBytes int          `json:"blockSizeBytes"`
	Keys           []BlockKey   `json:"keys,omitempty"`
}

// BlockKey is the sender-facing view of a freshly minted block, returned
// only when includeKeys is requested.
type BlockKey struct {
	KeyID      string `json:"keyId"`
	KeyData    string `json:"keyData"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// PendingResult is the response to get_pending_keys.
type PendingResult struct {
	ReceiverID    string   `json:"receiverId"`
	SenderID      string   `json:"senderId,omitempty"`
	PendingCount  int64    `json:"pendingCount"`
	PendingKeyIDs []string `json:"pendingKeyIds"`
}

// FetchResult is the response to fetch_keys.
type FetchResult struct {
	ReceiverID    string     `json:"receiverId"`
	Keys          []BlockKey `json:"keys"`
	FetchedCount  int        `json:"fetchedCount"`
	MissingKeyIDs []string   `json:"missingKeyIds"`
}

// StatusResult is the response to get_pool_status.
type StatusResult struct {
	MongoConnected      bool   `json:"mongoConnected"`
	KMEID               string `json:"kmeId"`
	BlockSizeBytes      int    `json:"blockSizeBytes"`
	MaxBlocksPerRequest int    `json:"maxBlocksPerRequest"`
}

// Service implements the bulk pool operations over a Store. store may be
// nil, in which case every operation but Status reports storage
// unavailable.
type Service struct {
	store Store
	kmeID string
}

// NewService constructs a bulk-pool Service. cmd/kmed passes an in-memory
// store (NewMemStore) when no MONGODB_URI is configured.
func NewService(store Store, kmeID string) *Service {
	return &Service{store: store, kmeID: kmeID}
}

// RequestPool implements request_key_pool: generates count fresh 1 KiB
// blocks for (senderID, receiverID) and persists them.
func (s *Service) RequestPool(ctx context.Context, senderID, receiverID string, count int, includeKeys bool) (RequestResult, error) {
	if s.store == nil {
		return RequestResult{}, kmeerr.NewStorageUnavailable("MongoDB not available. Set MONGODB_URI environment variable.")
	}
	if senderID == "" {
		return RequestResult{}, kmeerr.NewValidation("Missing senderId")
	}
	if receiverID == "" {
		return RequestResult{}, kmeerr.NewValidation("Missing receiverId")
	}
	if count < 1 {
		return RequestResult{}, kmeerr.NewValidation("count must be a positive integer")
	}
	if count > MaxBlocksPerRequest {
		return RequestResult{}, kmeerr.NewValidation("count exceeds maximum allowed (%d)", MaxBlocksPerRequest)
	}

	createdAt := time.Now()
	blocks := make([]Block, count)
	keyIDs := make([]string, count)
	for i := 0; i < count; i++ {
		key, err := keygen.Generate(BlockSizeBytes)
		if err != nil {
			return RequestResult{}, fmt.Errorf("generate key block: %w", err)
		}
		blocks[i] = Block{
			KeyID:      key.KeyID,
			SenderID:   senderID,
			ReceiverID: receiverID,
			KeyData:    key.Key,
			CreatedAt:  createdAt,
		}
		keyIDs[i] = key.KeyID
	}

	inserted, err := s.store.BulkInsert(ctx, blocks)
	if err != nil {
		return RequestResult{}, kmeerr.NewStorageUnavailable("bulk insert failed: %v", err)
	}
	if inserted != count {
		obslog.Logger().Warn("bulk pool insert count mismatch", "requested", count, "inserted", inserted)
	}

	result := RequestResult{
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Count:          inserted,
		KeyIDs:         keyIDs[:inserted],
		BlockSizeBytes: BlockSizeBytes,
	}
	if includeKeys {
		result.Keys = make([]BlockKey, inserted)
		for i, b := range blocks[:inserted] {
			result.Keys[i] = BlockKey{KeyID: b.KeyID, KeyData: b.KeyData, SenderID: senderID, ReceiverID: receiverID}
		}
	}
	obslog.Logger().Info("bulk pool request fulfilled", "sender_id", senderID, "receiver_id", receiverID, "count", inserted)
	return result, nil
}

// GetPending implements get_pending_keys.
func (s *Service) GetPending(ctx context.Context, receiverID, senderID string, limit int) (PendingResult, error) {
	if s.store == nil {
		return PendingResult{}, kmeerr.NewStorageUnavailable("MongoDB not available")
	}
	if receiverID == "" {
		return PendingResult{}, kmeerr.NewValidation("Missing receiverId query parameter")
	}
	if limit < 1 || limit > 10000 {
		limit = 1000
	}

	ids, err := s.store.FindPendingForReceiver(ctx, receiverID, senderID, limit)
	if err != nil {
		return PendingResult{}, kmeerr.NewStorageUnavailable("find pending failed: %v", err)
	}
	total, err := s.store.CountPending(ctx, receiverID, senderID)
	if err != nil {
		return PendingResult{}, kmeerr.NewStorageUnavailable("count pending failed: %v", err)
	}

	return PendingResult{
		ReceiverID:    receiverID,
		SenderID:      senderID,
		PendingCount:  total,
		PendingKeyIDs: ids,
	}, nil
}

// FetchKeys implements fetch_keys: retrieves and marks delivered.
func (s *Service) FetchKeys(ctx context.Context, receiverID, senderID string, keyIDs []string) (FetchResult, error) {
	if s.store == nil {
		return FetchResult{}, kmeerr.NewStorageUnavailable("MongoDB not available")
	}
	if receiverID == "" {
		return FetchResult{}, kmeerr.NewValidation("Missing receiverId")
	}
	if len(keyIDs) == 0 {
		return FetchResult{}, kmeerr.NewValidation("keyIds must be a non-empty array")
	}
	if len(keyIDs) > MaxBlocksPerRequest {
		return FetchResult{}, kmeerr.NewValidation("Too many keyIds (max %d)", MaxBlocksPerRequest)
	}

	fetched, err := s.store.FetchByIDs(ctx, receiverID, keyIDs, senderID)
	if err != nil {
		return FetchResult{}, kmeerr.NewStorageUnavailable("fetch failed: %v", err)
	}

	fetchedIDs := make(map[string]struct{}, len(fetched))
	keys := make([]BlockKey, len(fetched))
	for i, b := range fetched {
		keys[i] = BlockKey{KeyID: b.KeyID, KeyData: b.KeyData, SenderID: b.SenderID}
		fetchedIDs[b.KeyID] = struct{}{}
	}

	var missing []string
	for _, id := range keyIDs {
		if _, ok := fetchedIDs[id]; !ok {
			missing = append(missing, id)
		}
	}

	obslog.Logger().Info("bulk pool fetch", "receiver_id", receiverID, "fetched", len(fetched), "missing", len(missing))
	return FetchResult{ReceiverID: receiverID, Keys: keys, FetchedCount: len(fetched), MissingKeyIDs: missing}, nil
}

// Status implements get_pool_status.
func (s *Service) Status(ctx context.Context) StatusResult {
	connected := false
	if s.store != nil {
		connected = s.store.Ping(ctx) == nil
	}
	return StatusResult{
		MongoConnected:      connected,
		KMEID:               s.kmeID,
		BlockSizeBytes:      BlockSizeBytes,
		MaxBlocksPerRequest: MaxBlocksPerRequest,
	}
}

// RunRetentionSweep deletes delivered blocks older than retention on every
// interval tick, until ctx is canceled. Deletion only ever touches blocks
// whose delivered flag is already true, so the flag's false-to-true
// monotonicity is unaffected; a failed sweep is retried on the next tick.
func (s *Service) RunRetentionSweep(ctx context.Context, retention, interval time.Duration) {
	if s.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, retention)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	deleted, err := s.store.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		obslog.Logger().Warn("bulk pool retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		obslog.Logger().Info("bulk pool retention sweep", "deleted", deleted, "cutoff", cutoff)
	}
}
