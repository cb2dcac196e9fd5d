package bulkpool

import (
	"context"
	"testing"
	"time"
)

func TestRequestPoolThenGetPendingThenFetch(t *testing.T) {
	svc := NewService(NewMemStore(), "KME-1")
	ctx := context.Background()

	req, err := svc.RequestPool(ctx, "sender-1", "receiver-1", 5, true)
	if err != nil {
		t.Fatalf("RequestPool failed: %v", err)
	}
	if req.Count != 5 || len(req.KeyIDs) != 5 || len(req.Keys) != 5 {
		t.Fatalf("unexpected RequestPool result: %+v", req)
	}

	pending, err := svc.GetPending(ctx, "receiver-1", "", 100)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if pending.PendingCount != 5 || len(pending.PendingKeyIDs) != 5 {
		t.Fatalf("unexpected pending result: %+v", pending)
	}

	fetch, err := svc.FetchKeys(ctx, "receiver-1", "", req.KeyIDs[:3])
	if err != nil {
		t.Fatalf("FetchKeys failed: %v", err)
	}
	if fetch.FetchedCount != 3 || len(fetch.MissingKeyIDs) != 0 {
		t.Fatalf("unexpected fetch result: %+v", fetch)
	}

	pending2, err := svc.GetPending(ctx, "receiver-1", "", 100)
	if err != nil {
		t.Fatalf("GetPending (2) failed: %v", err)
	}
	if pending2.PendingCount != 2 {
		t.Fatalf("expected 2 still pending after fetching 3, got %d", pending2.PendingCount)
	}
}

func TestFetchKeysReportsMissing(t *testing.T) {
	svc := NewService(NewMemStore(), "KME-1")
	ctx := context.Background()

	req, err := svc.RequestPool(ctx, "sender-1", "receiver-1", 2, false)
	if err != nil {
		t.Fatalf("RequestPool failed: %v", err)
	}

	fetch, err := svc.FetchKeys(ctx, "receiver-1", "", append(req.KeyIDs, "not-a-real-id"))
	if err != nil {
		t.Fatalf("FetchKeys failed: %v", err)
	}
	if fetch.FetchedCount != 2 {
		t.Fatalf("expected 2 fetched, got %d", fetch.FetchedCount)
	}
	if len(fetch.MissingKeyIDs) != 1 || fetch.MissingKeyIDs[0] != "not-a-real-id" {
		t.Fatalf("unexpected missing IDs: %v", fetch.MissingKeyIDs)
	}
}

func TestRequestPoolValidation(t *testing.T) {
	svc := NewService(NewMemStore(), "KME-1")
	ctx := context.Background()

	if _, err := svc.RequestPool(ctx, "", "receiver-1", 1, false); err == nil {
		t.Fatal("expected error for missing senderId")
	}
	if _, err := svc.RequestPool(ctx, "sender-1", "", 1, false); err == nil {
		t.Fatal("expected error for missing receiverId")
	}
	if _, err := svc.RequestPool(ctx, "sender-1", "receiver-1", 0, false); err == nil {
		t.Fatal("expected error for count < 1")
	}
	if _, err := svc.RequestPool(ctx, "sender-1", "receiver-1", MaxBlocksPerRequest+1, false); err == nil {
		t.Fatal("expected error for count exceeding MaxBlocksPerRequest")
	}
}

func TestServiceWithoutStoreReportsUnavailable(t *testing.T) {
	svc := NewService(nil, "KME-1")
	ctx := context.Background()

	if _, err := svc.RequestPool(ctx, "a", "b", 1, false); err == nil {
		t.Fatal("expected storage-unavailable error with a nil store")
	}
	if _, err := svc.GetPending(ctx, "b", "", 10); err == nil {
		t.Fatal("expected storage-unavailable error with a nil store")
	}

	status := svc.Status(ctx)
	if status.MongoConnected {
		t.Fatal("expected MongoConnected=false with a nil store")
	}
}

func TestRetentionSweepDeletesOldDeliveredBlocks(t *testing.T) {
	store := NewMemStore().(*memStore)
	svc := NewService(store, "KME-1")
	ctx := context.Background()

	old := Block{KeyID: "old-1", ReceiverID: "r", SenderID: "s", DeliveredToReceiver: true, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := Block{KeyID: "fresh-1", ReceiverID: "r", SenderID: "s", DeliveredToReceiver: true, CreatedAt: time.Now()}
	undelivered := Block{KeyID: "pending-1", ReceiverID: "r", SenderID: "s", CreatedAt: time.Now().Add(-48 * time.Hour)}

	if _, err := store.BulkInsert(ctx, []Block{old, fresh, undelivered}); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}

	svc.sweepOnce(ctx, 24*time.Hour)

	if _, ok := store.blocks["old-1"]; ok {
		t.Fatal("expected old delivered block to be swept")
	}
	if _, ok := store.blocks["fresh-1"]; !ok {
		t.Fatal("expected fresh delivered block to survive the sweep")
	}
	if _, ok := store.blocks["pending-1"]; !ok {
		t.Fatal("expected undelivered block to survive the sweep regardless of age")
	}
}
