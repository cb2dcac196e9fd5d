// Package pool implements the shared key pool: a bounded, mutex- and
// condition-variable-guarded sequence of keys with a side table of
// "reserved" keys handed out to enc_keys but not yet consumed. A single
// mutex guards all state; readers waiting for capacity park on a broadcast
// condition variable so any append wakes every waiter.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/obslog"
)

// Config configures a Pool. All fields are immutable after NewPool.
type Config struct {
	DefaultKeySize  int // bytes
	MaxKeyCount     int
	RefillThreshold int
	BatchSize       int
	GenInterval     time.Duration
	SnapshotPath    string // empty disables persistence
}

// Status is a point-in-time snapshot of pool statistics (key counts, not
// sizes), returned by Status() and surfaced unchanged by the
// peer-replication status routes.
type Status struct {
	PoolSize       int
	Reserved       int
	Capacity       int
	TotalGenerated uint64
	TotalRetrieved uint64
	PerRequester   map[string]uint64
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	keys     []keygen.Key
	reserved map[string]keygen.Key

	totalGenerated uint64
	totalRetrieved uint64
	perRequester   map[string]uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool constructs a Pool, rehydrating from cfg.SnapshotPath if a snapshot
// file is present.
func NewPool(cfg Config) *Pool {
	p := &Pool{
		cfg:          cfg,
		reserved:     make(map[string]keygen.Key),
		perRequester: make(map[string]uint64),
		stopCh:       make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.SnapshotPath != "" {
		if snap, err := loadSnapshot(cfg.SnapshotPath); err != nil {
			obslog.Logger().Warn("pool snapshot not loaded", "path", cfg.SnapshotPath, "error", err)
		} else if snap != nil {
			p.keys = snap.Keys
			p.totalGenerated = snap.TotalGenerated
			p.totalRetrieved = snap.TotalRetrieved
			obslog.Logger().Info("pool snapshot restored", "keys", len(p.keys))
		}
	}
	return p
}

// Stop signals the background refill loop (if running) to exit on its next
// check. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// AddBatch generates up to min(count, capacity-|pool|) fresh keys and
// appends them, waking any waiters. Returns the number actually inserted.
func (p *Pool) AddBatch(count int) int {
	if count <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(count)
}

// addLocked must be called with p.mu held. It returns the number of keys
// inserted and leaves notification/snapshotting to the caller so batched
// callers (StartGeneration) can do a single notify+snapshot per tick.
func (p *Pool) addLocked(count int) int {
	remaining := p.cfg.MaxKeyCount - len(p.keys)
	if remaining <= 0 {
		return 0
	}
	toGenerate := count
	if toGenerate > remaining {
		toGenerate = remaining
	}
	inserted := 0
	for i := 0; i < toGenerate; i++ {
		key, err := keygen.Generate(p.cfg.DefaultKeySize)
		if err != nil {
			obslog.Logger().Error("key generation failed", "error", err)
			break
		}
		p.keys = append(p.keys, key)
		inserted++
	}
	p.totalGenerated += uint64(inserted)
	if inserted > 0 {
		p.cond.Broadcast()
		p.snapshotLocked()
	}
	return inserted
}

// GetKeys returns up to count keys. If remove is true each key is popped
// from the pool and counted as consumed (OTP-style); if false each key is
// moved into the reserved table and a copy is returned, so the same key_ID
// stays discoverable by a peer via GetKeyByID. GetKeys blocks on new
// arrivals until it has collected count keys, timeout elapses, or ctx is
// canceled, at which point it returns whatever partial list it has
// accumulated.
func (p *Pool) GetKeys(ctx context.Context, count int, requesterID string, timeout time.Duration) []keygen.Key {
	return p.getKeys(ctx, count, requesterID, timeout, false)
}

// GetKeysRemove is GetKeys with OTP (remove=true) semantics.
func (p *Pool) GetKeysRemove(ctx context.Context, count int, requesterID string, timeout time.Duration) []keygen.Key {
	return p.getKeys(ctx, count, requesterID, timeout, true)
}

func (p *Pool) getKeys(ctx context.Context, count int, requesterID string, timeout time.Duration, remove bool) []keygen.Key {
	if count <= 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	stopNotify := p.wakeAt(ctx, deadline)
	defer stopNotify()

	var result []keygen.Key
	modified := false

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(result) < count {
		if len(p.keys) > 0 {
			key := p.keys[0]
			p.keys = p.keys[1:]
			modified = true
			if remove {
				result = append(result, key)
			} else {
				p.reserved[key.KeyID] = key
				result = append(result, key)
			}
			p.totalRetrieved++
			p.perRequester[requesterID]++
			continue
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			obslog.Logger().Warn("timed out waiting for keys from pool", "requested", count, "got", len(result))
			break
		}
		p.cond.Wait()
	}

	if modified {
		p.snapshotLocked()
	}
	return result
}

// GetKeyByID searches reserved first, then the pool, for keyID. If remove is
// true and the key is found, it is removed from whichever structure held it
// and statistics are incremented; otherwise a copy is returned and the pool
// is left unchanged.
func (p *Pool) GetKeyByID(keyID, requesterID string, remove bool) (keygen.Key, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key, ok := p.reserved[keyID]; ok {
		if remove {
			delete(p.reserved, keyID)
			p.totalRetrieved++
			p.perRequester[requesterID]++
			p.snapshotLocked()
		}
		return key, true
	}

	for i, key := range p.keys {
		if key.KeyID != keyID {
			continue
		}
		if remove {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			p.totalRetrieved++
			p.perRequester[requesterID]++
			p.snapshotLocked()
		}
		return key, true
	}

	return keygen.Key{}, false
}

// Status returns a snapshot of pool statistics.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	perRequester := make(map[string]uint64, len(p.perRequester))
	for k, v := range p.perRequester {
		perRequester[k] = v
	}
	return Status{
		PoolSize:       len(p.keys),
		Reserved:       len(p.reserved),
		Capacity:       p.cfg.MaxKeyCount,
		TotalGenerated: p.totalGenerated,
		TotalRetrieved: p.totalRetrieved,
		PerRequester:   perRequester,
	}
}

// StartGeneration runs the background refill loop until ctx is canceled or
// Stop is called: whenever the pool drops below RefillThreshold it tops up
// by BatchSize (capped by remaining capacity), then sleeps GenInterval.
func (p *Pool) StartGeneration(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.GenInterval)
	defer ticker.Stop()

	p.refillTick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.refillTick()
		}
	}
}

func (p *Pool) refillTick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) >= p.cfg.RefillThreshold {
		return
	}
	inserted := p.addLocked(p.cfg.BatchSize)
	if inserted > 0 {
		obslog.Logger().Debug("pool refilled", "inserted", inserted, "pool_size", len(p.keys))
	}
}

// snapshotLocked persists the current state to disk. Must be called with
// p.mu held: the snapshot write happens while the lock is held so it can
// never observe a torn state. A write failure is logged and does not fail
// the caller: in-memory state remains authoritative and the next successful
// snapshot reconciles.
func (p *Pool) snapshotLocked() {
	if p.cfg.SnapshotPath == "" {
		return
	}
	snap := poolSnapshot{
		Keys:           p.keys,
		TotalGenerated: p.totalGenerated,
		TotalRetrieved: p.totalRetrieved,
	}
	if err := writeSnapshot(p.cfg.SnapshotPath, snap); err != nil {
		obslog.Logger().Warn("pool snapshot write failed", "path", p.cfg.SnapshotPath, "error", err)
	}
}

// wakeAt arranges for the pool's condition variable to be broadcast when
// deadline passes or ctx is canceled, so a blocked Wait() in getKeys is
// guaranteed to wake up and re-check its own deadline.
func (p *Pool) wakeAt(ctx context.Context, deadline time.Time) func() {
	stop := make(chan struct{})
	go func() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-stop:
			return
		}
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	return func() { close(stop) }
}
