package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/qkd-kme/kme-sim/internal/keygen"
)

// poolSnapshot is the on-disk shape of a persisted pool.
type poolSnapshot struct {
	Keys           []keygen.Key `json:"keys"`
	TotalGenerated uint64       `json:"total_generated"`
	TotalRetrieved uint64       `json:"total_retrieved"`
	SavedAt        time.Time    `json:"saved_at"`
}

const lockRetryInterval = 50 * time.Millisecond

// writeSnapshot persists snap to path, guarded by a sibling .lock file and
// written via temp-file-then-rename so a reader never observes a partial
// write.
func writeSnapshot(path string, snap poolSnapshot) error {
	snap.SavedAt = timeNow()

	lock, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pool snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// loadSnapshot reads a previously written snapshot. A missing file is not an
// error: it returns (nil, nil) so NewPool starts from an empty pool.
func loadSnapshot(path string) (*poolSnapshot, error) {
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pool snapshot: %w", err)
	}
	var snap poolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse pool snapshot: %w", err)
	}
	return &snap, nil
}

// acquireLock takes an exclusive, process-external lock on path+".lock" so
// two kmed processes sharing a snapshot directory never interleave writes.
func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path + ".lock")
	deadline := timeNow().Add(5 * time.Second)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire pool snapshot lock: %w", err)
		}
		if ok {
			return lock, nil
		}
		if timeNow().After(deadline) {
			return nil, fmt.Errorf("acquire pool snapshot lock: timed out")
		}
		time.Sleep(lockRetryInterval)
	}
}

// timeNow is a var indirection so tests can be deterministic about
// SavedAt without reaching for a clock interface this package doesn't
// otherwise need.
var timeNow = time.Now
