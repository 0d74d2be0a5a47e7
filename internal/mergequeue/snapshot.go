package mergequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harrison/relay/internal/filelock"
)

// snapshotVersion is bumped when the snapshot layout changes incompatibly.
const snapshotVersion = 1

// Snapshot is the persisted form of a queue.
type Snapshot struct {
	Version   int       `json:"version"`
	Trunk     string    `json:"trunk"`
	Items     []Item    `json:"items"`
	Completed int       `json:"completed"`
	Lossy     int       `json:"lossy"`
	SavedAt   time.Time `json:"saved_at"`
}

// Snapshot returns a copy of the queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, it.clone())
	}
	return Snapshot{
		Version:   snapshotVersion,
		Trunk:     q.cfg.Trunk,
		Items:     items,
		Completed: q.completed,
		Lossy:     q.lossy,
		SavedAt:   q.now(),
	}
}

// Restore replaces the queue contents with snap. Items caught mid-pipeline
// by a crash go back to pending.
func (q *Queue) Restore(snap Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	for i := range snap.Items {
		it := snap.Items[i].clone()
		if it.Status.IsActive() {
			it.Status = StatusPending
		}
		if it.MaxRetries == 0 {
			it.MaxRetries = q.cfg.MaxRetries
		}
		q.items = append(q.items, &it)
	}
	q.completed = snap.Completed
	q.lossy = snap.Lossy
}

// Save writes the queue snapshot to path under a file lock.
func (q *Queue) Save(ctx context.Context, path string) error {
	data, err := json.MarshalIndent(q.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue snapshot: %w", err)
	}
	return filelock.LockAndWrite(ctx, path, data)
}

// LoadSnapshot reads a snapshot written by Save. A missing file yields an
// empty snapshot.
func LoadSnapshot(ctx context.Context, path string) (Snapshot, error) {
	data, err := filelock.ReadLocked(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{Version: snapshotVersion}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse queue snapshot %s: %w", path, err)
	}
	if snap.Version > snapshotVersion {
		return Snapshot{}, fmt.Errorf("queue snapshot %s has version %d, newest supported is %d", path, snap.Version, snapshotVersion)
	}
	return snap, nil
}

// UpdateSnapshot applies fn to the snapshot at path and writes it back,
// holding the lock for the whole read-modify-write.
func UpdateSnapshot(ctx context.Context, path string, fn func(*Snapshot) error) error {
	return filelock.Update(ctx, path, func(current []byte) ([]byte, error) {
		snap := Snapshot{Version: snapshotVersion}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &snap); err != nil {
				return nil, fmt.Errorf("parse queue snapshot %s: %w", path, err)
			}
		}
		if err := fn(&snap); err != nil {
			return nil, err
		}
		snap.SavedAt = time.Now()
		return json.MarshalIndent(snap, "", "  ")
	})
}
