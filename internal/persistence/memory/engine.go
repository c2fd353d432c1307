package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/persistence"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type record struct {
	seq      uint64
	snapshot persistence.Snapshot
}

// PersistenceEngine keeps snapshots in process memory. Records older than the
// retention window are dropped lazily on every call.
type PersistenceEngine struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	seq       uint64
	records   map[string]record
}

func NewPersistenceEngine(retention time.Duration) *PersistenceEngine {
	return &PersistenceEngine{
		retention: retention,
		now:       time.Now,
		records:   make(map[string]record),
	}
}

// WithClock replaces the clock used for retention expiry.
func (e *PersistenceEngine) WithClock(now func() time.Time) *PersistenceEngine {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.now = now

	return e
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	return nil
}

func (e *PersistenceEngine) Insert(ctx context.Context, snapshot persistence.Snapshot) (persistence.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireLocked()

	snapshot.Id = gonanoid.Must()
	e.seq++
	e.records[snapshot.Id] = record{
		seq:      e.seq,
		snapshot: snapshot,
	}

	return snapshot, nil
}

func (e *PersistenceEngine) CountByRoom(ctx context.Context, roomId string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireLocked()

	return int64(len(e.roomLocked(roomId))), nil
}

func (e *PersistenceEngine) CountAll(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireLocked()

	return int64(len(e.records)), nil
}

func (e *PersistenceEngine) OldestIds(ctx context.Context, roomId string, n int64) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireLocked()

	records := e.roomLocked(roomId)
	sort.Slice(records, func(i, j int) bool {
		return olderThan(records[i], records[j])
	})

	ids := make([]string, 0, n)
	for _, r := range records {
		if int64(len(ids)) >= n {
			break
		}

		ids = append(ids, r.snapshot.Id)
	}

	return ids, nil
}

func (e *PersistenceEngine) DeleteByIds(ctx context.Context, ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		delete(e.records, id)
	}

	return nil
}

func (e *PersistenceEngine) LatestByRoom(ctx context.Context, roomId string) (*persistence.Snapshot, error) {
	snapshots, err := e.ListByRoom(ctx, roomId, 1)
	if err != nil || len(snapshots) == 0 {
		return nil, err
	}

	return &snapshots[0], nil
}

func (e *PersistenceEngine) ListByRoom(ctx context.Context, roomId string, limit int64) ([]persistence.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireLocked()

	records := e.roomLocked(roomId)
	sort.Slice(records, func(i, j int) bool {
		return olderThan(records[j], records[i])
	})

	snapshots := make([]persistence.Snapshot, 0, len(records))
	for _, r := range records {
		if limit > 0 && int64(len(snapshots)) >= limit {
			break
		}

		snapshots = append(snapshots, r.snapshot)
	}

	return snapshots, nil
}

func (e *PersistenceEngine) Close(ctx context.Context) error {
	return nil
}

// IMPORTANT: It must be called only when the lock is already held.
func (e *PersistenceEngine) roomLocked(roomId string) []record {
	var records []record
	for _, r := range e.records {
		if r.snapshot.RoomId == roomId {
			records = append(records, r)
		}
	}

	return records
}

// IMPORTANT: It must be called only when the lock is already held.
func (e *PersistenceEngine) expireLocked() {
	if e.retention <= 0 {
		return
	}

	cutoff := e.now().Add(-e.retention)
	for id, r := range e.records {
		if r.snapshot.Timestamp.Before(cutoff) {
			delete(e.records, id)
		}
	}
}

func olderThan(a record, b record) bool {
	if a.snapshot.Timestamp.Equal(b.snapshot.Timestamp) {
		return a.seq < b.seq
	}

	return a.snapshot.Timestamp.Before(b.snapshot.Timestamp)
}
