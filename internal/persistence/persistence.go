package persistence

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
)

// SchemaVersion tags the shape of stored snapshot records.
const SchemaVersion = "1.0"

// MaxRetention is the longest expiry window an expiry index can hold.
const MaxRetention = math.MaxInt32 * time.Second

// ValidateRetention accepts zero, meaning snapshots never expire, and
// windows of at least one second up to MaxRetention.
func ValidateRetention(retention time.Duration) error {
	if retention == 0 {
		return nil
	}

	if retention < time.Second || retention > MaxRetention {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("retention must be 0 or between 1s and MaxRetention"))
	}

	return nil
}

type Snapshot struct {
	Id            string    `json:"id"`
	RoomId        string    `json:"roomId"`
	Timestamp     time.Time `json:"timestamp"`
	State         []byte    `json:"state"`
	UpdateCount   uint64    `json:"updateCount"`
	SchemaVersion string    `json:"version"`
}

// Engine is the durable snapshot store. Each operation stands alone; callers
// must not assume any two calls are applied atomically. Implementations must
// be safe for concurrent use across rooms.
type Engine interface {
	// Setup creates the (roomId, timestamp) index and, unless retention is
	// zero, the expiry index. It is idempotent.
	Setup(ctx context.Context) error

	Insert(ctx context.Context, snapshot Snapshot) (Snapshot, error)
	CountByRoom(ctx context.Context, roomId string) (int64, error)
	CountAll(ctx context.Context) (int64, error)

	// OldestIds returns the ids of the n oldest snapshots of a room, oldest first.
	OldestIds(ctx context.Context, roomId string, n int64) ([]string, error)

	// DeleteByIds removes the given snapshots. Unknown ids are ignored.
	DeleteByIds(ctx context.Context, ids []string) error

	// LatestByRoom returns the most recent snapshot of a room, or nil if there is none.
	LatestByRoom(ctx context.Context, roomId string) (*Snapshot, error)

	// ListByRoom returns up to limit snapshots of a room, newest first.
	ListByRoom(ctx context.Context, roomId string, limit int64) ([]Snapshot, error)

	Close(ctx context.Context) error
}
