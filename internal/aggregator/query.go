package aggregator

import (
	"context"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/persistence"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 5
	MaxListLimit     = 100
)

type RoomStats struct {
	Updates    uint64    `json:"updates"`
	LastUpdate time.Time `json:"lastUpdate"`
	Snapshots  int64     `json:"snapshots"`
}

type Stats struct {
	ActiveRooms    int                  `json:"activeRooms"`
	Rooms          map[string]RoomStats `json:"rooms"`
	TotalSnapshots int64                `json:"totalSnapshots"`
	// Degraded is set when some store counts could not be read.
	Degraded bool `json:"degraded,omitempty"`
}

// RestoreLatest returns the state of the most recent snapshot of a room.
// The boolean is false when the room has no snapshot.
func (a *Aggregator) RestoreLatest(ctx context.Context, roomId string) ([]byte, bool, error) {
	snapshot, err := a.engine.LatestByRoom(ctx, roomId)
	if err != nil {
		a.logger.Error("failed to restore snapshot",
			zap.String("roomId", roomId),
			zap.Error(err))

		return nil, false, err
	}

	if snapshot == nil {
		a.logger.Info("no snapshot found",
			zap.String("roomId", roomId))

		return nil, false, nil
	}

	a.logger.Info("restored snapshot",
		zap.String("roomId", roomId),
		zap.Time("timestamp", snapshot.Timestamp))

	return snapshot.State, true, nil
}

// ListSnapshots returns up to limit snapshots of a room, newest first.
func (a *Aggregator) ListSnapshots(ctx context.Context, roomId string, limit int64) ([]persistence.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	snapshots, err := a.engine.ListByRoom(ctx, roomId, limit)
	if err != nil {
		a.logger.Error("failed to list snapshots",
			zap.String("roomId", roomId),
			zap.Error(err))

		return nil, err
	}

	return snapshots, nil
}

// GetStats reports every active room with its stored snapshot count. The
// store is queried once per room.
func (a *Aggregator) GetStats(ctx context.Context) Stats {
	states := a.table.Snapshot()

	stats := Stats{
		ActiveRooms: len(states),
		Rooms:       make(map[string]RoomStats, len(states)),
	}

	total, err := a.engine.CountAll(ctx)
	if err != nil {
		stats.Degraded = true
		a.logger.Error("failed to count snapshots", zap.Error(err))
	}
	stats.TotalSnapshots = total

	for _, state := range states {
		count, err := a.engine.CountByRoom(ctx, state.RoomId)
		if err != nil {
			stats.Degraded = true
			a.logger.Error("failed to count room snapshots",
				zap.String("roomId", state.RoomId),
				zap.Error(err))
		}

		stats.Rooms[state.RoomId] = RoomStats{
			Updates:    state.UpdateCount,
			LastUpdate: state.LastUpdateAt,
			Snapshots:  count,
		}
	}

	return stats
}
