package aggregator

import (
	"context"
	"fmt"

	"github.com/goevery/snapshot-aggregator/internal/persistence"
	"go.uber.org/zap"
)

func (a *Aggregator) captureSnapshot(ctx context.Context, roomId string) error {
	state, ok := a.table.Get(roomId)
	if !ok {
		return nil
	}

	snapshot, err := a.engine.Insert(ctx, persistence.Snapshot{
		RoomId:        roomId,
		Timestamp:     a.now(),
		State:         state.LatestPayload,
		UpdateCount:   state.UpdateCount,
		SchemaVersion: persistence.SchemaVersion,
	})
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	a.metrics.snapshotsStored.Inc()

	if a.listener != nil {
		a.listener.SnapshotStored(snapshot)
	}

	pruned, err := a.enforceRetention(ctx, roomId)
	if err != nil {
		return fmt.Errorf("enforce retention: %w", err)
	}

	a.logger.Info("snapshot stored",
		zap.String("roomId", roomId),
		zap.String("snapshotId", snapshot.Id),
		zap.Uint64("updateCount", state.UpdateCount),
		zap.Int("pruned", pruned))

	return nil
}

// enforceRetention deletes the oldest snapshots of a room beyond the cap.
// Count, lookup and delete are separate store calls; a concurrent writer on
// the same room can leave the room above the cap until its next tick.
func (a *Aggregator) enforceRetention(ctx context.Context, roomId string) (int, error) {
	count, err := a.engine.CountByRoom(ctx, roomId)
	if err != nil {
		return 0, err
	}

	excess := count - a.config.MaxSnapshotsPerRoom
	if excess <= 0 {
		return 0, nil
	}

	ids, err := a.engine.OldestIds(ctx, roomId, excess)
	if err != nil {
		return 0, err
	}

	err = a.engine.DeleteByIds(ctx, ids)
	if err != nil {
		return 0, err
	}

	a.metrics.snapshotsPruned.Add(float64(len(ids)))

	return len(ids), nil
}
