package aggregator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type roomTimer struct {
	roomId   string
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newRoomTimer(roomId string) *roomTimer {
	return &roomTimer{
		roomId: roomId,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *roomTimer) stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

func (t *roomTimer) stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// armTimer starts the recurring snapshot timer of a room, replacing any timer
// the room already has.
func (a *Aggregator) armTimer(roomId string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}

	if existing, ok := a.timers[roomId]; ok {
		existing.stop()
	}

	t := newRoomTimer(roomId)
	a.timers[roomId] = t
	a.metrics.armedTimers.Set(float64(len(a.timers)))

	go a.runTimer(t)
}

func (a *Aggregator) runTimer(t *roomTimer) {
	defer close(t.done)

	ticker := time.NewTicker(a.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if t.stopped() {
				return
			}

			// an idle room is only dropped once its state is stored
			if a.tick(t.roomId) && a.evictIfIdle(t) {
				return
			}
		}
	}
}

// tick captures one snapshot of the room and reports whether it succeeded.
func (a *Aggregator) tick(roomId string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.StoreTimeout)
	defer cancel()

	err := a.captureSnapshot(ctx, roomId)
	if err != nil {
		a.metrics.snapshotFailures.Inc()
		a.logger.Error("failed to store snapshot",
			zap.String("roomId", roomId),
			zap.Error(err))

		return false
	}

	return true
}

func (a *Aggregator) evictIfIdle(t *roomTimer) bool {
	if a.config.RoomIdleTimeout <= 0 {
		return false
	}

	cutoff := a.now().Add(-a.config.RoomIdleTimeout)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.table.EvictIfIdle(t.roomId, cutoff) {
		return false
	}

	t.stop()
	if a.timers[t.roomId] == t {
		delete(a.timers, t.roomId)
	}

	a.metrics.roomsEvicted.Inc()
	a.metrics.activeRooms.Set(float64(a.table.Len()))
	a.metrics.armedTimers.Set(float64(len(a.timers)))

	a.logger.Info("room idle, evicted",
		zap.String("roomId", t.roomId),
		zap.Duration("idleTimeout", a.config.RoomIdleTimeout))

	return true
}

func (a *Aggregator) timerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.timers)
}
