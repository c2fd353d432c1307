package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/goevery/snapshot-aggregator/internal/persistence"
	"github.com/goevery/snapshot-aggregator/internal/room"
	"github.com/goevery/snapshot-aggregator/internal/transport"
	"go.uber.org/zap"
)

// SnapshotListener is told about every snapshot written to the store.
type SnapshotListener interface {
	SnapshotStored(snapshot persistence.Snapshot)
}

type Option func(a *Aggregator)

func WithMerge(merge room.MergeFunc) Option {
	return func(a *Aggregator) {
		a.table = room.NewTable(merge)
	}
}

func WithListener(listener SnapshotListener) Option {
	return func(a *Aggregator) {
		a.listener = listener
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator tracks active rooms from the update stream and periodically
// persists the latest payload of each of them.
type Aggregator struct {
	logger     *zap.Logger
	config     Config
	engine     persistence.Engine
	subscriber transport.Subscriber
	table      *room.Table
	listener   SnapshotListener
	metrics    *Metrics
	now        func() time.Time

	mu      sync.Mutex
	timers  map[string]*roomTimer
	stopped bool
}

func New(
	logger *zap.Logger,
	config Config,
	engine persistence.Engine,
	subscriber transport.Subscriber,
	opts ...Option,
) (*Aggregator, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		logger:     logger,
		config:     config,
		engine:     engine,
		subscriber: subscriber,
		table:      room.NewTable(room.Replace),
		metrics:    NewMetrics(),
		now:        time.Now,
		timers:     make(map[string]*roomTimer),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Run consumes notifications until ctx is cancelled. A lost transport
// connection ends Run with an ierr.ErrorCodeTransportUnavailable error.
func (a *Aggregator) Run(ctx context.Context) error {
	if a.subscriber == nil {
		return ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("no subscriber configured"))
	}

	return a.subscriber.Subscribe(ctx, a.HandleNotification)
}

func (a *Aggregator) HandleNotification(ctx context.Context, notification transport.Notification) {
	roomId, err := room.ParseRoomId(notification.Channel)
	if err != nil {
		a.metrics.malformedChannels.Inc()
		a.logger.Warn("channel has no room segment, using default room",
			zap.String("channel", notification.Channel),
			zap.String("roomId", roomId))
	}

	state, isNewRoom := a.table.RecordUpdate(roomId, notification.Payload, a.now())
	a.metrics.notifications.Inc()

	if isNewRoom {
		a.metrics.activeRooms.Set(float64(a.table.Len()))
		a.armTimer(roomId)
	}

	if state.UpdateCount%a.config.LogEvery == 0 {
		a.logger.Info("room updates received",
			zap.String("roomId", roomId),
			zap.Uint64("updateCount", state.UpdateCount))
	}
}

// Shutdown cancels every room timer, waits for in-flight snapshots until ctx
// is done and closes the transport and the store. Calls after the first one
// do nothing.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()

		return nil
	}

	a.stopped = true
	timers := make([]*roomTimer, 0, len(a.timers))
	for _, t := range a.timers {
		timers = append(timers, t)
	}
	a.timers = make(map[string]*roomTimer)
	a.metrics.armedTimers.Set(0)
	a.mu.Unlock()

	a.logger.Info("shutting down", zap.Int("timers", len(timers)))

	for _, t := range timers {
		t.stop()
	}

	for _, t := range timers {
		select {
		case <-t.done:
		case <-ctx.Done():
			a.logger.Warn("snapshot still in flight at shutdown",
				zap.String("roomId", t.roomId))
		}
	}

	var errs []error

	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("shut down")

	return errors.Join(errs...)
}
