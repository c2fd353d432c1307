package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/goevery/snapshot-aggregator/internal/persistence"
	"github.com/goevery/snapshot-aggregator/internal/persistence/memory"
	"github.com/goevery/snapshot-aggregator/internal/room"
	"github.com/goevery/snapshot-aggregator/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now
}

// faultyEngine fails every call made for the rooms listed in failingRooms.
type faultyEngine struct {
	*memory.PersistenceEngine

	failingRooms map[string]bool
}

func (e *faultyEngine) Insert(ctx context.Context, snapshot persistence.Snapshot) (persistence.Snapshot, error) {
	if e.failingRooms[snapshot.RoomId] {
		return persistence.Snapshot{}, ierr.New(ierr.ErrorCodeStoreUnavailable, errors.New("connection refused"))
	}

	return e.PersistenceEngine.Insert(ctx, snapshot)
}

func (e *faultyEngine) CountByRoom(ctx context.Context, roomId string) (int64, error) {
	if e.failingRooms[roomId] {
		return 0, ierr.New(ierr.ErrorCodeStoreUnavailable, errors.New("connection refused"))
	}

	return e.PersistenceEngine.CountByRoom(ctx, roomId)
}

type fakeSubscriber struct {
	mu            sync.Mutex
	notifications []transport.Notification
	err           error
	closeCalls    int
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, handler transport.Handler) error {
	for _, n := range s.notifications {
		handler(ctx, n)
	}

	return s.err
}

func (s *fakeSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeCalls++

	return nil
}

type recordingListener struct {
	mu        sync.Mutex
	snapshots []persistence.Snapshot
}

func (l *recordingListener) SnapshotStored(snapshot persistence.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snapshots = append(l.snapshots, snapshot)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.snapshots)
}

func newTestAggregator(t *testing.T, config Config, engine persistence.Engine, opts ...Option) *Aggregator {
	a, err := New(zap.NewNop(), config, engine, &fakeSubscriber{}, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = a.Shutdown(context.Background())
	})

	return a
}

// idleConfig never fires a timer during a test, so snapshots are driven by hand.
func idleConfig(max int64) Config {
	config := DefaultConfig()
	config.SnapshotInterval = time.Hour
	config.MaxSnapshotsPerRoom = max

	return config
}

func notify(a *Aggregator, channel string, payload string) {
	a.HandleNotification(context.Background(), transport.Notification{
		Channel: channel,
		Payload: []byte(payload),
	})
}

func TestAggregator_HandleNotification(t *testing.T) {
	t.Run("last write wins and counter advances", func(t *testing.T) {
		a := newTestAggregator(t, idleConfig(10), memory.NewPersistenceEngine(0))

		notify(a, "yjs:a:update", "p1")
		notify(a, "yjs:a:update", "p2")
		notify(a, "yjs:a:update", "p3")

		state, ok := a.table.Get("a")
		require.True(t, ok)
		assert.Equal(t, uint64(3), state.UpdateCount)
		assert.Equal(t, []byte("p3"), state.LatestPayload)
		assert.Equal(t, 1, a.timerCount())
	})

	t.Run("one timer per room", func(t *testing.T) {
		a := newTestAggregator(t, idleConfig(10), memory.NewPersistenceEngine(0))

		notify(a, "yjs:a:update", "p1")
		notify(a, "yjs:b:update", "p1")
		notify(a, "yjs:a:update", "p2")

		assert.Equal(t, 2, a.timerCount())
	})

	t.Run("channel without room segment uses the default room", func(t *testing.T) {
		a := newTestAggregator(t, idleConfig(10), memory.NewPersistenceEngine(0))

		notify(a, "yjs", "p1")
		notify(a, "yjs", "p2")

		state, ok := a.table.Get(room.DefaultRoomId)
		require.True(t, ok)
		assert.Equal(t, uint64(2), state.UpdateCount)
		assert.Equal(t, 1, a.timerCount())

		require.NoError(t, a.captureSnapshot(context.Background(), room.DefaultRoomId))

		payload, found, err := a.RestoreLatest(context.Background(), room.DefaultRoomId)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("p2"), payload)
	})

	t.Run("logs every hundredth update", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		a, err := New(zap.New(core), idleConfig(10), memory.NewPersistenceEngine(0), &fakeSubscriber{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

		for i := 0; i < 99; i++ {
			notify(a, "yjs:a", "p")
		}
		assert.Equal(t, 0, logs.FilterMessage("room updates received").Len())

		notify(a, "yjs:a", "p")

		entries := logs.FilterMessage("room updates received").All()
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(100), entries[0].ContextMap()["updateCount"])
	})

	t.Run("custom merge", func(t *testing.T) {
		merge := func(current []byte, update []byte) []byte {
			return append(append([]byte{}, current...), update...)
		}
		a := newTestAggregator(t, idleConfig(10), memory.NewPersistenceEngine(0), WithMerge(merge))

		notify(a, "yjs:a", "x")
		notify(a, "yjs:a", "y")

		state, _ := a.table.Get("a")
		assert.Equal(t, []byte("xy"), state.LatestPayload)
	})
}

func TestAggregator_armTimer(t *testing.T) {
	a := newTestAggregator(t, idleConfig(10), memory.NewPersistenceEngine(0))

	a.armTimer("a")
	first := a.timers["a"]

	a.armTimer("a")

	assert.Equal(t, 1, a.timerCount())
	assert.True(t, first.stopped())
	assert.NotSame(t, first, a.timers["a"])

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced timer did not exit")
	}
}

func TestAggregator_captureSnapshot(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("retention scenario", func(t *testing.T) {
		clock := &fakeClock{now: base}
		engine := memory.NewPersistenceEngine(0)
		config := idleConfig(2)
		a := newTestAggregator(t, config, engine, WithClock(clock.Now))

		notify(a, "yjs:a:update", "p1")
		clock.Set(base.Add(100 * time.Millisecond))
		notify(a, "yjs:a:update", "p2")
		clock.Set(base.Add(200 * time.Millisecond))
		notify(a, "yjs:a:update", "p3")

		clock.Set(base.Add(1000 * time.Millisecond))
		require.NoError(t, a.captureSnapshot(ctx, "a"))

		snapshots, err := engine.ListByRoom(ctx, "a", 10)
		require.NoError(t, err)
		require.Len(t, snapshots, 1)
		assert.Equal(t, []byte("p3"), snapshots[0].State)
		assert.Equal(t, uint64(3), snapshots[0].UpdateCount)
		assert.Equal(t, persistence.SchemaVersion, snapshots[0].SchemaVersion)

		clock.Set(base.Add(2000 * time.Millisecond))
		require.NoError(t, a.captureSnapshot(ctx, "a"))

		snapshots, _ = engine.ListByRoom(ctx, "a", 10)
		require.Len(t, snapshots, 2)
		assert.Equal(t, []byte("p3"), snapshots[0].State)

		clock.Set(base.Add(3000 * time.Millisecond))
		require.NoError(t, a.captureSnapshot(ctx, "a"))

		snapshots, _ = engine.ListByRoom(ctx, "a", 10)
		require.Len(t, snapshots, 2)
		assert.Equal(t, base.Add(3000*time.Millisecond), snapshots[0].Timestamp)
		assert.Equal(t, base.Add(2000*time.Millisecond), snapshots[1].Timestamp)
	})

	t.Run("pruning keeps the newest snapshots", func(t *testing.T) {
		clock := &fakeClock{now: base}
		engine := memory.NewPersistenceEngine(0)
		a := newTestAggregator(t, idleConfig(3), engine, WithClock(clock.Now))

		notify(a, "yjs:a", "p")
		for i := 1; i <= 6; i++ {
			clock.Set(base.Add(time.Duration(i) * time.Second))
			require.NoError(t, a.captureSnapshot(ctx, "a"))
		}

		count, _ := engine.CountByRoom(ctx, "a")
		assert.Equal(t, int64(3), count)

		snapshots, _ := engine.ListByRoom(ctx, "a", 10)
		require.Len(t, snapshots, 3)
		for i, s := range snapshots {
			assert.Equal(t, base.Add(time.Duration(6-i)*time.Second), s.Timestamp)
		}
	})

	t.Run("pruning removes pre-existing excess", func(t *testing.T) {
		clock := &fakeClock{now: base.Add(time.Hour)}
		engine := memory.NewPersistenceEngine(0)
		for i := 0; i < 5; i++ {
			_, err := engine.Insert(ctx, persistence.Snapshot{RoomId: "a", Timestamp: base.Add(time.Duration(i) * time.Minute)})
			require.NoError(t, err)
		}
		a := newTestAggregator(t, idleConfig(2), engine, WithClock(clock.Now))

		notify(a, "yjs:a", "p")
		require.NoError(t, a.captureSnapshot(ctx, "a"))

		snapshots, _ := engine.ListByRoom(ctx, "a", 10)
		require.Len(t, snapshots, 2)
		assert.Equal(t, base.Add(time.Hour), snapshots[0].Timestamp)
		assert.Equal(t, base.Add(4*time.Minute), snapshots[1].Timestamp)
	})

	t.Run("unknown room is a no-op", func(t *testing.T) {
		engine := memory.NewPersistenceEngine(0)
		a := newTestAggregator(t, idleConfig(2), engine)

		require.NoError(t, a.captureSnapshot(ctx, "missing"))

		total, _ := engine.CountAll(ctx)
		assert.Equal(t, int64(0), total)
	})

	t.Run("store failure is reported", func(t *testing.T) {
		engine := &faultyEngine{memory.NewPersistenceEngine(0), map[string]bool{"a": true}}
		a := newTestAggregator(t, idleConfig(2), engine)

		notify(a, "yjs:a", "p")
		err := a.captureSnapshot(ctx, "a")

		assert.True(t, ierr.IsStoreUnavailable(err))
	})

	t.Run("listener sees stored snapshots", func(t *testing.T) {
		listener := &recordingListener{}
		a := newTestAggregator(t, idleConfig(2), memory.NewPersistenceEngine(0), WithListener(listener))

		notify(a, "yjs:a", "p")
		require.NoError(t, a.captureSnapshot(ctx, "a"))

		require.Equal(t, 1, listener.count())
		assert.Equal(t, "a", listener.snapshots[0].RoomId)
		assert.NotEmpty(t, listener.snapshots[0].Id)
	})
}

func TestAggregator_timers(t *testing.T) {
	ctx := context.Background()

	fastConfig := func() Config {
		config := DefaultConfig()
		config.SnapshotInterval = 10 * time.Millisecond
		config.MaxSnapshotsPerRoom = 100

		return config
	}

	t.Run("timer stores snapshots repeatedly", func(t *testing.T) {
		engine := memory.NewPersistenceEngine(0)
		a := newTestAggregator(t, fastConfig(), engine)

		notify(a, "yjs:a", "p1")

		assert.Eventually(t, func() bool {
			count, _ := engine.CountByRoom(ctx, "a")
			return count >= 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("a failing room does not affect other rooms", func(t *testing.T) {
		engine := &faultyEngine{memory.NewPersistenceEngine(0), map[string]bool{"bad": true}}
		a := newTestAggregator(t, fastConfig(), engine)

		notify(a, "yjs:bad", "p")
		notify(a, "yjs:good", "p")

		assert.Eventually(t, func() bool {
			count, _ := engine.PersistenceEngine.CountByRoom(ctx, "good")
			return count >= 3
		}, time.Second, 5*time.Millisecond)

		// the failing room keeps its timer
		assert.Equal(t, 2, a.timerCount())
	})

	t.Run("idle rooms are evicted and come back on the next notification", func(t *testing.T) {
		config := fastConfig()
		config.RoomIdleTimeout = 20 * time.Millisecond
		a := newTestAggregator(t, config, memory.NewPersistenceEngine(0))

		notify(a, "yjs:a", "p1")

		assert.Eventually(t, func() bool {
			return a.timerCount() == 0 && a.table.Len() == 0
		}, time.Second, 5*time.Millisecond)

		notify(a, "yjs:a", "p2")

		state, ok := a.table.Get("a")
		require.True(t, ok)
		assert.Equal(t, uint64(1), state.UpdateCount)
		assert.Equal(t, 1, a.timerCount())
	})

	t.Run("idle rooms are stored before eviction", func(t *testing.T) {
		config := fastConfig()
		config.RoomIdleTimeout = 20 * time.Millisecond
		engine := memory.NewPersistenceEngine(0)
		a := newTestAggregator(t, config, engine)

		notify(a, "yjs:a", "last")

		assert.Eventually(t, func() bool {
			return a.table.Len() == 0
		}, time.Second, 5*time.Millisecond)

		payload, found, err := a.RestoreLatest(ctx, "a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("last"), payload)
	})

	t.Run("rooms whose snapshots fail are not evicted", func(t *testing.T) {
		config := fastConfig()
		config.RoomIdleTimeout = 20 * time.Millisecond
		engine := &faultyEngine{memory.NewPersistenceEngine(0), map[string]bool{"bad": true}}
		a := newTestAggregator(t, config, engine)

		notify(a, "yjs:bad", "unsaved")
		notify(a, "yjs:good", "saved")

		assert.Eventually(t, func() bool {
			_, ok := a.table.Get("good")
			return !ok
		}, time.Second, 5*time.Millisecond)

		// well past the idle timeout
		time.Sleep(100 * time.Millisecond)

		state, ok := a.table.Get("bad")
		require.True(t, ok)
		assert.Equal(t, []byte("unsaved"), state.LatestPayload)
		assert.Equal(t, 1, a.timerCount())
	})
}

func TestAggregator_RestoreLatest(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("missing room", func(t *testing.T) {
		a := newTestAggregator(t, idleConfig(2), memory.NewPersistenceEngine(0))

		payload, found, err := a.RestoreLatest(ctx, "missing-room")

		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, payload)
	})

	t.Run("returns the newest state", func(t *testing.T) {
		engine := memory.NewPersistenceEngine(0)
		for i, state := range []string{"s2", "s3", "s1"} {
			offsets := []time.Duration{2, 3, 1}
			_, err := engine.Insert(ctx, persistence.Snapshot{RoomId: "a", Timestamp: base.Add(offsets[i] * time.Second), State: []byte(state)})
			require.NoError(t, err)
		}
		a := newTestAggregator(t, idleConfig(10), engine)

		payload, found, err := a.RestoreLatest(ctx, "a")

		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("s3"), payload)
	})
}

func TestAggregator_ListSnapshots(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := memory.NewPersistenceEngine(0)
	for i := 0; i < 8; i++ {
		_, err := engine.Insert(ctx, persistence.Snapshot{RoomId: "a", Timestamp: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	a := newTestAggregator(t, idleConfig(10), engine)

	snapshots, err := a.ListSnapshots(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, snapshots, DefaultListLimit)
	assert.Equal(t, base.Add(7*time.Second), snapshots[0].Timestamp)

	snapshots, err = a.ListSnapshots(ctx, "a", 3)
	require.NoError(t, err)
	assert.Len(t, snapshots, 3)
}

func TestAggregator_GetStats(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates rooms and store counts", func(t *testing.T) {
		a := newTestAggregator(t, idleConfig(10), memory.NewPersistenceEngine(0))

		notify(a, "yjs:a", "p1")
		notify(a, "yjs:a", "p2")
		notify(a, "yjs:b", "p1")
		require.NoError(t, a.captureSnapshot(ctx, "a"))
		require.NoError(t, a.captureSnapshot(ctx, "a"))
		require.NoError(t, a.captureSnapshot(ctx, "b"))

		stats := a.GetStats(ctx)

		assert.False(t, stats.Degraded)
		assert.Equal(t, 2, stats.ActiveRooms)
		assert.Equal(t, int64(3), stats.TotalSnapshots)
		assert.Equal(t, uint64(2), stats.Rooms["a"].Updates)
		assert.Equal(t, int64(2), stats.Rooms["a"].Snapshots)
		assert.Equal(t, int64(1), stats.Rooms["b"].Snapshots)
	})

	t.Run("store failures degrade the report", func(t *testing.T) {
		engine := &faultyEngine{memory.NewPersistenceEngine(0), map[string]bool{"bad": true}}
		a := newTestAggregator(t, idleConfig(10), engine)

		notify(a, "yjs:bad", "p")
		notify(a, "yjs:good", "p")

		stats := a.GetStats(ctx)

		assert.True(t, stats.Degraded)
		assert.Equal(t, 2, stats.ActiveRooms)
	})
}

func TestAggregator_Shutdown(t *testing.T) {
	subscriber := &fakeSubscriber{}
	a, err := New(zap.NewNop(), idleConfig(10), memory.NewPersistenceEngine(0), subscriber)
	require.NoError(t, err)

	notify(a, "yjs:a", "p")
	notify(a, "yjs:b", "p")
	timers := []*roomTimer{a.timers["a"], a.timers["b"]}

	assert.NoError(t, a.Shutdown(context.Background()))
	assert.NoError(t, a.Shutdown(context.Background()))

	assert.Equal(t, 0, a.timerCount())
	assert.Equal(t, 1, subscriber.closeCalls)
	for _, timer := range timers {
		assert.True(t, timer.stopped())
		<-timer.done
	}

	// rooms seen after shutdown do not get a timer
	notify(a, "yjs:c", "p")
	assert.Equal(t, 0, a.timerCount())
}

func TestAggregator_Run(t *testing.T) {
	t.Run("feeds notifications and reports transport loss", func(t *testing.T) {
		subscriber := &fakeSubscriber{
			notifications: []transport.Notification{
				{Channel: "yjs:a:update", Payload: []byte("p1")},
				{Channel: "yjs:a:update", Payload: []byte("p2")},
			},
			err: ierr.New(ierr.ErrorCodeTransportUnavailable, errors.New("connection reset")),
		}
		a, err := New(zap.NewNop(), idleConfig(10), memory.NewPersistenceEngine(0), subscriber)
		require.NoError(t, err)
		defer a.Shutdown(context.Background())

		err = a.Run(context.Background())

		assert.True(t, ierr.IsTransportUnavailable(err))
		state, ok := a.table.Get("a")
		require.True(t, ok)
		assert.Equal(t, []byte("p2"), state.LatestPayload)
	})

	t.Run("requires a subscriber", func(t *testing.T) {
		a, err := New(zap.NewNop(), idleConfig(10), memory.NewPersistenceEngine(0), nil)
		require.NoError(t, err)

		err = a.Run(context.Background())

		assert.True(t, ierr.HasCode(err, ierr.ErrorCodeFailedPrecondition))
		assert.NoError(t, a.Shutdown(context.Background()))
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{name: "defaults", modify: func(c *Config) {}, valid: true},
		{name: "zero interval", modify: func(c *Config) { c.SnapshotInterval = 0 }},
		{name: "zero max", modify: func(c *Config) { c.MaxSnapshotsPerRoom = 0 }},
		{name: "idle shorter than interval", modify: func(c *Config) { c.RoomIdleTimeout = time.Second }},
		{name: "idle longer than interval", modify: func(c *Config) { c.RoomIdleTimeout = time.Hour }, valid: true},
		{name: "zero store timeout", modify: func(c *Config) { c.StoreTimeout = 0 }},
		{name: "zero log every", modify: func(c *Config) { c.LogEvery = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)

			err := config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, ierr.HasCode(err, ierr.ErrorCodeInvalidArgument))
			}
		})
	}
}
