package room

import (
	"sort"
	"sync"
	"time"
)

// State is the in-memory view of one active room.
type State struct {
	RoomId        string
	LastUpdateAt  time.Time
	UpdateCount   uint64
	LatestPayload []byte
}

// MergeFunc folds an update payload into the payload currently held for a room.
type MergeFunc func(current []byte, update []byte) []byte

// Replace keeps only the most recent payload. It does not reconcile document
// state; a merge aware of the document format has to be supplied for that.
func Replace(_ []byte, update []byte) []byte {
	return update
}

type Table struct {
	mu    sync.RWMutex
	merge MergeFunc
	rooms map[string]*State
}

func NewTable(merge MergeFunc) *Table {
	if merge == nil {
		merge = Replace
	}

	return &Table{
		merge: merge,
		rooms: make(map[string]*State),
	}
}

// RecordUpdate registers a notification for roomId and returns the resulting
// state along with whether the room was unseen until now.
func (t *Table) RecordUpdate(roomId string, payload []byte, now time.Time) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.rooms[roomId]
	if !ok {
		state = &State{
			RoomId:        roomId,
			LastUpdateAt:  now,
			UpdateCount:   1,
			LatestPayload: t.merge(nil, payload),
		}
		t.rooms[roomId] = state

		return *state, true
	}

	state.UpdateCount++
	state.LastUpdateAt = now
	state.LatestPayload = t.merge(state.LatestPayload, payload)

	return *state, false
}

func (t *Table) Get(roomId string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.rooms[roomId]
	if !ok {
		return State{}, false
	}

	return *state, true
}

// Snapshot returns a point-in-time copy of every active room, ordered by room id.
func (t *Table) Snapshot() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]State, 0, len(t.rooms))
	for _, state := range t.rooms {
		states = append(states, *state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].RoomId < states[j].RoomId
	})

	return states
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.rooms)
}

// EvictIfIdle removes roomId when its last update is older than cutoff.
// The check and the removal happen under the same lock so a concurrent
// RecordUpdate either keeps the room alive or recreates it afterwards.
func (t *Table) EvictIfIdle(roomId string, cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.rooms[roomId]
	if !ok {
		return false
	}

	if !state.LastUpdateAt.Before(cutoff) {
		return false
	}

	delete(t.rooms, roomId)

	return true
}
