package broadcaster

import (
	"errors"
	"sync"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/persistence"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

type Registry interface {
	Broadcast(message Message)
	Register(roomId string, connection *Connection) error
	Unregister(roomId string, connectionId string)
	Disconnect(connectionId string)
}

type InMemoryRegistry struct {
	logger *zap.Logger
	mu     sync.RWMutex

	connections       map[string]*Connection
	connectionsByRoom map[string]map[string]struct{}
	roomsByConnection map[string]map[string]struct{}
}

func NewInMemoryRegistry(
	logger *zap.Logger,
) *InMemoryRegistry {
	return &InMemoryRegistry{
		logger:            logger,
		connections:       make(map[string]*Connection),
		connectionsByRoom: make(map[string]map[string]struct{}),
		roomsByConnection: make(map[string]map[string]struct{}),
	}
}

// SnapshotStored tells the watchers of a room that a new snapshot is available.
func (r *InMemoryRegistry) SnapshotStored(snapshot persistence.Snapshot) {
	r.Broadcast(Message{
		Id:         gonanoid.Must(),
		CreateTime: time.Now(),
		RoomId:     snapshot.RoomId,
		Event:      EventSnapshotStored,
		Payload: SnapshotStoredPayload{
			SnapshotId:  snapshot.Id,
			UpdateCount: snapshot.UpdateCount,
			Timestamp:   snapshot.Timestamp,
		},
	})
}

func (r *InMemoryRegistry) Broadcast(message Message) {
	r.mu.RLock()

	connectionIds, ok := r.connectionsByRoom[message.RoomId]
	if !ok {
		r.mu.RUnlock()

		return
	}

	var staleConnectionIds []string

	for connectionId := range connectionIds {
		connection, ok := r.connections[connectionId]
		if !ok {
			continue
		}

		select {
		case connection.Send <- message:
		default:
			r.logger.Warn("connection send channel is full, closing connection",
				zap.String("connectionId", connection.Id))

			staleConnectionIds = append(staleConnectionIds, connection.Id)
		}
	}

	r.mu.RUnlock()

	if len(staleConnectionIds) == 0 {
		return
	}

	r.mu.Lock()

	for _, connectionId := range staleConnectionIds {
		r.disconnectLocked(connectionId)
	}

	r.mu.Unlock()
}

func (r *InMemoryRegistry) Register(roomId string, connection *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connectionsByRoom[roomId]; !ok {
		r.connectionsByRoom[roomId] = make(map[string]struct{})
	}

	if _, ok := r.connectionsByRoom[roomId][connection.Id]; ok {
		return errors.New("connection already watching room")
	}

	r.connectionsByRoom[roomId][connection.Id] = struct{}{}
	r.connections[connection.Id] = connection

	if _, ok := r.roomsByConnection[connection.Id]; !ok {
		r.roomsByConnection[connection.Id] = make(map[string]struct{})
	}

	r.roomsByConnection[connection.Id][roomId] = struct{}{}

	return nil
}

func (r *InMemoryRegistry) Unregister(roomId string, connectionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connectionRooms, ok := r.roomsByConnection[connectionId]
	if !ok {
		return
	}

	if _, ok := connectionRooms[roomId]; !ok {
		return
	}

	// the connection stays known to the registry until Disconnect, so its
	// Send channel is closed exactly once
	delete(connectionRooms, roomId)

	roomConnections, ok := r.connectionsByRoom[roomId]
	if !ok {
		panic("inconsistent state: room not found in connectionsByRoom")
	}

	delete(roomConnections, connectionId)
	if len(roomConnections) == 0 {
		delete(r.connectionsByRoom, roomId)
	}
}

func (r *InMemoryRegistry) Disconnect(connectionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disconnectLocked(connectionId)
}

// IMPORTANT: It must be called only when a write lock is already held.
func (r *InMemoryRegistry) disconnectLocked(connectionId string) {
	connection, ok := r.connections[connectionId]
	if !ok {
		return
	}

	connectionRooms, ok := r.roomsByConnection[connectionId]
	if !ok {
		panic("inconsistent state: connection not found in roomsByConnection")
	}

	for roomId := range connectionRooms {
		roomConnections, ok := r.connectionsByRoom[roomId]
		if !ok {
			panic("inconsistent state: room not found in connectionsByRoom")
		}

		delete(roomConnections, connectionId)
		if len(roomConnections) == 0 {
			delete(r.connectionsByRoom, roomId)
		}
	}

	delete(r.roomsByConnection, connectionId)
	delete(r.connections, connectionId)
	close(connection.Send)
}
