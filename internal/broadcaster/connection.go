package broadcaster

import (
	"context"
	"sync"

	"github.com/goevery/snapshot-aggregator/internal/auth"
)

// Connection is a watcher. Messages for the rooms it watches are queued on
// Send, which the registry closes when the connection is dropped.
type Connection struct {
	Id   string
	Send chan Message

	mu             sync.RWMutex
	authentication *auth.Authentication
}

func NewConnection(id string, bufferSize int) *Connection {
	return &Connection{
		Id:   id,
		Send: make(chan Message, bufferSize),
	}
}

func (c *Connection) SetAuthentication(auth *auth.Authentication) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authentication = auth
}

func (c *Connection) GetAuthentication() *auth.Authentication {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.authentication
}

func (c *Connection) IsAuthorized(roomId string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.authentication == nil {
		return false
	}

	return c.authentication.IsAuthorized(roomId)
}

type contextKey string

const connectionKey contextKey = "connection"

func WithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey).(*Connection)

	return conn, ok
}
