package transport

import "context"

// Notification is one update delivered on a pub/sub channel.
type Notification struct {
	Channel string
	Payload []byte
}

type Handler func(ctx context.Context, notification Notification)

// Subscriber delivers notifications to a single handler, sequentially.
type Subscriber interface {
	// Subscribe blocks until ctx is cancelled or the connection is lost. A lost
	// connection is reported as an ierr.ErrorCodeTransportUnavailable error.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}
