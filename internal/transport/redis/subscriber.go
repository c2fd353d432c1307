package redis

import (
	"context"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/goevery/snapshot-aggregator/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Subscriber struct {
	logger  *zap.Logger
	client  *redis.Client
	pattern string
}

// NewSubscriber connects to the server at url and checks it answers.
func NewSubscriber(ctx context.Context, logger *zap.Logger, url string, pattern string) (*Subscriber, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, ierr.New(ierr.ErrorCodeTransportUnavailable, err)
	}

	return &Subscriber{
		logger,
		client,
		pattern,
	}, nil
}

func (s *Subscriber) Subscribe(ctx context.Context, handler transport.Handler) error {
	pubsub := s.client.PSubscribe(ctx, s.pattern)
	defer pubsub.Close()

	// a blocked read only returns once the connection is closed
	stop := context.AfterFunc(ctx, func() {
		_ = pubsub.Close()
	})
	defer stop()

	// wait for the subscription to be confirmed before reading messages
	_, err := pubsub.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return ierr.New(ierr.ErrorCodeTransportUnavailable, err)
	}

	s.logger.Info("subscribed to pub/sub channels",
		zap.String("pattern", s.pattern))

	// a dropped connection ends the subscription, it is never re-established here
	for {
		message, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return ierr.New(ierr.ErrorCodeTransportUnavailable, err)
		}

		handler(ctx, transport.Notification{
			Channel: message.Channel,
			Payload: []byte(message.Payload),
		})
	}
}

func (s *Subscriber) Close() error {
	return s.client.Close()
}
