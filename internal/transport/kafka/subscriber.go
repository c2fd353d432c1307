package kafka

import (
	"context"
	"path"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/goevery/snapshot-aggregator/internal/transport"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Settings struct {
	Brokers []string
	Topic   string
	GroupId string
	// Pattern filters channels with path.Match semantics.
	Pattern string
}

// Subscriber reads updates from a topic where each message key is the
// channel name and each value is the update payload.
type Subscriber struct {
	logger  *zap.Logger
	reader  *kafka.Reader
	pattern string
}

func NewSubscriber(logger *zap.Logger, settings Settings) *Subscriber {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  settings.Brokers,
		Topic:    settings.Topic,
		GroupID:  settings.GroupId,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Subscriber{
		logger,
		reader,
		settings.Pattern,
	}
}

func (s *Subscriber) Subscribe(ctx context.Context, handler transport.Handler) error {
	s.logger.Info("consuming updates",
		zap.String("topic", s.reader.Config().Topic),
		zap.String("pattern", s.pattern))

	for {
		message, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return ierr.New(ierr.ErrorCodeTransportUnavailable, err)
		}

		channel := string(message.Key)
		if !s.matches(channel) {
			continue
		}

		handler(ctx, transport.Notification{
			Channel: channel,
			Payload: message.Value,
		})
	}
}

func (s *Subscriber) matches(channel string) bool {
	if s.pattern == "" {
		return true
	}

	matched, err := path.Match(s.pattern, channel)
	if err != nil {
		s.logger.Warn("invalid channel pattern", zap.String("pattern", s.pattern), zap.Error(err))

		return false
	}

	return matched
}

func (s *Subscriber) Close() error {
	return s.reader.Close()
}
