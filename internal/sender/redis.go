package sender

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

// RedisSender pushes envelopes onto a Redis list. Consumers pop from the
// other end, so list order is delivery order.
type RedisSender struct {
	client redis.UniversalClient
	key    string
	source string
}

// NewRedisSender returns a sender pushing onto key.
func NewRedisSender(client redis.UniversalClient, key, source string) (*RedisSender, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client", ErrMissingDependency)
	}
	if key == "" {
		key = "attendq:" + source
	}
	return &RedisSender{client: client, key: key, source: source}, nil
}

// Key returns the list key.
func (s *RedisSender) Key() string { return s.key }

func (s *RedisSender) Prepare(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("sender: redis ping: %w", err)
	}
	return nil
}

func (s *RedisSender) Send(ctx context.Context, row storage.Row) error {
	body, err := Envelope(s.source, row)
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.key, body).Err(); err != nil {
		return fmt.Errorf("sender: lpush %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSender) PostSend(context.Context) error { return nil }
