// Package feed republishes engine changes to a Redis stream for consumers
// outside this process (analytics, notification workers).
package feed

import (
	"context"
	"fmt"
	"time"

	"qms/queue-engine/internal/store"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "queue.engine.changes"

// Connect parses a redis:// or rediss:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("feed: invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("feed: redis ping: %w", err)
	}
	return client, nil
}

type Publisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewPublisher appends to stream, trimming it to roughly maxLen entries
// when maxLen is positive.
func NewPublisher(client redis.Cmdable, stream string, maxLen int64) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *Publisher) Forward(ctx context.Context, event store.ChangeEvent) error {
	payload, err := store.EncodeChange(event)
	if err != nil {
		return fmt.Errorf("feed: encode change: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: []interface{}{
			"event", eventName(event),
			"id", event.ID,
			"version", event.Version,
			"payload", string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("feed: xadd %s: %w", p.stream, err)
	}
	return nil
}

// eventName is "ticket.<status>" or "employee.<state>".
func eventName(event store.ChangeEvent) string {
	switch {
	case event.Ticket != nil:
		return fmt.Sprintf("%s.%s", event.Kind, event.Ticket.Status)
	case event.Employee != nil:
		return fmt.Sprintf("%s.%s", event.Kind, event.Employee.State())
	default:
		return string(event.Kind)
	}
}
