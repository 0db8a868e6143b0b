package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pawpal/messaging/realtime"
)

// Redis provides the realtime channel over Redis pub/sub, fanning events out
// across service instances.
type Redis struct {
	cli    *redis.Client
	logger *slog.Logger
}

var _ realtime.Channel = (*Redis)(nil)

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		cli:    cli,
		logger: logger.With("component", "redis"),
	}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

// Publish publishes the event on the channel named after topic.
func (r *Redis) Publish(ctx context.Context, topic string, ev realtime.Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := r.cli.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to the channel named after topic. It returns once Redis
// has confirmed the subscription.
func (r *Redis) Subscribe(ctx context.Context, topic string) (realtime.Subscription, error) {
	ps := r.cli.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &subscription{
		ps:     ps,
		events: make(chan realtime.Event, 64),
		logger: r.logger.With("topic", topic),
	}
	go s.run(ctx)
	return s, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan realtime.Event
	logger *slog.Logger
	once   sync.Once
}

func (s *subscription) Events() <-chan realtime.Event { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := decodeEvent(msg.Payload)
			if err != nil {
				s.logger.Warn("Could not decode event", "error", err.Error())
				continue
			}
			select {
			case s.events <- ev:
			default:
				s.logger.Debug("dropped event for slow subscriber", "kind", ev.Kind)
			}
		}
	}
}
