// Package redis provides a wake-up signal shared across processes through
// Redis pub/sub, so workers on every node learn about new jobs immediately.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultChannel    = "crawler:wake"
	connectionTimeout = 5 * time.Second
)

// ErrClosed is returned by Wait once the subscription has been closed.
var ErrClosed = errors.New("signal closed")

// Config holds Redis connection settings for the signal.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Signal publishes wake-ups on a channel and receives them through a single
// subscription owned by this process.
type Signal struct {
	client  *redis.Client
	ps      *redis.PubSub
	msgs    <-chan *redis.Message
	channel string
	owned   bool
}

// NewSignal dials Redis and subscribes to the wake channel.
func NewSignal(ctx context.Context, cfg Config) (*Signal, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("signal.redis_addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s, err := NewSignalWithClient(ctx, client, cfg.Channel)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSignalWithClient subscribes using an existing client. The caller keeps
// ownership of the client.
func NewSignalWithClient(ctx context.Context, client *redis.Client, channel string) (*Signal, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if channel == "" {
		channel = defaultChannel
	}
	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &Signal{
		client:  client,
		ps:      ps,
		msgs:    ps.Channel(),
		channel: channel,
	}, nil
}

// Notify publishes jobID to every subscribed process.
func (s *Signal) Notify(ctx context.Context, jobID string) error {
	if err := s.client.Publish(ctx, s.channel, jobID).Err(); err != nil {
		return fmt.Errorf("publish wake-up: %w", err)
	}
	return nil
}

// Wait blocks until a wake-up is received or the context ends.
func (s *Signal) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("wait canceled: %w", ctx.Err())
	case msg, ok := <-s.msgs:
		if !ok {
			return "", ErrClosed
		}
		return msg.Payload, nil
	}
}

// Close ends the subscription and, when NewSignal created it, the client.
func (s *Signal) Close() error {
	err := s.ps.Close()
	if s.owned {
		err = errors.Join(err, s.client.Close())
	}
	return err
}
