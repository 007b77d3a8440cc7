// Package memory provides an in-process wake-up signal for local development
// and single-node deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("signal closed")

// Signal is a bounded in-memory wake-up channel. Notify never blocks: when the
// buffer is full the wake-up is dropped and workers fall back to polling.
type Signal struct {
	ch      chan string
	closeMu sync.Mutex
	closed  bool
}

// NewSignal constructs a signal buffering up to capacity pending wake-ups.
func NewSignal(capacity int) *Signal {
	if capacity <= 0 {
		capacity = 1
	}
	return &Signal{ch: make(chan string, capacity)}
}

// Notify records a wake-up for jobID.
func (s *Signal) Notify(ctx context.Context, jobID string) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("notify canceled: %w", err)
	}
	select {
	case s.ch <- jobID:
	default:
	}
	return nil
}

// Wait blocks until a wake-up arrives, the context ends or the signal closes.
func (s *Signal) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("wait canceled: %w", ctx.Err())
	case jobID, ok := <-s.ch:
		if !ok {
			return "", ErrClosed
		}
		return jobID, nil
	}
}

// Close releases waiters.
func (s *Signal) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	close(s.ch)
	s.closed = true
	return nil
}
