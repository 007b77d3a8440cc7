package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalNotifyWait(t *testing.T) {
	t.Parallel()

	s := NewSignal(1)
	result := make(chan string, 1)
	go func() {
		jobID, err := s.Wait(context.Background())
		if err == nil {
			result <- jobID
		}
	}()

	require.NoError(t, s.Notify(context.Background(), "job-1"))
	select {
	case got := <-result:
		require.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("wait did not return the wake-up")
	}
}

func TestSignalNotifyNeverBlocks(t *testing.T) {
	t.Parallel()

	s := NewSignal(2)
	for range 10 {
		require.NoError(t, s.Notify(context.Background(), "job"))
	}
	require.Len(t, s.ch, 2)
}

func TestSignalCancelation(t *testing.T) {
	t.Parallel()

	s := NewSignal(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Wait(ctx)
	require.EqualError(t, err, "wait canceled: context canceled")
	require.ErrorIs(t, s.Notify(ctx, "job-1"), context.Canceled)
}

func TestSignalClose(t *testing.T) {
	t.Parallel()

	s := NewSignal(1)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Notify(context.Background(), "job-1"), ErrClosed)
}
