package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSignalFansOutAcrossSubscribers(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	ctx := context.Background()

	first, err := NewSignal(ctx, Config{Addr: srv.Addr(), Channel: "wake-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close()) }()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	second, err := NewSignalWithClient(ctx, client, "wake-test")
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close()) }()

	require.NoError(t, first.Notify(ctx, "job-1"))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := first.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, "job-1", got)

	got, err = second.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, "job-1", got)
}

func TestSignalWaitCancel(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	s, err := NewSignal(context.Background(), Config{Addr: srv.Addr()})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSignalValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSignal(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewSignalWithClient(context.Background(), nil, "")
	require.Error(t, err)

	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	_, err = NewSignal(context.Background(), Config{Addr: addr})
	require.ErrorContains(t, err, "redis ping failed")
}
