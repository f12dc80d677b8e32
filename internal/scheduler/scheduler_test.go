package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)

func runAsync(ctx context.Context, s *Scheduler, tick TickFunc) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, tick) }()
	return done
}

func TestRunFiresAlignedBuckets(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s := New(Options{Interval: time.Minute, AlignToStart: true, Clock: clock}, zerolog.Nop())

	buckets := make(chan time.Time, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, s, func(_ context.Context, bucket time.Time) error {
		buckets <- bucket
		return errors.New("tick errors are logged, not fatal")
	})

	for i := 1; i <= 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
		select {
		case b := <-buckets:
			require.Equal(t, start.Truncate(time.Minute).Add(time.Duration(i)*time.Minute), b)
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d did not fire", i)
		}
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunImmediatelyAndUnaligned(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s := New(Options{Interval: time.Hour, RunImmediately: true, Clock: clock}, zerolog.Nop())

	buckets := make(chan time.Time, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, s, func(_ context.Context, bucket time.Time) error {
		buckets <- bucket
		return nil
	})

	require.Equal(t, start, <-buckets)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)
	require.Equal(t, start.Add(time.Hour), <-buckets)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunHonoursStartupDelay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s := New(Options{Interval: time.Hour, StartupDelay: 10 * time.Second, Clock: clock}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s, func(context.Context, time.Time) error {
		t.Fatal("tick must not fire during startup delay")
		return nil
	})

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	require.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
