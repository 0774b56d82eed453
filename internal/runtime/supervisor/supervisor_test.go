package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFailingJobDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer s.Stop(context.Background())

	sibling := s.Launch("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	failing := s.Launch("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})

	require.EqualError(t, failing.Wait(context.Background()), "boom")

	select {
	case <-sibling.Done():
		t.Fatal("sibling was canceled by a failing job")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, s.Context().Err())
	require.EqualValues(t, 1, s.Counters().Failed)
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer s.Stop(context.Background())

	j := s.Launch("panicky", func(ctx context.Context) error {
		panic("kaboom")
	})
	err := j.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
	require.EqualValues(t, 1, s.Counters().Panics)
	require.NoError(t, s.Context().Err())
}

func TestJobCancelIsScopedToTheJob(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer s.Stop(context.Background())

	a := s.Launch("a", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })
	b := s.Launch("b", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })

	a.Cancel()
	require.ErrorIs(t, a.Wait(context.Background()), context.Canceled)
	select {
	case <-b.Done():
		t.Fatal("canceling one job stopped another")
	default:
	}
}

func TestStopCancelsAndWaitsForAllJobs(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	jobs := make([]*Job, 0, 3)
	for i := 0; i < 3; i++ {
		jobs = append(jobs, s.Launch("loop", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	for _, j := range jobs {
		select {
		case <-j.Done():
		default:
			t.Fatalf("job %d still running after Stop", j.ID())
		}
	}
	require.Zero(t, s.Counters().Active)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	require.EqualValues(t, 3, snap.Jobs[0].Started)
}

func TestLaunchAfterStopStillRunsCleanup(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	require.NoError(t, s.Stop(context.Background()))

	ran := make(chan struct{})
	j := s.Launch("late", func(ctx context.Context) error {
		defer close(ran)
		return ctx.Err()
	})
	require.ErrorIs(t, j.Wait(context.Background()), context.Canceled)
	<-ran
}
