package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Stop() = %v, want panic error", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fail", func(context.Context) error { return errors.New("bad") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatalf("context not canceled after error")
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 {
		t.Fatalf("goroutines = %+v", snap.Goroutines)
	}
	if st := snap.Goroutines[0]; st.Runs != 3 || st.Restarts != 2 || st.Running != 0 || st.LastErr == "" {
		t.Fatalf("stats = %+v, want 3 runs and 2 restarts", st)
	}
}

func TestPublishFirstErrorKeepsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("listener", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("bind failed")
		}
		<-ctx.Done()
		return nil
	}, WithPublishFirstError(true), WithRestartBackoff(time.Millisecond, time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("listener never restarted")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if s.Context().Err() != nil {
		t.Fatalf("restart loop canceled the shared context")
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "bind failed") {
		t.Fatalf("Err() = %v, want first failure", err)
	}
	if snap := s.Snapshot(); snap.Running != 1 || snap.FirstError == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	s.Cancel()
}
