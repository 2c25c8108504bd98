package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"slotkeeper/internal/eventbus"
	logx "slotkeeper/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEnqueueRunsJob(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1})
	var ran atomic.Bool
	if err := s.Enqueue(Job{Name: "a", Run: func(context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	waitFor(t, "job run", ran.Load)
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{})
	if err := s.Enqueue(Job{Name: "x"}); err == nil {
		t.Fatalf("Enqueue(nil Run) = nil, want error")
	}
	if err := s.Enqueue(Job{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("Enqueue(blank name) = nil, want error")
	}

	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Enqueue() = %v, want ErrDisabled", err)
	}
}

func TestRetryAndDisableRetry(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1, RetryMax: 2})

	tests := []struct {
		name string
		opt  JobOptions
		err  error
		want int32
	}{
		{"retries", JobOptions{}, errors.New("flaky"), 3},
		{"disabled", JobOptions{DisableRetry: true}, errors.New("flaky"), 1},
		{"permanent error", JobOptions{}, Permanent(errors.New("bad input")), 1},
	}
	for _, tt := range tests {
		var calls atomic.Int32
		done := make(chan struct{})
		err := s.Enqueue(Job{Name: tt.name, Opt: tt.opt, Run: func(context.Context) error {
			if calls.Add(1) == tt.want {
				defer close(done)
			}
			return tt.err
		}})
		if err != nil {
			t.Fatalf("%s: Enqueue() = %v", tt.name, err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: calls = %d, want %d", tt.name, calls.Load(), tt.want)
		}
		time.Sleep(20 * time.Millisecond)
		if got := calls.Load(); got != tt.want {
			t.Fatalf("%s: calls = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Enqueue(Job{Name: "p", Opt: JobOptions{DisableRetry: true}, Run: func(context.Context) error { panic("bad") }})
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.JobFailed {
				if ev := e.Data.(JobEvent); ev.Error != "panic: bad" {
					t.Fatalf("error = %q", ev.Error)
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no job.failed event")
		}
	}
}

func TestAfterUpsertsByName(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1})
	var first, second atomic.Int32

	if err := s.After(50*time.Millisecond, Job{Name: "tick", Run: func(context.Context) error { first.Add(1); return nil }}); err != nil {
		t.Fatalf("After() = %v", err)
	}
	if err := s.After(10*time.Millisecond, Job{Name: "tick", Run: func(context.Context) error { second.Add(1); return nil }}); err != nil {
		t.Fatalf("After() = %v", err)
	}
	if n := len(s.PendingJobs()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	waitFor(t, "second run", func() bool { return second.Load() == 1 })
	time.Sleep(80 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("replaced job ran %d times", first.Load())
	}
	if n := len(s.PendingJobs()); n != 0 {
		t.Fatalf("pending after fire = %d, want 0", n)
	}
}

func TestAfterCancel(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{})
	var ran atomic.Bool
	_ = s.After(20*time.Millisecond, Job{Name: "c", Run: func(context.Context) error { ran.Store(true); return nil }})
	if !s.Cancel("c") {
		t.Fatalf("Cancel() = false")
	}
	if s.Cancel("c") {
		t.Fatalf("second Cancel() = true")
	}
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("canceled job ran")
	}
}

func TestAfterRunsInlineWhenQueueFull(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Job{Name: "busy", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started
	_ = s.Enqueue(Job{Name: "filler", Run: func(context.Context) error { return nil }})

	var ran atomic.Bool
	err := s.After(0, Job{Name: "tick", Opt: JobOptions{InlineOnQueueFull: true}, Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	if err != nil {
		t.Fatalf("After() = %v", err)
	}
	waitFor(t, "inline run", ran.Load)
	if s.Snapshot().DroppedQueueFull == 0 {
		t.Fatalf("queue-full drop not counted")
	}
}

func TestStaleDropSparesMustRunJobs(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1, MaxQueueDelay: 20 * time.Millisecond})
	block := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Job{Name: "busy", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started

	var tick, plain atomic.Bool
	if err := s.After(0, Job{Name: "tick", Opt: JobOptions{InlineOnQueueFull: true, DisableRetry: true}, Run: func(context.Context) error {
		tick.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("After(tick) = %v", err)
	}
	_ = s.Enqueue(Job{Name: "plain", Run: func(context.Context) error { plain.Store(true); return nil }})
	time.Sleep(60 * time.Millisecond)
	close(block)

	waitFor(t, "late tick run", tick.Load)
	waitFor(t, "stale drop", func() bool { return s.Snapshot().DroppedStale == 1 })
	if plain.Load() {
		t.Fatalf("plain job ran after waiting past MaxQueueDelay")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for retry := 1; retry <= 6; retry++ {
		d := backoffDelay(cfg, JobOptions{}, retry, nil)
		if d > cfg.RetryMaxDelay {
			t.Fatalf("retry %d delay = %v, exceeds %v", retry, d, cfg.RetryMaxDelay)
		}
	}
	if d := backoffDelay(cfg, JobOptions{}, 1, nil); d != 100*time.Millisecond {
		t.Fatalf("first retry delay = %v, want RetryBase", d)
	}
}

func TestStopAndRestartPool(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	s.Start(context.Background())
	waitFor(t, "2 workers", func() bool {
		snap := s.Snapshot()
		return snap.Running && snap.Pool.Running == 2
	})
	_ = s.After(time.Hour, Job{Name: "later", Run: func(context.Context) error { return nil }})

	s.Stop(context.Background())
	if err := s.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() after Stop = %v, want ErrStopped", err)
	}
	if n := len(s.PendingJobs()); n != 0 {
		t.Fatalf("pending after Stop = %d, want 0", n)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	var ran atomic.Bool
	if err := s.Enqueue(Job{Name: "again", Run: func(context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatalf("Enqueue() after restart = %v", err)
	}
	waitFor(t, "job after restart", ran.Load)
}
