// Package supervisor runs named goroutines under one cancelable context.
// Panics are recovered into errors, failed loops can be restarted with
// backoff, and every name keeps run statistics for the ops endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "slotkeeper/pkg/logx"
)

// stableRun resets the restart backoff once a run has lasted this long.
const stableRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	first error
	stats map[string]*Stats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(on bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = on }
}

// Stats describes every run under one name.
type Stats struct {
	Name      string        `json:"name"`
	Running   int           `json:"running"`
	Runs      int           `json:"runs"`
	Restarts  int           `json:"restarts"`
	Panics    int           `json:"panics"`
	LastStart time.Time     `json:"last_start"`
	LastRun   time.Duration `json:"last_run"`
	LastErr   string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running    int     `json:"running"`
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), done: make(chan struct{}), stats: map[string]*Stats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure recorded, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Snapshot is nil-safe. Running goroutines sort first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Goroutines: make([]Stats, 0, len(s.stats))}
	if s.first != nil {
		snap.FirstError = s.first.Error()
	}
	for _, st := range s.stats {
		snap.Running += st.Running
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if (a.Running > 0) != (b.Running > 0) {
			return a.Running > 0
		}
		return a.Name < b.Name
	})
	return snap
}

// Go runs fn once. A panic or a non-cancellation error is recorded as the
// supervisor's failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(s.ctx, name, fn, false); err != nil {
			s.fail(err, true)
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	publishFirst bool
}

func WithRestartBackoff(minD, maxD time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if minD > 0 {
			p.min = minD
		}
		if maxD > 0 {
			p.max = maxD
		}
	}
}

// WithPublishFirstError makes a failed run visible through Err while the
// loop keeps restarting. The shared context is never canceled by it.
func WithPublishFirstError(on bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = on }
}

// GoRestart reruns fn after an error or panic, backing off exponentially
// with jitter. A clean return or cancellation ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := p.min
		for restart := false; s.ctx.Err() == nil; restart = true {
			began := time.Now()
			err := s.run(s.ctx, name, fn, restart)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.publishFirst {
				s.fail(err, false)
			}
			if time.Since(began) >= stableRun {
				backoff = p.min
			}
			wait := backoff + rand.N(backoff/5+1)
			backoff = min(2*backoff, p.max)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}

// run executes one attempt and keeps the books. Cancellation is not an
// error.
func (s *Supervisor) run(ctx context.Context, name string, fn func(ctx context.Context) error, restart bool) (err error) {
	began := time.Now()
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	st.Running++
	st.Runs++
	st.LastStart = began
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()

	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
		s.mu.Lock()
		st.Running--
		st.LastRun = time.Since(began)
		if panicked {
			st.Panics++
		}
		if err != nil {
			st.LastErr = err.Error()
		}
		s.mu.Unlock()
	}()

	if err = fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) fail(err error, mayCancel bool) {
	s.mu.Lock()
	if s.first == nil {
		s.first = err
	}
	s.mu.Unlock()
	if mayCancel && s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
