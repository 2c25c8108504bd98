package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"slotkeeper/internal/eventbus"
	logx "slotkeeper/pkg/logx"
)

var errQuitDuringBackoff = errors.New("engine stopped while waiting to retry")

// slowJob is the duration above which completions log at info.
const slowJob = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, p *pool, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case qj := <-p.queue:
			s.inFlight.Add(1)
			s.execute(ctx, p.quit, qj, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, quit <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	start := time.Now()
	waited := max(0, start.Sub(qj.queued))
	j := qj.job

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	// A job that must not be lost runs however late it is.
	if cfg.MaxQueueDelay > 0 && waited > cfg.MaxQueueDelay && !j.Opt.InlineOnQueueFull {
		s.dropStale(start, j, waited)
		return
	}

	s.log.Debug("job started", logx.String("job", j.Name), logx.Duration("waited", waited))
	eventbus.Publish(s.bus, eventbus.JobStarted, JobEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: waited})

	limit := j.Opt.attempts(cfg)
	attempt, err := 0, error(nil)
	for attempt < limit {
		attempt++
		if err = s.runOnce(ctx, j, qj.deadline); err == nil {
			break
		}
		if pe := (*PermanentError)(nil); errors.As(err, &pe) {
			err = pe.Err
			break
		}
		if attempt == limit {
			break
		}
		delay := backoffDelay(cfg, j.Opt, attempt, rng)
		s.log.Debug("job retry", logx.String("job", j.Name), logx.Int("next_attempt", attempt+1), logx.Duration("in", delay), logx.Err(err))
		if werr := sleep(ctx, quit, delay); werr != nil {
			err = werr
			break
		}
	}
	s.finish(j, start, waited, attempt, err)
}

func sleep(ctx context.Context, quit <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-quit:
		return errQuitDuringBackoff
	case <-t.C:
		return nil
	}
}

// runInline executes j once on the caller's goroutine.
func (s *Service) runInline(j Job) {
	s.mu.Lock()
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()
	if j.Timeout > 0 {
		timeout = j.Timeout
	}
	start := time.Now()
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.finish(j, start, 0, 1, s.runOnce(context.Background(), j, timeout))
}

func (s *Service) runOnce(ctx context.Context, j Job, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", j.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}

func (s *Service) finish(j Job, start time.Time, waited time.Duration, attempts int, err error) {
	ev := JobEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: waited, Duration: time.Since(start), Attempts: attempts}
	log := s.log.With(logx.String("job", j.Name), logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
	switch {
	case err != nil:
		ev.Error = err.Error()
		log.Warn("job failed", logx.Err(err))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	case ev.Duration >= slowJob:
		log.Info("job done")
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	default:
		log.Debug("job done")
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	}
	s.record(HistoryItem(ev))
}

// backoffDelay doubles RetryBase per retry, capped at RetryMaxDelay.
func backoffDelay(cfg Config, opt JobOptions, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, cfg.RetryMaxDelay), opt.RetryJitter, cfg.RetryMaxDelay, rng)
}

func jitter(d time.Duration, frac float64, ceiling time.Duration, rng *rand.Rand) time.Duration {
	if frac <= 0 {
		frac = 0.2
	}
	if d <= 0 || rng == nil {
		return max(0, d)
	}
	r := (rng.Float64()*2 - 1) * frac
	d = time.Duration(float64(d) * (1 + r))
	return min(max(0, d), ceiling)
}
