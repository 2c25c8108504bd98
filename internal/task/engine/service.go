package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"slotkeeper/internal/eventbus"
	rtsup "slotkeeper/internal/runtime/supervisor"
	logx "slotkeeper/pkg/logx"
)

// Service owns the worker pool and the armed After timers. The pool can be
// stopped and started again; timers belong to the service, not the pool.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	pool *pool // nil while stopped

	log logx.Logger
	bus eventbus.Bus

	tmu    sync.Mutex
	timers map[string]*armedJob
	tver   uint64

	hmu     sync.Mutex
	history []HistoryItem

	inFlight atomic.Int32
	ids      atomic.Uint64

	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64
	warnFull     rate.Sometimes
	warnStale    rate.Sometimes
}

// pool is one generation of workers.
type pool struct {
	queue chan queuedJob
	quit  chan struct{}
	sup   *rtsup.Supervisor
}

type queuedJob struct {
	job      Job
	queued   time.Time
	deadline time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "engine")),
		bus:       bus,
		timers:    map[string]*armedJob{},
		warnFull:  rate.Sometimes{Interval: 5 * time.Second},
		warnStale: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool != nil
}

// Apply swaps config. Resizing restarts the pool; armed timers survive.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	switch up := s.running(); {
	case up && !cfg.Enabled:
		s.Stop(ctx)
	case up && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.stopPool(ctx)
		s.Start(ctx)
	case !up && cfg.Enabled:
		s.Start(ctx)
	}
}

// Start launches a pool if enabled and not already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled || s.pool != nil {
		s.mu.Unlock()
		return
	}
	workers := s.cfg.Workers
	p := &pool{
		queue: make(chan queuedJob, s.cfg.QueueSize),
		quit:  make(chan struct{}),
		sup:   rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log)),
	}
	s.pool = p
	s.mu.Unlock()

	for i := range workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p, i)
			select {
			case <-p.quit:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker returned while pool is live")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("engine started", logx.Int("workers", workers), logx.Int("queue", cap(p.queue)))
}

// Stop disarms every After job and stops the pool. Jobs still queued are
// abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.cancelAll()
	s.stopPool(ctx)
}

func (s *Service) stopPool(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	s.pool = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	close(p.quit)
	if err := p.sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("engine stopped")
}

// Enqueue hands j to the pool without blocking.
func (s *Service) Enqueue(j Job) error {
	now := time.Now()
	j, err := s.prepare(j, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	enabled, p, timeout := s.cfg.Enabled, s.pool, s.cfg.DefaultTimeout
	s.mu.Unlock()
	switch {
	case !enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	}
	select {
	case <-p.quit:
		return ErrStopping
	default:
	}

	if j.Timeout > 0 {
		timeout = j.Timeout
	}
	select {
	case p.queue <- queuedJob{job: j, queued: now, deadline: timeout}:
		return nil
	default:
		s.dropFull(now, j, p.queue)
		return ErrQueueFull
	}
}

func (s *Service) prepare(j Job, now time.Time) (Job, error) {
	j.Name = strings.TrimSpace(j.Name)
	switch {
	case j.Run == nil:
		return j, errors.New("engine: job has no Run func")
	case j.Name == "":
		return j, errors.New("engine: job has no name")
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = fmt.Sprintf("%s-%d-%d", j.Name, now.Unix(), s.ids.Add(1))
	}
	return j, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          p != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		Pending:          s.PendingJobs(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
		snap.Pool = p.sup.Snapshot()
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Service) dropFull(now time.Time, j Job, q chan queuedJob) {
	n := s.droppedFull.Add(1)
	eventbus.Publish(s.bus, eventbus.JobDropped, JobEvent{ID: j.ID, Name: j.Name, Started: now, Error: "queue_full"})
	s.warnFull.Do(func() {
		s.log.Warn("job dropped: queue full", logx.String("job", j.Name), logx.Int("queue_cap", cap(q)), logx.Uint64("dropped_total", n))
	})
}

func (s *Service) dropStale(now time.Time, j Job, waited time.Duration) {
	n := s.droppedStale.Add(1)
	eventbus.Publish(s.bus, eventbus.JobDropped, JobEvent{ID: j.ID, Name: j.Name, Started: now, QueueDelay: waited, Error: "stale"})
	s.record(HistoryItem{ID: j.ID, Name: j.Name, Started: now, QueueDelay: waited, Error: "stale"})
	s.warnStale.Do(func() {
		s.log.Warn("job dropped: waited too long in queue", logx.String("job", j.Name), logx.Duration("waited", waited), logx.Uint64("dropped_total", n))
	})
}
