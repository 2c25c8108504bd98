package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotkeeper/internal/eventbus"
	rtsup "slotkeeper/internal/runtime/supervisor"
	"slotkeeper/internal/transport"
	logx "slotkeeper/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 100

type job struct {
	text string
	key  string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// delivery is one Start..Stop generation of queue and workers.
type delivery struct {
	queue   chan job
	persist chan dedupWrite // nil unless dedup marks are persisted
	sup     *rtsup.Supervisor
	// senders counts enqueue calls still holding queue.
	senders sync.WaitGroup
}

// Service is safe for concurrent use. A nil sender or a disabled config
// still logs every anomaly.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore
	seen  *suppressor

	mu      sync.Mutex
	cfg     Config
	sender  transport.Sender
	limiter *rate.Limiter
	cur     *delivery

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		seen:   newSuppressor(store),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SetSender swaps the delivery transport, for example after a token change.
func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Apply updates knobs. Queue size and worker count take effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so a short storm is not delayed.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Start begins delivery if enabled. Delivery runs until Stop, not until
// ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	// Detached so Stop can still drain after ctx is canceled.
	d := &delivery{
		queue: make(chan job, s.cfg.QueueSize),
		sup:   rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log)),
	}
	if s.cfg.PersistDedup && s.store != nil {
		d.persist = make(chan dedupWrite, 256)
	}
	s.cur = d
	workers := s.cfg.Workers
	s.mu.Unlock()

	if d.persist != nil {
		d.sup.GoRestart("dedup.persist", func(c context.Context) error { return s.persistLoop(c, d.persist) })
	}
	// A panicking sender is restarted by the supervisor.
	for i := range workers {
		d.sup.GoRestart(fmt.Sprintf("sender.%d", i), func(c context.Context) error { return s.sendLoop(c, d.queue) })
	}
}

// Stop ends intake and drains what is queued until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	d := s.cur
	s.cur = nil
	s.mu.Unlock()
	if d == nil {
		return
	}

	// No enqueue can pick d up any more; wait out the ones that did.
	d.senders.Wait()
	close(d.queue)
	if d.persist != nil {
		close(d.persist)
	}
	err := d.sup.Wait(ctx)
	d.sup.Cancel()
	if err != nil && ctx.Err() != nil {
		s.log.Warn("notifier stopped before the queue drained", logx.Int("left", len(d.queue)))
	}
}

// ReportAnomaly logs the anomaly and queues it for delivery. It never
// blocks and never fails; a full queue drops the message.
func (s *Service) ReportAnomaly(ctx context.Context, msg string, err error) {
	trace := traceOf(err)
	s.log.Error(msg, logx.Err(err), logx.Stack(trace))
	if qerr := s.enqueue(ctx, msg, err, trace); qerr != nil && !errors.Is(qerr, ErrDisabled) {
		s.log.Warn("anomaly not queued", logx.String("msg", msg), logx.Err(qerr))
	}
}

func (s *Service) enqueue(ctx context.Context, msg string, cause error, trace string) error {
	s.mu.Lock()
	cfg, d := s.cfg, s.cur
	switch {
	case !cfg.Enabled || s.sender == nil:
		s.mu.Unlock()
		return ErrDisabled
	case d == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	d.senders.Add(1)
	s.mu.Unlock()
	defer d.senders.Done()

	key, now := dedupKey(msg, cause), time.Now()
	if cfg.DedupWindow > 0 {
		until, ok := s.seen.admit(ctx, key, now, cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup)
		if !ok {
			eventbus.Publish(s.bus, eventbus.NotifyDeduped, Event{Key: key, At: now})
			return nil
		}
		if d.persist != nil {
			select {
			case d.persist <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	select {
	case d.queue <- job{text: formatAnomaly(msg, cause, trace, cfg.MaxTraceLines), key: key}:
		eventbus.Publish(s.bus, eventbus.NotifyQueued, Event{Key: key, At: now})
		return nil
	default:
		eventbus.Publish(s.bus, eventbus.NotifyDropped, Event{Key: key, At: now, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// History lists the most recently delivered anomalies, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if over := len(s.history) - historySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-ch:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup mark not persisted", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends j, retrying with backoff. The limiter paces every attempt.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(cfg, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = sender.SendText(sctx, cfg.Target, j.text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.remember(j.text)
			eventbus.Publish(s.bus, eventbus.NotifySent, Event{Key: j.key, At: time.Now()})
			return
		}
		s.log.Debug("anomaly send failed", logx.Err(err), logx.Int("attempt", attempt+1))
	}
	s.log.Warn("anomaly delivery failed", logx.Int("attempts", cfg.RetryMax+1), logx.Err(err))
	eventbus.Publish(s.bus, eventbus.NotifyFailed, Event{Key: j.key, At: time.Now(), Error: err.Error()})
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

type traced interface{ Trace() string }

func traceOf(err error) string {
	var t traced
	if errors.As(err, &t) {
		return t.Trace()
	}
	return ""
}
