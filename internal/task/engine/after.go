package engine

import (
	"errors"
	"sort"
	"strings"
	"time"

	logx "slotkeeper/pkg/logx"
)

type armedJob struct {
	timer *time.Timer
	ver   uint64
	at    time.Time
}

// After arms job to be enqueued once delay has elapsed. Jobs are keyed by
// Name: arming a name that is already pending replaces the earlier timer.
func (s *Service) After(delay time.Duration, j Job) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	j, err := s.prepare(j, time.Now())
	if err != nil {
		return err
	}
	delay = max(0, delay)
	name := j.Name

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev, ok := s.timers[name]; ok {
		prev.timer.Stop()
	}
	s.tver++
	ver := s.tver
	a := &armedJob{ver: ver, at: time.Now().Add(delay)}
	a.timer = time.AfterFunc(delay, func() { s.fire(name, ver, j) })
	s.timers[name] = a
	return nil
}

func (s *Service) fire(name string, ver uint64, j Job) {
	s.tmu.Lock()
	cur, ok := s.timers[name]
	if !ok || cur.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, name)
	s.tmu.Unlock()

	err := s.Enqueue(j)
	if err == nil {
		return
	}
	if j.Opt.InlineOnQueueFull && (errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStopping) || errors.Is(err, ErrStopped)) {
		s.log.Warn("armed job running inline", logx.String("job", name), logx.Err(err))
		s.runInline(j)
		return
	}
	s.log.Error("armed job lost", logx.String("job", name), logx.Err(err))
}

// Cancel disarms a pending After job.
func (s *Service) Cancel(name string) bool {
	name = strings.TrimSpace(name)
	s.tmu.Lock()
	defer s.tmu.Unlock()
	a, ok := s.timers[name]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(s.timers, name)
	return true
}

func (s *Service) cancelAll() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, name)
	}
}

// PendingJobs lists armed jobs ordered by fire time.
func (s *Service) PendingJobs() []Pending {
	s.tmu.Lock()
	out := make([]Pending, 0, len(s.timers))
	for name, a := range s.timers {
		out = append(out, Pending{Name: name, At: a.at})
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
