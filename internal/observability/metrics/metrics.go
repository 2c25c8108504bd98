// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotkeeper/internal/eventbus"
	"slotkeeper/internal/task/engine"
	"slotkeeper/internal/task/scheduler"
)

const namespace = "slotkeeper"

type Metrics struct {
	reg *prometheus.Registry

	ticks        *prometheus.CounterVec
	drift        prometheus.Counter
	invalid      prometheus.Counter
	tickDuration prometheus.Histogram
	lastTick     prometheus.Gauge

	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	rearms     *prometheus.CounterVec
	rearmDelay prometheus.Gauge

	jobs   *prometheus.CounterVec
	notify *prometheus.CounterVec

	busOnce sync.Once
}

// New builds a private registry with the process and Go collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Scheduler ticks by result (ok, skipped, error).",
		}, []string{"result"}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tick_drift_total",
			Help: "Ticks that ran at a different slot than they were armed for.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tick_invalid_slot_total",
			Help: "Ticks that ran off the slot grid and skipped their tasks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Wall time of one tick including dispatch and re-arm.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_tick_timestamp_seconds",
			Help: "Unix time the last tick started.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_total",
			Help: "Dispatched tasks by action and outcome.",
		}, []string{"action", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Duration of target start/stop calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"action"}),
		rearms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rearms_total",
			Help: "Re-arm attempts by result.",
		}, []string{"result"}),
		rearmDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rearm_delay_seconds",
			Help: "Delay of the most recently armed tick.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "engine_jobs_total",
			Help: "Task engine job events.",
		}, []string{"event"}),
		notify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_total",
			Help: "Operator channel events (queued, sent, failed, deduped, dropped).",
		}, []string{"event"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.drift, m.invalid, m.tickDuration, m.lastTick,
		m.tasks, m.taskDuration, m.rearms, m.rearmDelay, m.jobs, m.notify,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	m.busOnce.Do(func() {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "eventbus_dropped_total",
			Help: "Events a full subscriber buffer did not receive.",
		}, func() float64 { return float64(bus.Dropped()) }))
	})
	events, unsub := bus.Subscribe(256, "tick.", "task.", "job.", "notify.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TickDrift:
		m.drift.Inc()
	case eventbus.TickInvalid:
		m.invalid.Inc()
	case eventbus.TickFinished:
		rep, ok := e.Data.(*scheduler.Report)
		if !ok || rep == nil {
			return
		}
		result := "ok"
		switch {
		case rep.Err != nil:
			result = "error"
		case rep.Skipped:
			result = "skipped"
		}
		m.ticks.WithLabelValues(result).Inc()
		m.tickDuration.Observe(rep.Duration.Seconds())
		m.lastTick.Set(float64(rep.StartedAt.Unix()))
	case eventbus.TaskResult:
		res, ok := e.Data.(scheduler.Result)
		if !ok {
			return
		}
		m.tasks.WithLabelValues(res.Action, res.Outcome.String()).Inc()
		m.taskDuration.WithLabelValues(res.Action).Observe(res.Duration.Seconds())
	case eventbus.TickRearmed:
		r, ok := e.Data.(scheduler.Rearm)
		if !ok || r.Parked {
			return
		}
		if r.Err != nil {
			m.rearms.WithLabelValues("error").Inc()
			return
		}
		m.rearms.WithLabelValues("ok").Inc()
		m.rearmDelay.Set(r.Delay.Seconds())
	case eventbus.JobStarted, eventbus.JobFinished, eventbus.JobFailed, eventbus.JobDropped:
		if _, ok := e.Data.(engine.JobEvent); ok {
			m.jobs.WithLabelValues(e.Type).Inc()
		}
	case eventbus.NotifyQueued, eventbus.NotifySent, eventbus.NotifyFailed, eventbus.NotifyDeduped, eventbus.NotifyDropped:
		m.notify.WithLabelValues(e.Type).Inc()
	}
}
