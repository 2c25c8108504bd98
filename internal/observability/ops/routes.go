package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"slotkeeper/internal/notifier"
	"slotkeeper/internal/runtime/supervisor"
	"slotkeeper/internal/slot"
	"slotkeeper/internal/storage"
	"slotkeeper/internal/target"
	"slotkeeper/internal/task"
	"slotkeeper/internal/task/engine"
	"slotkeeper/internal/task/scheduler"
)

type SchedulerView interface {
	Clock() slot.Clock
	LastReport() *scheduler.Report
}

type EngineView interface {
	Snapshot() engine.Snapshot
}

type TaskLister interface {
	ListTasks(ctx context.Context) ([]task.Task, error)
}

type TargetLogReader interface {
	TargetLogs(ctx context.Context, targetID string, limit int) ([]storage.TargetLogEntry, error)
}

type TargetLister interface {
	Specs() []target.Spec
}

// RuntimeView exposes the service's supervised goroutines.
type RuntimeView interface {
	Runtime() supervisor.Snapshot
}

// NotificationView lists anomalies delivered to the operator channel.
type NotificationView interface {
	History() []notifier.HistoryItem
}

// Deps are read-only views of the running service. Nil views make their
// routes answer 503.
type Deps struct {
	Scheduler SchedulerView
	Engine    EngineView
	Tasks     TaskLister
	Logs      TargetLogReader
	Targets   TargetLister
	Runtime   RuntimeView
	Notices   NotificationView
	Metrics   http.Handler
	// Settle is added to the reported re-arm delay on /slot.
	Settle time.Duration
}

const defaultLogLimit = 50

// Handler builds the router for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	d := s.deps
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if d.Scheduler != nil {
			if rep := d.Scheduler.LastReport(); rep != nil {
				body["last_tick"] = rep.StartedAt
				body["last_tick_ok"] = rep.Err == nil
			}
		}
		writeJSON(w, http.StatusOK, body)
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Get("/slot", func(w http.ResponseWriter, _ *http.Request) {
		if d.Scheduler == nil {
			unavailable(w)
			return
		}
		clock := d.Scheduler.Clock()
		cur, err := clock.Current()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, slotView{
			Now:        cur.Value,
			Key:        clock.Format(cur.Snap),
			Raw:        int(cur.Snap),
			Valid:      cur.Valid,
			Boundary:   cur.At,
			Next:       clock.Format(cur.NextSnap),
			NextAt:     cur.NextAt,
			SleepUnits: clock.SleepUnits(cur),
			Delay:      clock.Delay(cur, cur.Value, d.Settle).String(),
		})
	})
	r.Get("/ticks/last", func(w http.ResponseWriter, _ *http.Request) {
		if d.Scheduler == nil {
			unavailable(w)
			return
		}
		rep := d.Scheduler.LastReport()
		if rep == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tick yet"})
			return
		}
		writeJSON(w, http.StatusOK, rep.View(d.Scheduler.Clock()))
	})
	r.Get("/engine", func(w http.ResponseWriter, _ *http.Request) {
		if d.Engine == nil {
			unavailable(w)
			return
		}
		writeJSON(w, http.StatusOK, d.Engine.Snapshot())
	})
	r.Get("/runtime", func(w http.ResponseWriter, _ *http.Request) {
		if d.Runtime == nil {
			unavailable(w)
			return
		}
		writeJSON(w, http.StatusOK, d.Runtime.Runtime())
	})
	r.Get("/notifications", func(w http.ResponseWriter, _ *http.Request) {
		if d.Notices == nil {
			unavailable(w)
			return
		}
		h := d.Notices.History()
		if h == nil {
			h = []notifier.HistoryItem{}
		}
		writeJSON(w, http.StatusOK, h)
	})
	r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if d.Tasks == nil || d.Scheduler == nil {
			unavailable(w)
			return
		}
		ts, err := d.Tasks.ListTasks(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		clock := d.Scheduler.Clock()
		out := make([]taskView, 0, len(ts))
		for _, t := range ts {
			out = append(out, taskView{ID: t.ID, At: clock.Format(t.Snap), Action: t.Action.Raw, Target: t.TargetID})
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/targets", func(w http.ResponseWriter, _ *http.Request) {
		if d.Targets == nil {
			unavailable(w)
			return
		}
		specs := d.Targets.Specs()
		out := make([]targetView, 0, len(specs))
		for _, sp := range specs {
			out = append(out, targetView{ID: sp.ID, Kind: sp.Kind, Unit: sp.Unit, URL: sp.URL})
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/targets/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		if d.Logs == nil {
			unavailable(w)
			return
		}
		limit := defaultLogLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		entries, err := d.Logs.TargetLogs(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if entries == nil {
			entries = []storage.TargetLogEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type slotView struct {
	Now        time.Time `json:"now"`
	Key        string    `json:"key"`
	Raw        int       `json:"raw"`
	Valid      bool      `json:"valid"`
	Boundary   time.Time `json:"boundary"`
	Next       string    `json:"next"`
	NextAt     time.Time `json:"next_at"`
	SleepUnits int       `json:"sleep_units"`
	Delay      string    `json:"delay"`
}

type taskView struct {
	ID     string `json:"id"`
	At     string `json:"at"`
	Action string `json:"action"`
	Target string `json:"target"`
}

type targetView struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Unit string `json:"unit,omitempty"`
	URL  string `json:"url,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func unavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not available"})
}
