package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"slotkeeper/internal/notifier"
	"slotkeeper/internal/runtime/supervisor"
	"slotkeeper/internal/slot"
	"slotkeeper/internal/storage"
	"slotkeeper/internal/target"
	"slotkeeper/internal/task"
	"slotkeeper/internal/task/scheduler"
	logx "slotkeeper/pkg/logx"
)

type fakeNotices []notifier.HistoryItem

func (f fakeNotices) History() []notifier.HistoryItem { return f }

type fakeRuntime struct{}

func (fakeRuntime) Runtime() supervisor.Snapshot {
	return supervisor.Snapshot{Running: 1, Goroutines: []supervisor.Stats{{Name: "config.watch", Running: 1, Runs: 1}}}
}

type fakeScheduler struct {
	clock slot.Clock
	last  *scheduler.Report
}

func (f fakeScheduler) Clock() slot.Clock              { return f.clock }
func (f fakeScheduler) LastReport() *scheduler.Report { return f.last }

type fakeTasks []task.Task

func (f fakeTasks) ListTasks(context.Context) ([]task.Task, error) { return f, nil }

type fakeLogs map[string][]storage.TargetLogEntry

func (f fakeLogs) TargetLogs(_ context.Context, id string, limit int) ([]storage.TargetLogEntry, error) {
	if id == "broken" {
		return nil, errors.New("disk gone")
	}
	e := f[id]
	if len(e) > limit {
		e = e[len(e)-limit:]
	}
	return e, nil
}

type fakeTargets []target.Spec

func (f fakeTargets) Specs() []target.Spec { return f }

func testClock() slot.Clock {
	now := time.Date(2024, 3, 5, 3, 0, 2, 0, time.UTC) // Tue 03:00:02
	return slot.Clock{Location: time.UTC, Tolerance: 10 * time.Second, Now: func() time.Time { return now }}
}

func testDeps() Deps {
	clock := testClock()
	tue3, _ := clock.ParseKey("Tue 03:00")
	return Deps{
		Scheduler: fakeScheduler{clock: clock, last: &scheduler.Report{ID: "r1", Expected: tue3, StartedAt: time.Now()}},
		Tasks:     fakeTasks{{ID: "t1", Snap: tue3, Action: task.Start, TargetID: "web"}},
		Logs: fakeLogs{"web": {
			{TargetID: "web", Msg: "one"}, {TargetID: "web", Msg: "two"}, {TargetID: "web", Msg: "three"},
		}},
		Targets: fakeTargets{{ID: "api", Kind: target.KindHTTP, URL: "http://x", Token: "secret"}},
		Runtime: fakeRuntime{},
		Notices: fakeNotices{{At: time.Now(), Text: "slot drift on Tue 03:00"}},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) }),
		Settle:  250 * time.Millisecond,
	}
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(hdr) == 2 {
		req.Header.Set(hdr[0], hdr[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testDeps(), logx.Nop()).Handler(Config{})

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/healthz", 200, `"status": "ok"`},
		{"/metrics", 200, "m 1"},
		{"/slot", 200, `"key": "Tue 03:00"`},
		{"/ticks/last", 200, `"id": "r1"`},
		{"/tasks", 200, `"at": "Tue 03:00"`},
		{"/targets", 200, `"kind": "http"`},
		{"/targets/web/logs?limit=2", 200, `"three"`},
		{"/targets/web/logs?limit=0", 400, "limit"},
		{"/targets/broken/logs", 500, "disk gone"},
		{"/engine", 503, "not available"},
		{"/runtime", 200, `"name": "config.watch"`},
		{"/notifications", 200, "slot drift on Tue 03:00"},
		{"/debug/pprof/", 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			rec := get(t, h, tt.path)
			if rec.Code != tt.status {
				t.Fatalf("GET %s = %d, want %d (%s)", tt.path, rec.Code, tt.status, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Fatalf("GET %s body = %s, want substring %q", tt.path, rec.Body.String(), tt.want)
			}
		})
	}
}

func TestTargetsHideTokens(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testDeps(), logx.Nop()).Handler(Config{})
	if body := get(t, h, "/targets").Body.String(); strings.Contains(body, "secret") {
		t.Fatalf("/targets leaked token: %s", body)
	}
}

func TestTargetLogsLimit(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testDeps(), logx.Nop()).Handler(Config{})
	var got []storage.TargetLogEntry
	if err := json.Unmarshal(get(t, h, "/targets/web/logs?limit=2").Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Msg != "two" {
		t.Fatalf("logs = %+v", got)
	}
}

func TestSlotView(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testDeps(), logx.Nop()).Handler(Config{})
	var v slotView
	if err := json.Unmarshal(get(t, h, "/slot").Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.Next != "Tue 03:01" || v.SleepUnits != 1 {
		t.Fatalf("slot = %+v", v)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	cfg := Config{Token: "s3cret"}
	h := New(cfg, testDeps(), logx.Nop()).Handler(cfg)

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad query token = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "/healthz", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", rec.Code)
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	cfg := Config{Pprof: true}
	h := New(cfg, Deps{}, logx.Nop()).Handler(cfg)
	if rec := get(t, h, "/debug/pprof/cmdline"); rec.Code != http.StatusOK {
		t.Fatalf("pprof cmdline = %d", rec.Code)
	}
	if rec := get(t, h, "/ticks/last"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no scheduler = %d, want 503", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9464", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":9464", false},
		{"0.0.0.0:9464", false},
		{"10.0.0.1:80", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestServeAndReconfigure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{}, testDeps(), logx.Nop())
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, 3*time.Second)
	defer stopCancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("Addr() = %q after disable", s.Addr())
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.serve(context.Background(), &serving{}); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serve() = %v, want insecure bind refusal", err)
	}
}
