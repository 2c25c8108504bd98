package target

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	logx "slotkeeper/pkg/logx"
	"slotkeeper/pkg/systemd"
)

const (
	KindSystemd   = "systemd"
	KindSystemctl = "systemctl"
	KindHTTP      = "http"
	KindNoop      = "noop"
)

// Spec describes one configured target.
type Spec struct {
	ID      string
	Kind    string
	Unit    string        // systemd, systemctl
	User    bool          // systemctl --user
	Bin     string        // systemctl binary
	URL     string        // http
	Token   string        // http bearer token
	Timeout time.Duration // http client timeout
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("target id is required")
	}
	switch s.Kind {
	case KindSystemd, KindSystemctl:
		if strings.TrimSpace(s.Unit) == "" {
			return fmt.Errorf("target %s: unit is required for kind %s", s.ID, s.Kind)
		}
	case KindHTTP:
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("target %s: url must be http(s)", s.ID)
		}
	case KindNoop:
	default:
		return fmt.Errorf("target %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// Deps are shared by every target the registry builds. Units is only
// needed when a systemd target is configured.
type Deps struct {
	Sink  LogSink
	Log   logx.Logger
	Units UnitController
	Now   func() time.Time
}

type Registry struct {
	mu      sync.RWMutex
	deps    Deps
	targets map[string]Target
	specs   map[string]Spec
}

func NewRegistry(d Deps) *Registry {
	d.Log = d.Log.With(logx.String("comp", "targets"))
	return &Registry{deps: d, targets: map[string]Target{}, specs: map[string]Spec{}}
}

// SetUnits binds the systemd controller, for example after a lazy connect.
func (r *Registry) SetUnits(u UnitController) {
	r.mu.Lock()
	r.deps.Units = u
	r.mu.Unlock()
}

// Apply replaces the target set. Either every spec builds or nothing
// changes. Targets whose spec is unchanged are kept as they are.
func (r *Registry) Apply(specs []Spec) error {
	r.mu.RLock()
	deps := r.deps
	old, oldSpecs := r.targets, r.specs
	r.mu.RUnlock()

	next := make(map[string]Target, len(specs))
	nextSpecs := make(map[string]Spec, len(specs))
	var errs []error
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := next[s.ID]; dup {
			errs = append(errs, fmt.Errorf("target %s: duplicate id", s.ID))
			continue
		}
		if prev, ok := oldSpecs[s.ID]; ok && prev == s {
			next[s.ID], nextSpecs[s.ID] = old[s.ID], s
			continue
		}
		t, err := build(s, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next[s.ID], nextSpecs[s.ID] = t, s
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.mu.Lock()
	r.targets, r.specs = next, nextSpecs
	r.mu.Unlock()
	deps.Log.Info("targets applied", logx.Int("count", len(next)))
	return nil
}

func build(s Spec, d Deps) (Target, error) {
	b := newBase(s.ID, d)
	switch s.Kind {
	case KindSystemd:
		if d.Units == nil {
			return nil, fmt.Errorf("target %s: systemd bus not available", s.ID)
		}
		return &systemdTarget{base: b, unit: s.Unit, units: d.Units}, nil
	case KindSystemctl:
		return &systemctlTarget{base: b, unit: s.Unit, ctl: systemd.Runner{Bin: s.Bin, User: s.User}}, nil
	case KindHTTP:
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return &httpTarget{base: b, url: s.URL, token: s.Token, client: &http.Client{Timeout: timeout}}, nil
	default:
		return &noopTarget{base: b}, nil
	}
}

// Resolve returns the target for id or ErrUnknownTarget.
func (r *Registry) Resolve(_ context.Context, id string) (Target, error) {
	r.mu.RLock()
	t, ok := r.targets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return t, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Specs returns the applied specs sorted by id.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
