// Package ops serves the local operations HTTP API: health, metrics, slot
// and tick state, task and target views, and optionally pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "slotkeeper/internal/runtime/supervisor"
	logx "slotkeeper/pkg/logx"
)

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:9464"

type Server struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	cur *serving
}

// serving is one Start..Stop generation.
type serving struct {
	sup *rtsup.Supervisor

	mu sync.Mutex
	ln net.Listener
}

func (g *serving) bound() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

func (g *serving) setListener(ln net.Listener) {
	g.mu.Lock()
	g.ln = ln
	g.mu.Unlock()
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "ops"))}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listener address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	g := s.cur
	s.mu.Unlock()
	if g == nil {
		return ""
	}
	return g.bound()
}

// Reconfigure starts, stops or restarts the server to match cfg.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg != cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// Start is a no-op when disabled or already serving. A failed bind is
// retried with backoff; ops errors never cancel ctx.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	g := &serving{sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
	s.cur = g
	s.mu.Unlock()

	g.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, g) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	g := s.cur
	s.cur = nil
	s.mu.Unlock()
	if g == nil {
		return
	}
	if err := g.sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("ops server stop timed out", logx.Err(err))
		return
	}
	s.log.Info("ops server stopped")
}

// serve runs one listener until ctx ends. It returns nil only on shutdown.
func (s *Server) serve(ctx context.Context, g *serving) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("ops server refused to start: insecure bind")
		}
		s.log.Warn("ops server has no token on a non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}
	g.setListener(ln)
	defer g.setListener(nil)

	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if srv.Shutdown(sctx) != nil {
			_ = srv.Close()
		}
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	// Serve ended on its own; release the shutdown goroutine.
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("ops server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				if rest, ok := strings.CutPrefix(ah, "Bearer "); ok {
					got = strings.TrimSpace(rest)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
