// Package ops serves the operational HTTP endpoints: /healthz with the
// backend connectivity cell, /metrics for Prometheus and, optionally,
// net/http/pprof under /debug/pprof/.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cinebot/internal/health"
	rtsup "cinebot/internal/runtime/supervisor"
	logx "cinebot/pkg/logx"
)

const (
	DefaultAddr  = "127.0.0.1:8000"
	pprofPrefix  = "/debug/pprof/"
	readTimeout  = 10 * time.Second
	writeTimeout = 60 * time.Second // pprof profile runs 30s by default
	idleTimeout  = 60 * time.Second
)

// Config controls the ops server.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

type Server struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	status *health.Status

	srv      *http.Server
	addr     string
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, status *health.Status, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, status: status, log: log.With(logx.String("comp", "ops"))}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return normalizeAddr(a.Addr) != normalizeAddr(b.Addr) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof
}

// Start is idempotent. The listener runs under a restart loop.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			// Observability only; a broken listener must not take the bot down.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.addr, s.stopDone = nil, nil, "", nil
		s.mu.Unlock()
		s.log.Info("ops server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := normalizeAddr(cur.Addr)
	loopback := isLoopbackAddr(addr)
	if !cur.AllowInsecure && cur.Token == "" && !loopback {
		s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("ops: insecure bind refused")
	}
	if cur.AllowInsecure && cur.Token == "" && !loopback {
		s.log.Warn("ops server running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("ops: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.addr = nil, ""
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops: server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux := http.NewServeMux()
	mux.Handle("/healthz", wrap(http.HandlerFunc(s.healthz)))
	mux.Handle("/metrics", wrap(promhttp.Handler()))
	if cfg.Pprof {
		mux.Handle(pprofPrefix, wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle(pprofPrefix+"cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle(pprofPrefix+"profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle(pprofPrefix+"symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle(pprofPrefix+"trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

type healthBody struct {
	Status    string     `json:"status"`
	Connected bool       `json:"connected"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	Attempts  int        `json:"attempts"`
}

// healthz reports liveness. The process is alive even when the backend is
// not connected, so the code is always 200; "status" tells them apart.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.status.Snapshot()
	body := healthBody{Status: "degraded", Connected: snap.Connected, Attempts: snap.Attempts}
	if snap.Connected {
		body.Status = "ok"
	}
	if !snap.CheckedAt.IsZero() {
		at := snap.CheckedAt.UTC()
		body.CheckedAt = &at
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(body)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizeAddr(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
