// Package httpserver exposes the WebSub callback endpoints and the operator
// surface (/healthz, /stats) over a chi router.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsrelay/internal/faults"
	"newsrelay/internal/websub"
	logx "newsrelay/pkg/logx"
)

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxBodyBytes      int64
	Pprof             bool
	PprofToken        string
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 2 << 20
	}
}

// Callbacks is the subscription side of the webhook.
type Callbacks interface {
	HandleVerification(feedID string, q url.Values) (string, error)
	HandlePush(ctx context.Context, feedID string, body []byte, h http.Header) ([]websub.FeedItem, error)
}

// Intake receives decomposed items and rejected payloads.
type Intake interface {
	Accept(items []websub.FeedItem) error
	Rejected(feedID string, err error)
}

// StatsFunc builds the /stats document.
type StatsFunc func() any

type Server struct {
	cfg    Config
	subs   Callbacks
	intake Intake
	stats  StatsFunc
	log    logx.Logger

	draining atomic.Bool
	router   chi.Router
	srv      *http.Server
}

func New(cfg Config, subs Callbacks, intake Intake, stats StatsFunc, log logx.Logger) *Server {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if stats == nil {
		stats = func() any { return map[string]any{} }
	}
	s := &Server{cfg: cfg, subs: subs, intake: intake, stats: stats, log: log}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/webhook/{feedID}", s.handleVerify)
	r.Post("/webhook/{feedID}", s.handlePush)
	if s.cfg.Pprof {
		r.With(bearer(s.cfg.PprofToken)).Mount("/debug", middleware.Profiler())
	}
	return r
}

// Drain makes the webhook refuse new pushes with 503 while the rest of the
// process winds down. Health reports unavailable from then on.
func (s *Server) Drain() { s.draining.Store(true) }

// Serve listens on the configured address and blocks until Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return faults.Wrap(faults.Lifecycle, "httpserver.listen", err)
	}
	return s.ServeListener(ln)
}

func (s *Server) ServeListener(ln net.Listener) error {
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains intake and stops the listener, waiting for in-flight
// requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Drain()
	err := s.srv.Shutdown(ctx)
	if err != nil {
		_ = s.srv.Close()
	}
	return err
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	challenge, err := s.subs.HandleVerification(feedID, r.URL.Query())
	if err != nil {
		s.log.Debug("verification refused", logx.String("feed", feedID), logx.Err(err))
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	if s.draining.Load() {
		unavailable(w, 0)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.intake.Rejected(feedID, faults.Validationf("httpserver.push", "body exceeds %d bytes", tooBig.Limit))
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	items, err := s.subs.HandlePush(r.Context(), feedID, body, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, websub.ErrUnknownFeed):
		http.Error(w, "unknown feed", http.StatusNotFound)
		return
	case errors.Is(err, websub.ErrBadSignature):
		s.intake.Rejected(feedID, err)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	case errors.Is(err, websub.ErrNotDelivering):
		http.Error(w, "subscription inactive", http.StatusGone)
		return
	case faults.KindOf(err) == faults.Validation:
		s.intake.Rejected(feedID, err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	default:
		s.log.Error("push failed", logx.String("feed", feedID), logx.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.intake.Accept(items); err != nil {
		s.log.Warn("push not accepted", logx.String("feed", feedID), logx.Int("items", len(items)), logx.Err(err))
		retry := time.Duration(0)
		if faults.KindOf(err) == faults.ResourceExhausted {
			retry = 5 * time.Second
		}
		unavailable(w, retry)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.String("remote", r.RemoteAddr),
		)
	})
}

// bearer guards a route with a static token. An empty token allows all.
func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unavailable(w http.ResponseWriter, retry time.Duration) {
	if retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	}
	http.Error(w, "unavailable", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
