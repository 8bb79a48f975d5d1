// Package httpapi implements the optional read-only query server (spec
// §6): /events and /bars/1s, both answering {count, items:[...]} with a
// correlation id echoed back. Adapted from cryptorun's
// internal/interfaces/http/server.go: same gorilla/mux router,
// correlation-id/logging/timeout middleware chain, and fail-fast bind check
// in New, narrowed from its candidates/explain/regime routes to the two
// read endpoints this core exposes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ingestcore/marketdata/internal/candle"
	"github.com/ingestcore/marketdata/internal/eventlog"
	"github.com/ingestcore/marketdata/internal/writer"
)

type correlationIDKey struct{}

// Config configures the server's bind address and the backends it reads
// from.
type Config struct {
	Addr         string
	Sink         *eventlog.Sink
	Writer       *writer.Writer
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the read-only HTTP query surface.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	router *mux.Router
	http   *http.Server
}

// New builds a Server and verifies the configured address is available,
// matching the teacher's fail-fast bind check in NewServer.
func New(cfg Config, log zerolog.Logger) (*Server, error) {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: address %s is busy or unavailable: %w", cfg.Addr, err)
	}
	listener.Close()

	s := &Server{cfg: cfg, log: log, router: mux.NewRouter()}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.correlationIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/bars/1s", s.handleBars).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Str("correlation_id", correlationID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey{}).(string)
	return v
}

type envelope struct {
	Count         int   `json:"count"`
	CorrelationID string `json:"correlation_id"`
	Items         any   `json:"items"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, items any, count int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Count: count, CorrelationID: correlationID(r.Context()), Items: items})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "correlation_id": correlationID(r.Context())})
}

// handleEvents serves GET /events?source&event_type&ts_min&ts_max&limit&order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sink == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "event log not available in this run mode")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	tsMin, _ := strconv.ParseInt(q.Get("ts_min"), 10, 64)
	tsMax, _ := strconv.ParseInt(q.Get("ts_max"), 10, 64)
	if limit > 50000 {
		s.writeError(w, r, http.StatusBadRequest, "limit must be <= 50000")
		return
	}

	events, err := s.cfg.Sink.Events(eventlog.Query{
		Source:     q.Get("source"),
		EventType:  q.Get("event_type"),
		TsMinMs:    tsMin,
		TsMaxMs:    tsMax,
		Limit:      limit,
		Descending: q.Get("order") == "desc",
	})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, events, len(events))
}

// handleBars serves GET /bars/1s?venue=...&symbol=...[&start_ms&end_ms] from
// the stored 1m bars, the finest granularity this store holds (the engine
// persists no sub-minute bars). Items are the open_time_ms values of the
// stored bars in the window, in no particular order; OHLCV fields are not
// returned.
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Writer == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "writer not available in this run mode")
		return
	}
	q := r.URL.Query()
	symbol := q.Get("symbol")
	venueName := q.Get("venue")
	if symbol == "" || venueName == "" {
		s.writeError(w, r, http.StatusBadRequest, "symbol and venue are required")
		return
	}
	startMs, _ := strconv.ParseInt(q.Get("start_ms"), 10, 64)
	endMs, _ := strconv.ParseInt(q.Get("end_ms"), 10, 64)
	if endMs == 0 {
		endMs = time.Now().UnixMilli()
	}

	open, err := s.cfg.Writer.ExistingOpenTimes(venueName, symbol, candle.TF1m, startMs, endMs)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	times := make([]int64, 0, len(open))
	for t := range open {
		times = append(times, t)
	}
	s.writeJSON(w, r, times, len(times))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusNotFound, "not found")
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("httpapi: starting read-only query server")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
