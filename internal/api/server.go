// Package api serves the command, state read and subscription HTTP surface
// together with health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/auth"
	"github.com/dokzlo13/thermd/internal/command"
	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/ledger"
	"github.com/dokzlo13/thermd/internal/poller"
	"github.com/dokzlo13/thermd/internal/reconcile"
)

// Commands issues device changes and reports the ones in flight.
type Commands interface {
	SetMode(ctx context.Context, deviceID string, m device.Mode) (device.Device, error)
	SetSchedule(ctx context.Context, deviceID, name string) (device.Device, error)
	SetTemperature(ctx context.Context, deviceID string, celsius float64) (device.Device, error)
	Outstanding() []command.Status
}

// State reads canonical device state.
type State interface {
	Device(id string) (device.Device, bool)
	Devices() []device.Device
	Stats() reconcile.Stats
}

// Subscriber delivers ChangeSets.
type Subscriber interface {
	Subscribe(handler eventbus.Handler) (unsubscribe func())
}

// AuthStatus reports credential health.
type AuthStatus interface {
	Status() auth.Status
}

// PollerStats reports poll loop health.
type PollerStats interface {
	Stats() poller.Stats
}

// ParkedCounter reports how many webhook updates wait for an unknown device.
type ParkedCounter interface {
	Parked() int
}

// LedgerReader returns recent command ledger entries.
type LedgerReader interface {
	Recent(limit int) ([]*ledger.Entry, error)
}

// Deps are the collaborators the API reads from. Auth, Tokens, Poller,
// Parked, Ledger and Gatherer may be nil.
type Deps struct {
	Commands Commands
	State    State
	Bus      Subscriber
	Auth     AuthStatus
	Tokens   Reauthorizer
	Poller   PollerStats
	Parked   ParkedCounter
	Ledger   LedgerReader
	Gatherer prometheus.Gatherer
}

// Server is the command/state API server.
type Server struct {
	addr       string
	deps       Deps
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr: addr,
		deps: deps,
	}
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.listDevices)
		r.Get("/devices/{id}", s.getDevice)
		r.Put("/devices/{id}/mode", s.setMode)
		r.Put("/devices/{id}/schedule", s.setSchedule)
		r.Put("/devices/{id}/temperature", s.setTemperature)
		r.Get("/devices/{id}/subscribe", s.subscribe)
		r.Get("/diagnostics", s.diagnostics)
		if s.deps.Tokens != nil {
			r.Put("/auth/token", s.setToken)
		}
	})

	return r
}

// Run starts the API server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked subscription streams end with ctx.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready once a poll has populated state.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Poller != nil && s.deps.Poller.Stats().LastSuccess.IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{
		"error":   kind,
		"message": message,
	})
}
