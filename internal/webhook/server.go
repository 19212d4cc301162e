package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/normalize"
)

// DefaultMaxBodyBytes bounds a webhook body.
const DefaultMaxBodyBytes = 1 << 20

// Normalizer turns a raw webhook body into snapshots.
type Normalizer interface {
	Webhook(body []byte) ([]device.Snapshot, error)
}

// Applier merges snapshots into canonical state.
type Applier interface {
	Apply(snap device.Snapshot) (device.ChangeSet, error)
}

// Notifier is told about every accepted webhook.
type Notifier interface {
	NoteWebhook()
}

// Config holds webhook server settings.
type Config struct {
	Addr            string
	Path            string
	VerifySignature bool
	MaxBodyBytes    int64
}

// Server receives vendor push notifications and feeds them into the
// reconciler.
type Server struct {
	cfg        Config
	verifier   Verifier
	normalizer Normalizer
	applier    Applier
	notifier   Notifier
	httpServer *http.Server
}

// NewServer creates a new webhook server. verifier and notifier may be nil.
func NewServer(cfg Config, verifier Verifier, normalizer Normalizer, applier Applier, notifier Notifier) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook/netatmo"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		cfg:        cfg,
		verifier:   verifier,
		normalizer: normalizer,
		applier:    applier,
		notifier:   notifier,
	}
}

// Handler returns the webhook routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(s.cfg.Path, s.handleWebhook)
	return r
}

// Run starts the webhook server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("Starting webhook server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Webhook server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// handleWebhook verifies, normalizes and applies one push notification.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			received.WithLabelValues("too_large").Inc()
			writeStatus(w, http.StatusRequestEntityTooLarge, "error")
			return
		}
		log.Error().Err(err).Msg("Failed to read webhook request body")
		received.WithLabelValues("read_error").Inc()
		writeStatus(w, http.StatusBadRequest, "error")
		return
	}
	defer r.Body.Close()

	if s.cfg.VerifySignature && s.verifier != nil && !s.verifier.Verify(body, r.Header) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Rejecting webhook with bad signature")
		received.WithLabelValues("unauthorized").Inc()
		writeStatus(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	snaps, err := s.normalizer.Webhook(body)
	if err != nil {
		if errors.Is(err, normalize.ErrInvalidPayload) {
			log.Warn().Err(err).Int("body_len", len(body)).Msg("Rejecting unparseable webhook")
			received.WithLabelValues("invalid").Inc()
			writeStatus(w, http.StatusBadRequest, "invalid payload")
			return
		}
		log.Error().Err(err).Msg("Failed to normalize webhook")
		received.WithLabelValues("error").Inc()
		writeStatus(w, http.StatusInternalServerError, "error")
		return
	}

	changed := 0
	for _, snap := range snaps {
		cs, err := s.applier.Apply(snap)
		if err != nil {
			log.Warn().Err(err).Str("device", snap.DeviceID).Msg("Failed to apply webhook snapshot")
			continue
		}
		if !cs.Empty() {
			changed++
		}
	}

	if s.notifier != nil {
		s.notifier.NoteWebhook()
	}

	received.WithLabelValues("ok").Inc()
	log.Debug().
		Int("body_len", len(body)).
		Int("snapshots", len(snaps)).
		Int("changed", changed).
		Msg("Received webhook")

	writeStatus(w, http.StatusOK, "ok")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}
