package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dsalaberry/turnero/internal/messaging"
	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

// DefaultAddr is where the dashboard API listens by default.
const DefaultAddr = ":8080"

// Opts holds server configuration.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc // mounted at /webhook/twilio when set
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the Twilio inbound webhook handler.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server is the dashboard HTTP API.
type Server struct {
	st   store.Store
	msg  messaging.Service
	opts Opts
	http *http.Server
}

// NewServer creates a Server around the given store and transport.
func NewServer(st store.Store, msg messaging.Service, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{st: st, msg: msg, opts: cfg}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.healthHandler)
	if s.opts.TwilioWebhook != nil {
		r.Post("/webhook/twilio", s.opts.TwilioWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/flows", s.listFlowsHandler)
		r.Post("/flows", s.saveFlowHandler)
		r.Post("/flows/{id}/publish", s.publishFlowHandler)

		r.Get("/conversations", s.listConversationsHandler)
		r.Post("/conversations/{id}/pause", s.setConversationStateHandler(models.ConversationStatePaused))
		r.Post("/conversations/{id}/resume", s.setConversationStateHandler(models.ConversationStateActive))
		r.Post("/conversations/{id}/close", s.setConversationStateHandler(models.ConversationStateClosed))

		r.Get("/contacts", s.listContactsHandler)
		r.Put("/contacts/{phone}", s.saveContactHandler)
		r.Get("/contacts/{phone}/messages", s.contactMessagesHandler)

		r.Get("/appointments", s.listAppointmentsHandler)
		r.Post("/appointments/{id}/status", s.setAppointmentStatusHandler)

		r.Get("/settings/{key}", s.getSettingHandler)
		r.Put("/settings/{key}", s.putSettingHandler)
	})
	return r
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server listening", "addr", s.opts.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	slog.Info("API server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, okResponse(map[string]string{"status": "healthy"}))
}
