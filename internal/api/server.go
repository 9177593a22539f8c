package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *service.Service, version string) *Server {
	handler := NewHandler(svc, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Post("/score", handler.Score)
	router.Get("/transactions", handler.ListTransactions)
	router.Get("/transactions/{id}", handler.GetTransaction)
	router.Get("/users/{id}/risk", handler.GetUserRisk)

	router.Route("/model", func(r chi.Router) {
		r.Get("/", handler.GetModel)
		r.Post("/train", handler.Train)
		r.Post("/retrain", handler.Retrain)
	})

	router.Route("/alerts", func(r chi.Router) {
		r.Get("/", handler.ListAlerts)
		r.Post("/{id}/acknowledge", handler.AcknowledgeAlert)

		r.Get("/configs", handler.ListAlertConfigs)
		r.Post("/configs", handler.CreateAlertConfig)
		r.Delete("/configs/{id}", handler.DeleteAlertConfig)
		r.Post("/configs/{id}/toggle", handler.ToggleAlertConfig)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
