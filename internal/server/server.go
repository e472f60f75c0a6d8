package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"channelctl/internal/controller"
	"channelctl/internal/observability/logging"
	"channelctl/internal/observability/metrics"
	"channelctl/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr string
	TLS  TLSConfig
	// ServerID scopes statistics reloads triggered through the API.
	ServerID        string
	ShutdownTimeout time.Duration
	Security        SecurityConfig
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	handler         http.Handler
	logger          *slog.Logger
	tls             TLSConfig
	shutdownTimeout time.Duration
}

// New builds the admin server around ctrl. It does not start listening.
func New(ctrl controller.Controller, cfg Config) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("controller is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "admin")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	h := &handlers{
		ctrl:     ctrl,
		serverID: strings.TrimSpace(cfg.ServerID),
		logger:   logger,
	}

	mux := http.NewServeMux()
	route := func(method, pattern string, fn http.HandlerFunc) {
		mux.Handle(method+" "+pattern, metrics.HTTPMiddleware(recorder, pattern, fn))
	}
	route(http.MethodGet, "/healthz", h.health)
	mux.Handle("GET /metrics", recorder.Handler())
	route(http.MethodGet, "/v1/channels", h.listChannels)
	route(http.MethodGet, "/v1/channels/{id}", h.lookupChannel)
	route(http.MethodPut, "/v1/channels/{id}", h.ensureChannel)
	route(http.MethodDelete, "/v1/channels/{id}", h.removeChannel)
	route(http.MethodDelete, "/v1/channels/{id}/messages", h.deleteMessages)
	route(http.MethodGet, "/v1/statistics", h.statistics)
	route(http.MethodPost, "/v1/statistics/reload", h.reloadStatistics)
	route(http.MethodPost, "/v1/statistics/reset", h.resetStatistics)
	route(http.MethodPost, "/v1/statistics/reset-all", h.resetAllStatistics)

	chain := http.Handler(mux)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(logger, chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler:         chain,
		logger:          logger,
		tls:             TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)},
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, onListen func(net.Addr)) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		OnListen:        onListen,
		Logger:          s.logger,
	})
}
