// Package server exposes the operator control surface over HTTP: risk
// snapshots, the manual breaker reset, the trading switch, dry-run trade
// checks, and manual resolution of executions and maker orders. It is the
// only way to reset a tripped circuit breaker on a running bot.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // if empty, authentication is disabled
}

// TradingControl is the slice of the risk gate the server drives.
type TradingControl interface {
	SetEnabled(on bool)
	WhatIf(buyVenue, sellVenue string, price, quantity decimal.Decimal) domain.RiskDecision
}

// RiskControl is the slice of the risk metrics aggregate the server drives.
type RiskControl interface {
	Snapshot() domain.MetricsSnapshot
	ResetBreaker()
	ReleaseExposure(execID string)
}

// ExecutionControl is the slice of the execution engine the server drives.
type ExecutionControl interface {
	Get(id string) (domain.Execution, bool)
	Cancel(id string) error
}

// MakerControl is the slice of the maker lifecycle manager the server drives.
type MakerControl interface {
	Orders() []domain.P2POrder
	MarkInTrade(id string) error
}

// Controls aggregates the components a mode hands to the server. Any field
// may be nil; routes backed by a missing component answer 404 with a reason.
type Controls struct {
	Trading    TradingControl
	Risk       RiskControl
	Executions ExecutionControl
	Maker      MakerControl
}

// Server is the operator HTTP API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a Server with all routes registered.
func New(cfg Config, controls Controls, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	h := &operatorHandler{controls: controls, logger: logger}

	// Health check, no auth required.
	mux.HandleFunc("GET /api/health", h.health)

	mux.HandleFunc("GET /api/risk", h.riskSnapshot)
	mux.HandleFunc("POST /api/risk/reset-breaker", h.resetBreaker)
	mux.HandleFunc("POST /api/risk/whatif", h.whatIf)
	mux.HandleFunc("PUT /api/trading", h.setTrading)

	mux.HandleFunc("GET /api/executions/{id}", h.getExecution)
	mux.HandleFunc("DELETE /api/executions/{id}", h.cancelExecution)
	mux.HandleFunc("POST /api/executions/{id}/release", h.releaseExposure)

	mux.HandleFunc("GET /api/maker/orders", h.listMakerOrders)
	mux.HandleFunc("POST /api/maker/orders/{id}/in-trade", h.markInTrade)

	var handler http.Handler = mux
	handler = auth(cfg.APIKey)(handler)
	handler = logging(logger)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler { return s.handler }

// Start blocks serving requests until Shutdown or a listen error.
func (s *Server) Start() error {
	s.logger.Info("operator api listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("operator api shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
