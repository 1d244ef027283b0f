// Package server exposes the ledger over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitfsorg/lpclaim-go/ledger"
	"github.com/bitfsorg/lpclaim-go/metrics"
	"github.com/bitfsorg/lpclaim-go/registry"
)

// CallerHeader carries the identity the request acts as.
const CallerHeader = "X-Caller-Identity"

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
	maxBodyBytes       = 1 << 20
)

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	AddBeneficiaries(caller registry.Identity, ids ...registry.Identity) (int, error)
	RemoveBeneficiaries(caller registry.Identity, ids ...registry.Identity) (int, error)
	LockRegistry(caller registry.Identity) error
	TransferOwnership(caller, newOwner registry.Identity) error
	Deposit(from registry.Identity, amount *big.Int) (*ledger.Receipt, error)
	Claim(ctx context.Context, caller registry.Identity) (*ledger.Receipt, error)
	Claimable(id registry.Identity) (*big.Int, error)
	Account(id registry.Identity) (*ledger.Account, error)
	Members() []registry.Identity
	Stats() *ledger.Stats
	Events(from uint64, limit int) ([]*ledger.Event, error)
}

// Compile-time interface check.
var _ Ledger = (*ledger.Ledger)(nil)

// Server is the HTTP API server.
type Server struct {
	router *chi.Mux
	ledger Ledger
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a server for l listening on addr.
func NewServer(addr string, l Ledger, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		ledger: l,
		logger: logger,
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Claims wait for the payout broadcast.
		WriteTimeout: 90 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Post("/beneficiaries", s.handleAddBeneficiaries)
			r.Delete("/beneficiaries", s.handleRemoveBeneficiaries)
			r.Post("/lock", s.handleLock)
			r.Post("/owner", s.handleTransferOwnership)
		})
		r.Post("/deposits", s.handleDeposit)
		r.Post("/claims", s.handleClaim)
		r.Get("/claimable/{identity}", s.handleClaimable)
		r.Get("/accounts/{identity}", s.handleAccount)
		r.Get("/members", s.handleMembers)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})
}

// requestLogger logs each request and records it in the HTTP metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeLedgerError maps a ledger error to its HTTP status.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.writeError(w, status, err.Error())
}

// StatusFor returns the HTTP status for a ledger or registry error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotAMember):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrRegistryLocked),
		errors.Is(err, ledger.ErrAlreadyLocked),
		errors.Is(err, ledger.ErrWhitelistNotLocked),
		errors.Is(err, ledger.ErrNothingToClaim),
		errors.Is(err, ledger.ErrEmptyRegistry):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidIdentity),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
