package server

import (
	"GoldLedger/internal/ledger"
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"GoldLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DeadLetterRetrier hands a parked settlement job back to the worker pool.
type DeadLetterRetrier interface {
	RetryDeadLetter(ctx context.Context, jobID string) (persistence.DeadLetter, error)
}

// HTTPDeps holds everything the operator HTTP surface reads from.
type HTTPDeps struct {
	Query    *query.QueryService
	Retrier  DeadLetterRetrier
	Health   *observability.HealthChecker
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

type handlers struct {
	HTTPDeps
}

// NewHTTPHandler builds the operator mux: JSON routes on a gRPC-Gateway
// ServeMux, plus /healthz, /readyz and /metrics.
func NewHTTPHandler(deps HTTPDeps) (http.Handler, error) {
	h := &handlers{HTTPDeps: deps}
	gw := runtime.NewServeMux()

	routes := []struct {
		method, pattern, endpoint string
		fn                        func(w http.ResponseWriter, r *http.Request, params map[string]string) error
	}{
		{http.MethodGet, "/v1/users/{user_id}/balances", "balances", h.balances},
		{http.MethodGet, "/v1/users/{user_id}/transactions", "transactions", h.transactions},
		{http.MethodGet, "/v1/users/{user_id}/integrity", "integrity", h.integrity},
		{http.MethodGet, "/v1/settlement/deadletters", "deadletters", h.deadLetters},
		{http.MethodPost, "/v1/settlement/deadletters/{job_id}/retry", "deadletter_retry", h.retryDeadLetter},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, h.instrument(rt.endpoint, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if deps.Health != nil {
		mux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", gw)
	return mux, nil
}

// instrument records per-endpoint count, latency and errors, and renders
// handler errors as JSON.
func (h *handlers) instrument(endpoint string, fn func(http.ResponseWriter, *http.Request, map[string]string) error) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		err := fn(w, r, params)

		if h.Metrics != nil {
			h.Metrics.QueryRequests.WithLabelValues(endpoint).Inc()
			h.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return
		}

		status, kind := classify(err)
		if h.Metrics != nil {
			h.Metrics.QueryErrors.WithLabelValues(endpoint, kind).Inc()
		}
		if status >= http.StatusInternalServerError {
			h.Logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *handlers) balances(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	userID, err := userParam(params)
	if err != nil {
		return err
	}
	resp, err := h.Query.GetBalance(r.Context(), userID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *handlers) transactions(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	userID, err := userParam(params)
	if err != nil {
		return err
	}
	txs, err := h.Query.GetTransactions(r.Context(), userID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
	return nil
}

func (h *handlers) integrity(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	userID, err := userParam(params)
	if err != nil {
		return err
	}
	report, err := h.Query.VerifyIntegrity(r.Context(), userID)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
	return nil
}

func (h *handlers) deadLetters(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return ledger.InvalidRequestf("limit: %v", err)
		}
		limit = n
	}
	dls, err := h.Query.ListDeadLetters(r.Context(), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": dls})
	return nil
}

func (h *handlers) retryDeadLetter(w http.ResponseWriter, r *http.Request, params map[string]string) error {
	jobID := params["job_id"]
	if jobID == "" {
		return ledger.InvalidRequestf("job_id is required")
	}
	dl, err := h.Retrier.RetryDeadLetter(r.Context(), jobID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, query.NewDeadLetterResponse(dl))
	return nil
}

func userParam(params map[string]string) (uuid.UUID, error) {
	id, err := uuid.Parse(params["user_id"])
	if err != nil {
		return uuid.Nil, ledger.InvalidRequestf("invalid user_id: %v", err)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP runs handler on addr until ctx is cancelled.
func ServeHTTP(ctx context.Context, name, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Str("server", name).Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("server", name).Str("addr", addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
