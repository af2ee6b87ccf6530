package observability_test

import (
	"GoldLedger/internal/observability"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before SetReady")

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("postgres", func(ctx context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	a := observability.NewMetrics(prometheus.NewRegistry())
	b := observability.NewMetrics(prometheus.NewRegistry())

	a.IntegrityViolations.WithLabelValues("balance").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.IntegrityViolations.WithLabelValues("balance")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.IntegrityViolations.WithLabelValues("balance")))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("verbose"))
	assert.Equal(t, zerolog.Disabled, observability.ParseLogLevel("off"))
}
