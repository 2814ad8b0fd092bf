package observability_test

import (
	"IndexVault/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_FreshRegistryPerInstance(t *testing.T) {
	a := observability.NewMetrics(prometheus.NewRegistry())
	b := observability.NewMetrics(prometheus.NewRegistry())

	a.EventsEmitted.WithLabelValues("DepositRecorded").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.EventsEmitted.WithLabelValues("DepositRecorded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsEmitted.WithLabelValues("DepositRecorded")))

	a.SetChannelMetrics("persist", 5, 10)
	assert.Equal(t, 0.5, testutil.ToFloat64(a.ChannelUtilization.WithLabelValues("persist")))
}

func TestSetUsd(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	v := new(uint256.Int).Mul(uint256.NewInt(1234), uint256.NewInt(1_000_000_000_000_000)) // 1.234e18
	observability.SetUsd(m.EquityUsd, v)
	assert.InDelta(t, 1.234, testutil.ToFloat64(m.EquityUsd), 1e-9)
	assert.Equal(t, 0.0, observability.UsdFloat(nil))
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "engine", zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Str("op", "deposit").Msg("done")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "deposit", line["op"])
}
