package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTransition(t *testing.T) {
	m := New()
	m.RecordTransition("APPROVED")
	m.RecordTransition("APPROVED")
	m.RecordTransition("REJECTED")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("APPROVED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("REJECTED")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordHTTPRequest(http.MethodGet, "/api/v1/bills", "200", 12*time.Millisecond)
	m.RecordFailure("review", "LOCKED")
	m.RecordCacheMiss()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `bvas_http_requests_total{method="GET",route="/api/v1/bills",status="200"} 1`)
	assert.Contains(t, body, `bvas_bills_operation_failures_total{code="LOCKED",operation="review"} 1`)
	assert.Contains(t, body, `bvas_cache_lookups_total{result="miss"} 1`)
}
