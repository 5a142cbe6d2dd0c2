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

func TestHandler(t *testing.T) {
	RecordDecision("ip", false, time.Millisecond)

	handler := Handler()
	require.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "searchgate_decisions_total")
}

func TestRecordRequest(t *testing.T) {
	// This should not panic
	RecordRequest("GET", "/health", 200, 100*time.Millisecond)
	RecordRequest("POST", "/v1/check", 429, 5*time.Millisecond)
}

func TestRecordDecision(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("session", "true"))

	RecordDecision("session", true, 2*time.Millisecond)

	after := testutil.ToFloat64(DecisionsTotal.WithLabelValues("session", "true"))
	assert.Equal(t, before+1, after)
}

func TestRecordFailOpen(t *testing.T) {
	before := testutil.ToFloat64(FailOpenTotal.WithLabelValues("global"))

	RecordFailOpen("global")
	RecordFailOpen("global")

	assert.Equal(t, before+2, testutil.ToFloat64(FailOpenTotal.WithLabelValues("global")))
}

func TestRecordBlocked(t *testing.T) {
	before := testutil.ToFloat64(BlockedTotal.WithLabelValues("ip"))

	RecordBlocked("ip")

	assert.Equal(t, before+1, testutil.ToFloat64(BlockedTotal.WithLabelValues("ip")))
}

func TestRecordUsageDropped(t *testing.T) {
	before := testutil.ToFloat64(UsageDroppedTotal)

	RecordUsageDropped()

	assert.Equal(t, before+1, testutil.ToFloat64(UsageDroppedTotal))
}

func TestRecordMisc(t *testing.T) {
	// These should not panic
	RecordStoreOp("sliding_window", time.Millisecond)
	RecordLoadAdjusted()
	RecordIdentityLookup("cache", "hit")
}
