package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsHandlerExposesRelayCounters(t *testing.T) {
	RecordRelayEvent("message")
	RecordRelayOutcome("ok")
	RecordSessionCreated("user")
	RecordReply("databricks", 10*time.Millisecond, true)
	RecordQueueEnqueue("agent", 1)
	RecordQueueCompletion("agent", time.Millisecond, true, 0)
	RecordRPCRequest("greet", true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `ranyadesk_relay_events_total{type="message"}`)
	assert.Contains(t, body, `ranyadesk_relay_outcomes_total{outcome="ok"}`)
	assert.Contains(t, body, `ranyadesk_sessions_created_total{session_type="user"}`)
	assert.Contains(t, body, `ranyadesk_rpc_requests_total{method="greet",status="success"}`)
}
