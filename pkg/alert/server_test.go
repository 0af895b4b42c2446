package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func newTestServer(t *testing.T) (*Server, *Ingester) {
	t.Helper()
	ing := NewIngester(NewStore(time.Hour), nil, time.Millisecond, nil)
	return NewServer("127.0.0.1:0", ing, "test"), ing
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

const validBatch = `{
	"version": "4",
	"status": "firing",
	"receiver": "opsbridge",
	"alerts": [{
		"fingerprint": "abc123",
		"status": "firing",
		"labels": {"alertname": "HighErrorRate", "severity": "critical", "service": "checkout"},
		"annotations": {"summary": "error rate above threshold"},
		"startsAt": "2026-08-01T10:00:00Z"
	}]
}`

// --- webhook ---

func TestServer_Webhook_AcceptsValidBatch(t *testing.T) {
	s, ing := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/alerts", validBatch)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "received", resp["status"])
	assert.Equal(t, float64(1), resp["applied"])

	firing := ing.Store().Firing()
	require.Len(t, firing, 1)
	assert.Equal(t, "abc123", firing[0].Fingerprint)
}

func TestServer_Webhook_MalformedJSON(t *testing.T) {
	s, ing := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/alerts", `{"alerts": [`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Equal(t, 0, ing.Store().Len())
}

func TestServer_Webhook_InvalidEntryRejected(t *testing.T) {
	s, ing := newTestServer(t)

	body := `{"version":"4","status":"firing","alerts":[
		{"fingerprint":"ok1","status":"firing","startsAt":"2026-08-01T10:00:00Z"},
		{"fingerprint":"","status":"firing","startsAt":"2026-08-01T10:00:00Z"}
	]}`
	w := doRequest(t, s, http.MethodPost, "/api/v1/alerts", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Equal(t, 0, ing.Store().Len(), "nothing from a malformed batch may apply")
}

// Full lifecycle: firing then resolved for the same fingerprint.
func TestServer_Webhook_FiringThenResolved(t *testing.T) {
	s, ing := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/alerts", validBatch)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ing.Store().Firing(), 1)

	resolved := `{"version":"4","status":"resolved","alerts":[{
		"fingerprint": "abc123",
		"status": "resolved",
		"labels": {"alertname": "HighErrorRate", "severity": "critical", "service": "checkout"},
		"startsAt": "2026-08-01T10:00:00Z",
		"endsAt": "2026-08-01T10:30:00Z"
	}]}`
	w = doRequest(t, s, http.MethodPost, "/api/v1/alerts", resolved)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Empty(t, ing.Store().Firing())
	snap := ing.Store().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusResolved, snap[0].Status)
	require.NotNil(t, snap[0].EndsAt)
}

// --- test trigger ---

func TestServer_TestTrigger(t *testing.T) {
	s, ing := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/alerts/test", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "OpsbridgeSyntheticAlert")
	assert.Equal(t, 1, ing.Store().Len())
}

// --- read endpoints ---

func TestServer_ListAlerts(t *testing.T) {
	s, _ := newTestServer(t)

	doRequest(t, s, http.MethodPost, "/api/v1/alerts", validBatch)
	w := doRequest(t, s, http.MethodGet, "/api/v1/alerts", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Alerts []Alert `json:"alerts"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, "abc123", resp.Alerts[0].Fingerprint)
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t)

	doRequest(t, s, http.MethodPost, "/api/v1/alerts", validBatch)
	w := doRequest(t, s, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "opsbridge_ingest_batches_total")
}

func TestServer_RequestIDEchoed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-7")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-7", w.Header().Get("X-Request-ID"))
}
