package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenfable/crisis-sentinel/internal/analytics"
	"github.com/havenfable/crisis-sentinel/internal/crisis"
	"github.com/havenfable/crisis-sentinel/internal/dashboard"
	"github.com/havenfable/crisis-sentinel/internal/detector"
	"github.com/havenfable/crisis-sentinel/internal/metricstore"
	"github.com/havenfable/crisis-sentinel/internal/realtime"
	"github.com/havenfable/crisis-sentinel/internal/resources"
	"github.com/havenfable/crisis-sentinel/internal/telemetry"
)

type testStack struct {
	handler    *HTTPHandler
	server     *httptest.Server
	engine     *crisis.Engine
	dispatched *recordingDispatcher
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []crisis.Notification
}

func (d *recordingDispatcher) Dispatch(n crisis.Notification) {
	d.mu.Lock()
	d.sent = append(d.sent, n)
	d.mu.Unlock()
}

func (d *recordingDispatcher) latest(t *testing.T) crisis.Notification {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.sent)
	return d.sent[len(d.sent)-1]
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	det, err := detector.New(logger, 0.3, 0.8)
	require.NoError(t, err)

	catalog := resources.NewCatalog()
	store := metricstore.New(logger, time.Hour, 1000)
	analyticsEngine := analytics.New(logger, store, time.Minute, time.Minute, 0.05)
	collector := telemetry.NewCollector(prometheus.NewRegistry())
	hub := realtime.NewHub(logger, 16, collector)
	aggregator := dashboard.NewAggregator(logger, nil, analyticsEngine, store, hub, time.Minute)

	dispatched := &recordingDispatcher{}
	engine := crisis.NewEngine(logger, crisis.Config{
		CriticalAckDeadline: 5 * time.Minute,
		HighAckDeadline:     30 * time.Minute,
		ModerateAckDeadline: 4 * time.Hour,
		MaxEscalationLevel:  3,
		HistoryLimit:        100,
		RetiredRetention:    24 * time.Hour,
	}, det, catalog, dispatched, nil, aggregator, collector)
	aggregator.SetSummaryProvider(engine)

	handler := NewHTTPHandler(logger, engine, store, analyticsEngine, aggregator, catalog, hub, collector)
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	return &testStack{handler: handler, server: server, engine: engine, dispatched: dispatched}
}

func (s *testStack) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (s *testStack) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestProcessAssessmentEndpoint(t *testing.T) {
	stack := newTestStack(t)

	t.Run("critical input", func(t *testing.T) {
		resp, body := stack.post(t, "/api/v1/assessments", map[string]interface{}{
			"user_id":    "user-1",
			"session_id": "session-1",
			"user_input": "I want to end it all",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.EqualValues(t, crisis.LevelCritical, body["crisis_level"])
		assert.Equal(t, true, body["escalation_needed"])
		assert.NotEmpty(t, body["event_id"])
	})

	t.Run("missing identity", func(t *testing.T) {
		resp, body := stack.post(t, "/api/v1/assessments", map[string]interface{}{
			"user_input": "hello",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "required")
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(stack.server.URL+"/api/v1/assessments", "application/json", bytes.NewReader([]byte("{broken")))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAcknowledgeEndpoint(t *testing.T) {
	stack := newTestStack(t)

	_, err := stack.engine.ProcessAssessment(httptestContext(), "user-1", "session-1", "I want to end it all", crisis.SessionContext{})
	require.NoError(t, err)

	summary := stack.engine.DashboardSummary()
	require.Equal(t, 1, summary.UnacknowledgedNotifications)
	notifID := stack.dispatched.latest(t).NotificationID

	t.Run("first acknowledgment succeeds", func(t *testing.T) {
		resp, body := stack.post(t, "/api/v1/notifications/"+notifID+"/acknowledge", map[string]string{
			"practitioner_id": "practitioner-1",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["acknowledged"])
	})

	t.Run("second acknowledgment conflicts", func(t *testing.T) {
		resp, body := stack.post(t, "/api/v1/notifications/"+notifID+"/acknowledge", map[string]string{
			"practitioner_id": "practitioner-2",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, false, body["acknowledged"])
	})

	t.Run("unknown id conflicts", func(t *testing.T) {
		resp, _ := stack.post(t, "/api/v1/notifications/missing/acknowledge", map[string]string{
			"practitioner_id": "practitioner-1",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestInterventionStatusEndpoint(t *testing.T) {
	stack := newTestStack(t)

	event, err := stack.engine.ProcessAssessment(httptestContext(), "user-1", "session-1", "I keep wanting to hurt myself", crisis.SessionContext{})
	require.NoError(t, err)

	resp, body := stack.get(t, "/api/v1/crisis/events/"+event.EventID+"/interventions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks, ok := body["interventions"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, tasks)
	first, ok := tasks[0].(map[string]interface{})
	require.True(t, ok)
	interventionID, ok := first["intervention_id"].(string)
	require.True(t, ok)

	t.Run("claim", func(t *testing.T) {
		resp, body := stack.post(t, "/api/v1/interventions/"+interventionID+"/status", map[string]string{
			"status":          "in_progress",
			"practitioner_id": "practitioner-1",
			"notes":           "on it",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["updated"])
	})

	t.Run("invalid transition conflicts", func(t *testing.T) {
		resp, body := stack.post(t, "/api/v1/interventions/"+interventionID+"/status", map[string]string{
			"status":          "pending",
			"practitioner_id": "practitioner-1",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, false, body["updated"])
	})
}

func TestCrisisReadEndpoints(t *testing.T) {
	stack := newTestStack(t)
	_, err := stack.engine.ProcessAssessment(httptestContext(), "user-1", "session-1", "I feel so overwhelmed and hopeless", crisis.SessionContext{})
	require.NoError(t, err)

	t.Run("summary", func(t *testing.T) {
		resp, body := stack.get(t, "/api/v1/crisis/summary")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, body["active_crisis_events"])
	})

	t.Run("history", func(t *testing.T) {
		resp, body := stack.get(t, "/api/v1/crisis/history/user-1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		events, ok := body["events"].([]interface{})
		require.True(t, ok)
		assert.Len(t, events, 1)
	})

	t.Run("history with bad limit", func(t *testing.T) {
		resp, _ := stack.get(t, "/api/v1/crisis/history/user-1?limit=zero")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMetricsAndAnalyticsEndpoints(t *testing.T) {
	stack := newTestStack(t)

	t.Run("append metric", func(t *testing.T) {
		resp, _ := stack.post(t, "/api/v1/metrics", map[string]interface{}{
			"user_id":     "user-1",
			"session_id":  "session-1",
			"metric_type": "engagement",
			"value":       0.8,
		})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("append rejects missing type", func(t *testing.T) {
		resp, _ := stack.post(t, "/api/v1/metrics", map[string]interface{}{
			"user_id": "user-1",
			"value":   0.8,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("report", func(t *testing.T) {
		resp, body := stack.get(t, "/api/v1/analytics/user-1/report?timeframe=daily")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "daily", body["timeframe"])
	})

	t.Run("report rejects unknown timeframe", func(t *testing.T) {
		resp, _ := stack.get(t, "/api/v1/analytics/user-1/report?timeframe=hourly")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("realtime", func(t *testing.T) {
		resp, body := stack.get(t, "/api/v1/analytics/user-1/realtime")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "engagement")
	})

	t.Run("invalidate", func(t *testing.T) {
		resp, body := stack.post(t, "/api/v1/analytics/user-1/invalidate", map[string]string{})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "invalidated", body["status"])
	})
}

func TestResourcesEndpoint(t *testing.T) {
	stack := newTestStack(t)

	t.Run("all resources", func(t *testing.T) {
		resp, body := stack.get(t, "/api/v1/resources")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resourcesList, ok := body["resources"].([]interface{})
		require.True(t, ok)
		assert.Len(t, resourcesList, 6)
	})

	t.Run("filtered emergency resources", func(t *testing.T) {
		resp, body := stack.get(t, "/api/v1/resources?indicators=suicidal_ideation&emergency_only=true")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resourcesList, ok := body["resources"].([]interface{})
		require.True(t, ok)
		require.NotEmpty(t, resourcesList)
		first, ok := resourcesList[0].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, first["emergency"])
	})
}

func TestOverviewAndHealthEndpoints(t *testing.T) {
	stack := newTestStack(t)

	t.Run("overview", func(t *testing.T) {
		resp, body := stack.get(t, "/api/v1/dashboard/overview")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "crisis_counts_by_level")
		assert.Contains(t, body, "system_health")
	})

	t.Run("health with no registered checks", func(t *testing.T) {
		resp, body := stack.get(t, "/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "OK", body["status"])
	})

	t.Run("health degrades on unhealthy component", func(t *testing.T) {
		stack.handler.aggregator.RegisterHealthCheck(failingCheck{})
		resp, _ := stack.get(t, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestPrometheusEndpoint(t *testing.T) {
	stack := newTestStack(t)

	_, err := stack.engine.ProcessAssessment(httptestContext(), "user-1", "session-1", "I want to end it all", crisis.SessionContext{})
	require.NoError(t, err)

	resp, err := http.Get(stack.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "crisis_assessments_total")
}

type failingCheck struct{}

func (failingCheck) Healthy(ctx context.Context) error { return fmt.Errorf("down") }
func (failingCheck) Name() string                      { return "failing" }

func httptestContext() context.Context { return context.Background() }
