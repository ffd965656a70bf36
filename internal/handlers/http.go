package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/havenfable/crisis-sentinel/internal/analytics"
	"github.com/havenfable/crisis-sentinel/internal/crisis"
	"github.com/havenfable/crisis-sentinel/internal/dashboard"
	"github.com/havenfable/crisis-sentinel/internal/detector"
	"github.com/havenfable/crisis-sentinel/internal/metricstore"
	"github.com/havenfable/crisis-sentinel/internal/realtime"
	"github.com/havenfable/crisis-sentinel/internal/resources"
	"github.com/havenfable/crisis-sentinel/internal/telemetry"
)

// HTTPHandler exposes the thin REST and websocket surface over the
// monitoring core. Request/response schemas stay minimal; the full
// transport layer lives outside this service.
type HTTPHandler struct {
	logger     *slog.Logger
	engine     *crisis.Engine
	store      *metricstore.Store
	analytics  *analytics.Engine
	aggregator *dashboard.Aggregator
	catalog    *resources.Catalog
	hub        *realtime.Hub
	collector  *telemetry.Collector
}

// NewHTTPHandler wires the HTTP surface.
func NewHTTPHandler(
	logger *slog.Logger,
	engine *crisis.Engine,
	store *metricstore.Store,
	analyticsEngine *analytics.Engine,
	aggregator *dashboard.Aggregator,
	catalog *resources.Catalog,
	hub *realtime.Hub,
	collector *telemetry.Collector,
) *HTTPHandler {
	return &HTTPHandler{
		logger:     logger,
		engine:     engine,
		store:      store,
		analytics:  analyticsEngine,
		aggregator: aggregator,
		catalog:    catalog,
		hub:        hub,
		collector:  collector,
	}
}

// Router builds the service router.
func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/assessments", h.processAssessment).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}/acknowledge", h.acknowledgeNotification).Methods(http.MethodPost)
	api.HandleFunc("/interventions/{id}/status", h.updateInterventionStatus).Methods(http.MethodPost)
	api.HandleFunc("/crisis/summary", h.dashboardSummary).Methods(http.MethodGet)
	api.HandleFunc("/crisis/history/{userID}", h.crisisHistory).Methods(http.MethodGet)
	api.HandleFunc("/crisis/events/{id}/interventions", h.eventInterventions).Methods(http.MethodGet)
	api.HandleFunc("/metrics", h.appendMetric).Methods(http.MethodPost)
	api.HandleFunc("/analytics/{userID}/report", h.generateReport).Methods(http.MethodGet)
	api.HandleFunc("/analytics/{userID}/realtime", h.realTimeMetrics).Methods(http.MethodGet)
	api.HandleFunc("/analytics/{userID}/invalidate", h.invalidateReports).Methods(http.MethodPost)
	api.HandleFunc("/dashboard/overview", h.overview).Methods(http.MethodGet)
	api.HandleFunc("/resources", h.listResources).Methods(http.MethodGet)

	r.HandleFunc("/ws/dashboard", h.hub.ServeWS)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", h.collector.Handler()).Methods(http.MethodGet)

	return r
}

type assessmentRequest struct {
	UserID    string                `json:"user_id"`
	SessionID string                `json:"session_id"`
	UserInput string                `json:"user_input"`
	Context   crisis.SessionContext `json:"context"`
}

func (h *HTTPHandler) processAssessment(w http.ResponseWriter, r *http.Request) {
	var req assessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}

	event, err := h.engine.ProcessAssessment(r.Context(), req.UserID, req.SessionID, req.UserInput, req.Context)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondJSON(w, http.StatusCreated, event)
}

type acknowledgeRequest struct {
	PractitionerID string `json:"practitioner_id"`
}

func (h *HTTPHandler) acknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acknowledged := h.engine.AcknowledgeNotification(mux.Vars(r)["id"], req.PractitionerID)
	status := http.StatusOK
	if !acknowledged {
		// Expected race or unknown id, not a server error
		status = http.StatusConflict
	}
	h.respondJSON(w, status, map[string]bool{"acknowledged": acknowledged})
}

type statusUpdateRequest struct {
	Status         crisis.InterventionStatus `json:"status"`
	PractitionerID string                    `json:"practitioner_id"`
	Notes          string                    `json:"notes,omitempty"`
}

func (h *HTTPHandler) updateInterventionStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated := h.engine.UpdateInterventionStatus(mux.Vars(r)["id"], req.Status, req.PractitionerID, req.Notes)
	status := http.StatusOK
	if !updated {
		status = http.StatusConflict
	}
	h.respondJSON(w, status, map[string]bool{"updated": updated})
}

func (h *HTTPHandler) dashboardSummary(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.engine.DashboardSummary())
}

func (h *HTTPHandler) crisisHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	history := h.engine.CrisisHistory(mux.Vars(r)["userID"], limit)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"events": history})
}

func (h *HTTPHandler) eventInterventions(w http.ResponseWriter, r *http.Request) {
	interventions := h.engine.InterventionsForEvent(mux.Vars(r)["id"])
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"interventions": interventions})
}

type metricRequest struct {
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	Type      metricstore.MetricType `json:"metric_type"`
	Value     float64                `json:"value"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (h *HTTPHandler) appendMetric(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Type == "" {
		h.respondError(w, http.StatusBadRequest, "user_id and metric_type are required")
		return
	}
	h.store.Append(req.UserID, req.SessionID, req.Type, req.Value, req.Context)
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *HTTPHandler) generateReport(w http.ResponseWriter, r *http.Request) {
	timeframe := analytics.Timeframe(r.URL.Query().Get("timeframe"))
	switch timeframe {
	case analytics.TimeframeDaily, analytics.TimeframeWeekly, analytics.TimeframeMonthly:
	case "":
		timeframe = analytics.TimeframeWeekly
	default:
		h.respondError(w, http.StatusBadRequest, "invalid timeframe")
		return
	}
	report := h.analytics.GenerateReport(mux.Vars(r)["userID"], timeframe)
	h.respondJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) realTimeMetrics(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.analytics.RealTimeMetrics(mux.Vars(r)["userID"]))
}

func (h *HTTPHandler) invalidateReports(w http.ResponseWriter, r *http.Request) {
	h.analytics.InvalidateReports(mux.Vars(r)["userID"])
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *HTTPHandler) overview(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.aggregator.Overview(r.Context()))
}

func (h *HTTPHandler) listResources(w http.ResponseWriter, r *http.Request) {
	emergencyOnly := r.URL.Query().Get("emergency_only") == "true"

	raw := r.URL.Query().Get("indicators")
	if raw == "" {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"resources": h.catalog.All()})
		return
	}

	var indicators []detector.Indicator
	for _, part := range strings.Split(raw, ",") {
		indicators = append(indicators, detector.Indicator(strings.TrimSpace(part)))
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"resources": h.catalog.ResourcesFor(indicators, emergencyOnly),
	})
}

func (h *HTTPHandler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	overview := h.aggregator.Overview(ctx)
	status := http.StatusOK
	for _, state := range overview.SystemHealth {
		if state != "healthy" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	h.respondJSON(w, status, map[string]interface{}{
		"status":     http.StatusText(status),
		"components": overview.SystemHealth,
	})
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			// Websocket upgrades need the raw ResponseWriter (Hijacker)
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		if h.collector != nil {
			h.collector.RecordHTTPRequest(route, strconv.Itoa(recorder.status), time.Since(start).Seconds())
		}
	})
}
