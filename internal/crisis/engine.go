package crisis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/havenfable/crisis-sentinel/internal/detector"
	"github.com/havenfable/crisis-sentinel/internal/resources"
)

// Dispatcher delivers notifications to practitioner channels. Delivery is
// fire-and-forget: failures are the dispatcher's to log and count, never the
// engine's to propagate.
type Dispatcher interface {
	Dispatch(notification Notification)
}

// Archiver persists completed workflow records asynchronously. The engine
// never blocks on it.
type Archiver interface {
	ArchiveEvent(event Event)
	ArchiveIntervention(intervention Intervention)
}

// Sink receives dashboard state deltas.
type Sink interface {
	Publish(delta Delta)
}

// Telemetry records operational counters for the workflow engine.
type Telemetry interface {
	RecordAssessment(level string, detectorSeconds float64)
	RecordEscalation()
	SetActiveEvents(n int)
}

// SessionContext carries the opaque session fields the engine is allowed to
// read, forwarded to the detector.
type SessionContext struct {
	EmotionalState       map[string]interface{} `json:"emotional_state,omitempty"`
	BehavioralIndicators []string               `json:"behavioral_indicators,omitempty"`
}

// Config holds workflow engine tunables.
type Config struct {
	CriticalAckDeadline time.Duration
	HighAckDeadline     time.Duration
	ModerateAckDeadline time.Duration
	MaxEscalationLevel  int
	HistoryLimit        int
	RetiredRetention    time.Duration
}

type interventionEntry struct {
	mu   sync.Mutex
	task Intervention
}

type notificationEntry struct {
	mu    sync.Mutex
	notif Notification
}

type activeEntry struct {
	event   Event
	pending map[string]bool // intervention ids not yet terminal
}

// Engine owns the crisis event, intervention, and notification state
// machines. The index maps are guarded by mu; individual interventions and
// notifications carry their own lock so concurrent sessions for different
// entities never contend.
type Engine struct {
	logger     *slog.Logger
	cfg        Config
	detector   *detector.Detector
	catalog    *resources.Catalog
	dispatcher Dispatcher
	archive    Archiver
	sink       Sink
	telemetry  Telemetry

	mu            sync.RWMutex
	events        map[string]Event
	history       map[string][]Event
	active        map[string]*activeEntry
	interventions map[string]*interventionEntry
	notifications map[string]*notificationEntry
	open          map[string]*notificationEntry // unacknowledged, the escalation sweep's scan set

	pendingCount int // non-terminal interventions
	unackedCount int

	totalEvents        int
	totalInterventions int
	totalNotifications int
	totalEscalations   int

	now func() time.Time
}

// NewEngine wires the workflow engine. Nil collaborators are replaced with
// no-ops so the engine stays constructible in isolation.
func NewEngine(
	logger *slog.Logger,
	cfg Config,
	det *detector.Detector,
	catalog *resources.Catalog,
	dispatcher Dispatcher,
	archive Archiver,
	sink Sink,
	telemetry Telemetry,
) *Engine {
	if dispatcher == nil {
		dispatcher = noopDispatcher{}
	}
	if archive == nil {
		archive = noopArchiver{}
	}
	if sink == nil {
		sink = noopSink{}
	}
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	return &Engine{
		logger:        logger,
		cfg:           cfg,
		detector:      det,
		catalog:       catalog,
		dispatcher:    dispatcher,
		archive:       archive,
		sink:          sink,
		telemetry:     telemetry,
		events:        make(map[string]Event),
		history:       make(map[string][]Event),
		active:        make(map[string]*activeEntry),
		interventions: make(map[string]*interventionEntry),
		notifications: make(map[string]*notificationEntry),
		open:          make(map[string]*notificationEntry),
		now:           time.Now,
	}
}

// ProcessAssessment runs crisis detection over a user turn and, on
// detection, derives intervention tasks and a practitioner notification.
// The event, its tasks, and its notification become visible to readers
// atomically. Persistence and delivery are fired after publication and
// cannot delay or fail the assessment.
func (e *Engine) ProcessAssessment(ctx context.Context, userID, sessionID, userInput string, sessCtx SessionContext) (Event, error) {
	if userID == "" || sessionID == "" {
		return Event{}, fmt.Errorf("user id and session id are required")
	}

	start := e.now()
	assessment := e.detector.Detect(userInput, detector.Context{
		EmotionalState:       sessCtx.EmotionalState,
		BehavioralIndicators: sessCtx.BehavioralIndicators,
	})
	detectorElapsed := e.now().Sub(start)

	level := deriveLevel(assessment)
	// Sub-threshold signals stay inside the detector; an event below
	// MODERATE carries no indicator set.
	var indicators []detector.Indicator
	if assessment.CrisisDetected {
		indicators = assessment.Indicators
	}
	event := Event{
		EventID:              uuid.New().String(),
		UserID:               userID,
		SessionID:            sessionID,
		Level:                level,
		Indicators:           indicators,
		RiskScore:            assessment.Confidence,
		UserInput:            userInput,
		ResponseTimeMs:       float64(detectorElapsed.Microseconds()) / 1000.0,
		InterventionRequired: level > LevelNone,
		EscalationNeeded:     level >= LevelHigh,
		CreatedAt:            start,
	}

	var tasks []Intervention
	var notif *Notification
	if assessment.CrisisDetected {
		tasks = e.deriveInterventions(event)
		n := e.buildNotification(event)
		notif = &n
	}

	e.mu.Lock()
	e.events[event.EventID] = event
	e.history[userID] = appendBounded(e.history[userID], event, e.cfg.HistoryLimit)
	e.totalEvents++
	if len(tasks) > 0 {
		entry := &activeEntry{event: event, pending: make(map[string]bool, len(tasks))}
		for i := range tasks {
			e.interventions[tasks[i].InterventionID] = &interventionEntry{task: tasks[i]}
			entry.pending[tasks[i].InterventionID] = true
			e.totalInterventions++
			e.pendingCount++
		}
		e.active[event.EventID] = entry
	}
	if notif != nil {
		entry := &notificationEntry{notif: *notif}
		e.notifications[notif.NotificationID] = entry
		e.open[notif.NotificationID] = entry
		e.totalNotifications++
		e.unackedCount++
	}
	activeCount := len(e.active)
	e.mu.Unlock()

	e.telemetry.RecordAssessment(level.String(), detectorElapsed.Seconds())
	e.telemetry.SetActiveEvents(activeCount)

	if assessment.CrisisDetected {
		e.logger.Warn("crisis detected",
			"event_id", event.EventID,
			"user_id", userID,
			"session_id", sessionID,
			"level", level.String(),
			"risk_score", event.RiskScore,
			"indicators", assessment.Indicators)

		if notif != nil {
			e.dispatcher.Dispatch(*notif)
		}
		e.archive.ArchiveEvent(event)
		e.sink.Publish(Delta{Type: DeltaEventCreated, Payload: event, Timestamp: e.now()})
	}

	return event, nil
}

// AcknowledgeNotification marks a notification acknowledged by a
// practitioner. Returns false for unknown ids and for notifications already
// acknowledged; a second acknowledgment leaves AcknowledgedAt unchanged.
func (e *Engine) AcknowledgeNotification(notificationID, practitionerID string) bool {
	if practitionerID == "" {
		return false
	}

	e.mu.RLock()
	entry := e.notifications[notificationID]
	e.mu.RUnlock()
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	if entry.notif.Acknowledged {
		entry.mu.Unlock()
		return false
	}
	now := e.now()
	entry.notif.Acknowledged = true
	entry.notif.AcknowledgedBy = practitionerID
	entry.notif.AcknowledgedAt = &now
	updated := entry.notif
	entry.mu.Unlock()

	e.mu.Lock()
	delete(e.open, notificationID)
	e.unackedCount--
	e.mu.Unlock()

	e.logger.Info("notification acknowledged",
		"notification_id", notificationID,
		"practitioner_id", practitionerID)
	e.sink.Publish(Delta{Type: DeltaNotificationUpdated, Payload: updated, Timestamp: now})
	return true
}

// UpdateInterventionStatus applies a state transition to an intervention
// task. Invalid transitions and unknown ids return false without side
// effects. Claiming (PENDING -> IN_PROGRESS) requires a practitioner id;
// notes may be appended on any accepted transition.
func (e *Engine) UpdateInterventionStatus(interventionID string, status InterventionStatus, practitionerID, notes string) bool {
	e.mu.RLock()
	entry := e.interventions[interventionID]
	e.mu.RUnlock()
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	if !transitionAllowed(entry.task.Status, status) {
		entry.mu.Unlock()
		return false
	}
	if status == StatusInProgress && practitionerID == "" {
		entry.mu.Unlock()
		return false
	}

	now := e.now()
	entry.task.Status = status
	switch status {
	case StatusInProgress:
		entry.task.AssignedPractitioner = practitionerID
		entry.task.StartedAt = &now
	case StatusCompleted, StatusCancelled:
		entry.task.CompletedAt = &now
	}
	if notes != "" {
		entry.task.Notes = append(entry.task.Notes, Note{
			Author:    practitionerID,
			Text:      notes,
			CreatedAt: now,
		})
	}
	updated := entry.task
	entry.mu.Unlock()

	if status.Terminal() {
		e.retireIntervention(updated)
	}

	e.logger.Info("intervention status updated",
		"intervention_id", interventionID,
		"status", status,
		"practitioner_id", practitionerID)
	e.sink.Publish(Delta{Type: DeltaInterventionUpdated, Payload: updated, Timestamp: now})
	return true
}

// DashboardSummary is an O(active-set) read over the engine's live state.
func (e *Engine) DashboardSummary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	summary := Summary{
		ActiveCrisisEvents:          make([]Event, 0, len(e.active)),
		CrisisCountsByLevel:         map[string]int{},
		PendingInterventions:        e.pendingCount,
		UnacknowledgedNotifications: e.unackedCount,
		Metrics: SummaryMetrics{
			TotalEvents:        e.totalEvents,
			TotalInterventions: e.totalInterventions,
			TotalNotifications: e.totalNotifications,
			TotalEscalations:   e.totalEscalations,
		},
	}

	for _, entry := range e.active {
		summary.ActiveCrisisEvents = append(summary.ActiveCrisisEvents, entry.event)
		summary.CrisisCountsByLevel[entry.event.Level.String()]++
	}

	return summary
}

// EscalateOverdue re-escalates unacknowledged, response-required
// notifications past their deadline: the priority is raised toward
// critical, an escalation record is appended, the deadline is pushed out,
// and the notification is re-dispatched. Called by the scheduler sweep.
func (e *Engine) EscalateOverdue(ctx context.Context) int {
	now := e.now()

	e.mu.RLock()
	entries := make([]*notificationEntry, 0, len(e.open))
	for _, entry := range e.open {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	escalated := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return escalated
		default:
		}

		entry.mu.Lock()
		n := &entry.notif
		overdue := n.ResponseRequired &&
			!n.Acknowledged &&
			n.ResponseDeadline != nil &&
			now.After(*n.ResponseDeadline) &&
			n.EscalationLevel < e.cfg.MaxEscalationLevel
		if !overdue {
			entry.mu.Unlock()
			continue
		}

		n.EscalationLevel++
		n.Priority = PriorityCritical
		deadline := now.Add(e.cfg.CriticalAckDeadline)
		n.ResponseDeadline = &deadline
		n.Escalations = append(n.Escalations, EscalationRecord{
			Level:       n.EscalationLevel,
			Reason:      "response deadline passed without acknowledgment",
			EscalatedAt: now,
		})
		updated := *n
		entry.mu.Unlock()

		escalated++
		e.telemetry.RecordEscalation()
		e.logger.Warn("notification escalated",
			"notification_id", updated.NotificationID,
			"crisis_event_id", updated.CrisisEventID,
			"escalation_level", updated.EscalationLevel)
		e.dispatcher.Dispatch(updated)
		e.sink.Publish(Delta{Type: DeltaEscalation, Payload: updated, Timestamp: now})
	}

	if escalated > 0 {
		e.mu.Lock()
		e.totalEscalations += escalated
		e.mu.Unlock()
	}
	return escalated
}

// PruneRetired drops settled records older than the retirement horizon
// from the live indices: terminal interventions, acknowledged
// notifications, and events no longer in the active set. The per-user
// history buffer and the archive keep the records; this only bounds the
// engine's working set. Called by the scheduler sweep.
func (e *Engine) PruneRetired() int {
	if e.cfg.RetiredRetention <= 0 {
		return 0
	}
	cutoff := e.now().Add(-e.cfg.RetiredRetention)

	e.mu.RLock()
	interventions := make(map[string]*interventionEntry, len(e.interventions))
	for id, entry := range e.interventions {
		interventions[id] = entry
	}
	notifications := make(map[string]*notificationEntry, len(e.notifications))
	for id, entry := range e.notifications {
		notifications[id] = entry
	}
	e.mu.RUnlock()

	// Terminal status and acknowledgment are monotonic, so an entry that
	// qualifies here still qualifies when it is removed below.
	var interventionIDs, notificationIDs []string
	for id, entry := range interventions {
		entry.mu.Lock()
		if entry.task.Status.Terminal() && entry.task.CompletedAt != nil && entry.task.CompletedAt.Before(cutoff) {
			interventionIDs = append(interventionIDs, id)
		}
		entry.mu.Unlock()
	}
	for id, entry := range notifications {
		entry.mu.Lock()
		if entry.notif.Acknowledged && entry.notif.AcknowledgedAt != nil && entry.notif.AcknowledgedAt.Before(cutoff) {
			notificationIDs = append(notificationIDs, id)
		}
		entry.mu.Unlock()
	}

	e.mu.Lock()
	for _, id := range interventionIDs {
		delete(e.interventions, id)
	}
	for _, id := range notificationIDs {
		delete(e.notifications, id)
	}
	var eventIDs []string
	for id, event := range e.events {
		if e.active[id] == nil && event.CreatedAt.Before(cutoff) {
			eventIDs = append(eventIDs, id)
		}
	}
	for _, id := range eventIDs {
		delete(e.events, id)
	}
	pruned := len(interventionIDs) + len(notificationIDs) + len(eventIDs)
	e.mu.Unlock()

	if pruned > 0 {
		e.logger.Info("retired workflow records pruned",
			"interventions", len(interventionIDs),
			"notifications", len(notificationIDs),
			"events", len(eventIDs))
	}
	return pruned
}

// CrisisHistory returns the most recent crisis events for a user, newest
// last, capped at limit.
func (e *Engine) CrisisHistory(userID string, limit int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	history := e.history[userID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Event, len(history))
	copy(out, history)
	return out
}

// InterventionsForEvent returns the intervention tasks derived from a
// crisis event, in no particular order. Practitioner clients use this to
// discover task ids before claiming them.
func (e *Engine) InterventionsForEvent(eventID string) []Intervention {
	e.mu.RLock()
	entries := make([]*interventionEntry, 0, 4)
	for _, entry := range e.interventions {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	var out []Intervention
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.task.CrisisEventID == eventID {
			out = append(out, entry.task)
		}
		entry.mu.Unlock()
	}
	return out
}

// Intervention returns a copy of the intervention task, if known.
func (e *Engine) Intervention(interventionID string) (Intervention, bool) {
	e.mu.RLock()
	entry := e.interventions[interventionID]
	e.mu.RUnlock()
	if entry == nil {
		return Intervention{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task, true
}

// Notification returns a copy of the notification, if known.
func (e *Engine) Notification(notificationID string) (Notification, bool) {
	e.mu.RLock()
	entry := e.notifications[notificationID]
	e.mu.RUnlock()
	if entry == nil {
		return Notification{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.notif, true
}

// Healthy reports whether the engine's indices are initialized.
func (e *Engine) Healthy(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.events == nil || e.interventions == nil || e.notifications == nil {
		return fmt.Errorf("workflow indices not initialized")
	}
	return nil
}

// Name implements the health registry contract.
func (e *Engine) Name() string { return "crisis-workflow" }

func (e *Engine) retireIntervention(task Intervention) {
	e.archive.ArchiveIntervention(task)

	e.mu.Lock()
	e.pendingCount--
	entry := e.active[task.CrisisEventID]
	if entry != nil {
		delete(entry.pending, task.InterventionID)
		if len(entry.pending) == 0 {
			delete(e.active, task.CrisisEventID)
		}
	}
	activeCount := len(e.active)
	e.mu.Unlock()

	e.telemetry.SetActiveEvents(activeCount)
}

// deriveLevel maps a detector assessment onto the crisis level ordering.
// Suicidal ideation is always critical; self-harm is critical at high
// confidence, otherwise high.
func deriveLevel(a detector.Assessment) Level {
	if !a.CrisisDetected {
		return LevelNone
	}
	for _, ind := range a.Indicators {
		switch ind {
		case detector.IndicatorSuicidalIdeation:
			return LevelCritical
		case detector.IndicatorSelfHarm:
			if a.Confidence >= 0.8 {
				return LevelCritical
			}
			return LevelHigh
		}
	}
	switch {
	case a.Confidence >= 0.7:
		return LevelHigh
	case a.Confidence >= 0.4:
		return LevelModerate
	default:
		return LevelModerate
	}
}

// deriveInterventions applies the severity policy: critical events demand
// the full intervention set, high a contact-and-planning subset, moderate a
// monitoring task.
func (e *Engine) deriveInterventions(event Event) []Intervention {
	var types []InterventionType
	switch event.Level {
	case LevelCritical:
		types = []InterventionType{
			InterventionImmediateContact,
			InterventionEmergencyServices,
			InterventionSafetyPlanning,
		}
	case LevelHigh:
		types = []InterventionType{
			InterventionImmediateContact,
			InterventionSafetyPlanning,
		}
	case LevelModerate:
		types = []InterventionType{InterventionMonitoring}
	default:
		return nil
	}

	tasks := make([]Intervention, 0, len(types))
	for _, t := range types {
		tasks = append(tasks, Intervention{
			InterventionID: uuid.New().String(),
			CrisisEventID:  event.EventID,
			UserID:         event.UserID,
			Type:           t,
			Status:         StatusPending,
			CreatedAt:      event.CreatedAt,
		})
	}
	return tasks
}

func (e *Engine) buildNotification(event Event) Notification {
	deadline := event.CreatedAt.Add(e.ackDeadline(event.Level))
	return Notification{
		NotificationID:   uuid.New().String(),
		CrisisEventID:    event.EventID,
		UserID:           event.UserID,
		Priority:         priorityFor(event.Level),
		Message:          e.renderMessage(event),
		ResponseRequired: true,
		ResponseDeadline: &deadline,
		CreatedAt:        event.CreatedAt,
	}
}

func (e *Engine) ackDeadline(level Level) time.Duration {
	switch level {
	case LevelCritical:
		return e.cfg.CriticalAckDeadline
	case LevelHigh:
		return e.cfg.HighAckDeadline
	default:
		return e.cfg.ModerateAckDeadline
	}
}

func (e *Engine) renderMessage(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s crisis detected for user %s (risk %.2f).",
		strings.ToUpper(event.Level.String()), event.UserID, event.RiskScore)
	if len(event.Indicators) > 0 {
		inds := make([]string, len(event.Indicators))
		for i, ind := range event.Indicators {
			inds[i] = string(ind)
		}
		fmt.Fprintf(&b, " Indicators: %s.", strings.Join(inds, ", "))
	}
	if event.Level >= LevelHigh && e.catalog != nil {
		emergency := e.catalog.ResourcesFor(event.Indicators, true)
		if len(emergency) > 0 {
			fmt.Fprintf(&b, " Emergency resource: %s (%s).", emergency[0].Name, emergency[0].Contact)
		}
	}
	return b.String()
}

func appendBounded(history []Event, event Event, limit int) []Event {
	history = append(history, event)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(Notification) {}

type noopArchiver struct{}

func (noopArchiver) ArchiveEvent(Event)               {}
func (noopArchiver) ArchiveIntervention(Intervention) {}

type noopSink struct{}

func (noopSink) Publish(Delta) {}

type noopTelemetry struct{}

func (noopTelemetry) RecordAssessment(string, float64) {}
func (noopTelemetry) RecordEscalation()                {}
func (noopTelemetry) SetActiveEvents(int)              {}
