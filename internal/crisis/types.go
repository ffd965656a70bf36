package crisis

import (
	"time"

	"github.com/havenfable/crisis-sentinel/internal/detector"
)

// Level is the ordered crisis severity classification.
type Level int

const (
	LevelNone Level = iota
	LevelModerate
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelModerate:
		return "moderate"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "none"
	}
}

// Event is an immutable crisis detection record. It is created once per
// assessment and never mutated afterwards.
type Event struct {
	EventID              string               `json:"event_id"`
	UserID               string               `json:"user_id"`
	SessionID            string               `json:"session_id"`
	Level                Level                `json:"crisis_level"`
	Indicators           []detector.Indicator `json:"indicators"`
	RiskScore            float64              `json:"risk_score"`
	UserInput            string               `json:"user_input"`
	ResponseTimeMs       float64              `json:"response_time_ms"`
	InterventionRequired bool                 `json:"intervention_required"`
	EscalationNeeded     bool                 `json:"escalation_needed"`
	CreatedAt            time.Time            `json:"created_at"`
}

// InterventionType identifies the kind of clinical work item derived from a
// crisis event.
type InterventionType string

const (
	InterventionImmediateContact  InterventionType = "immediate_contact"
	InterventionEmergencyServices InterventionType = "emergency_services"
	InterventionSafetyPlanning    InterventionType = "safety_planning"
	InterventionMonitoring        InterventionType = "monitoring"
)

// InterventionStatus is the intervention task state machine:
// PENDING -> IN_PROGRESS -> COMPLETED, with CANCELLED reachable from
// PENDING and IN_PROGRESS.
type InterventionStatus string

const (
	StatusPending    InterventionStatus = "pending"
	StatusInProgress InterventionStatus = "in_progress"
	StatusCompleted  InterventionStatus = "completed"
	StatusCancelled  InterventionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InterventionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var validTransitions = map[InterventionStatus][]InterventionStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func transitionAllowed(from, to InterventionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Note is one entry in an intervention's append-only log.
type Note struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Intervention is a tracked clinical work item derived from a crisis event.
type Intervention struct {
	InterventionID       string             `json:"intervention_id"`
	CrisisEventID        string             `json:"crisis_event_id"`
	UserID               string             `json:"user_id"`
	Type                 InterventionType   `json:"intervention_type"`
	Status               InterventionStatus `json:"status"`
	AssignedPractitioner string             `json:"assigned_practitioner,omitempty"`
	Notes                []Note             `json:"notes,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	StartedAt            *time.Time         `json:"started_at,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
}

// Priority is the practitioner-facing notification urgency, derived from
// the crisis level.
type Priority string

const (
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func priorityFor(level Level) Priority {
	switch level {
	case LevelCritical:
		return PriorityCritical
	case LevelHigh:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Notification is a practitioner-facing alert. Acknowledgment is the only
// mutation after creation; escalation appends records and may raise the
// priority.
type Notification struct {
	NotificationID   string             `json:"notification_id"`
	CrisisEventID    string             `json:"crisis_event_id"`
	UserID           string             `json:"user_id"`
	Priority         Priority           `json:"priority"`
	Message          string             `json:"message"`
	ResponseRequired bool               `json:"response_required"`
	ResponseDeadline *time.Time         `json:"response_deadline,omitempty"`
	Acknowledged     bool               `json:"acknowledged"`
	AcknowledgedBy   string             `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time         `json:"acknowledged_at,omitempty"`
	EscalationLevel  int                `json:"escalation_level"`
	Escalations      []EscalationRecord `json:"escalations,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// EscalationRecord is one re-escalation of an unacknowledged notification
// past its response deadline.
type EscalationRecord struct {
	Level       int       `json:"level"`
	Reason      string    `json:"reason"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// Summary is the point-in-time dashboard view over the workflow engine's
// active state.
type Summary struct {
	ActiveCrisisEvents          []Event        `json:"active_crisis_events"`
	CrisisCountsByLevel         map[string]int `json:"crisis_counts_by_level"`
	PendingInterventions        int            `json:"pending_interventions"`
	UnacknowledgedNotifications int            `json:"unacknowledged_notifications"`
	Metrics                     SummaryMetrics `json:"metrics"`
}

// SummaryMetrics are the lifetime counters surfaced in the dashboard summary.
type SummaryMetrics struct {
	TotalEvents        int `json:"total_events"`
	TotalInterventions int `json:"total_interventions"`
	TotalNotifications int `json:"total_notifications"`
	TotalEscalations   int `json:"total_escalations"`
}

// DeltaType identifies a dashboard state change pushed to observers.
type DeltaType string

const (
	DeltaEventCreated        DeltaType = "crisis_event_created"
	DeltaNotificationUpdated DeltaType = "notification_updated"
	DeltaInterventionUpdated DeltaType = "intervention_updated"
	DeltaEscalation          DeltaType = "notification_escalated"
)

// Delta is a single state change fanned out to dashboard observers.
type Delta struct {
	Type      DeltaType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}
