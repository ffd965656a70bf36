package crisis

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenfable/crisis-sentinel/internal/detector"
	"github.com/havenfable/crisis-sentinel/internal/resources"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []Notification
}

func (d *recordingDispatcher) Dispatch(n Notification) {
	d.mu.Lock()
	d.sent = append(d.sent, n)
	d.mu.Unlock()
}

func (d *recordingDispatcher) all() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.sent))
	copy(out, d.sent)
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	deltas []Delta
}

func (s *recordingSink) Publish(delta Delta) {
	s.mu.Lock()
	s.deltas = append(s.deltas, delta)
	s.mu.Unlock()
}

func (s *recordingSink) byType(t DeltaType) []Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delta
	for _, d := range s.deltas {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		CriticalAckDeadline: 5 * time.Minute,
		HighAckDeadline:     30 * time.Minute,
		ModerateAckDeadline: 4 * time.Hour,
		MaxEscalationLevel:  3,
		HistoryLimit:        100,
		RetiredRetention:    24 * time.Hour,
	}
}

func newTestEngine(t *testing.T) (*Engine, *recordingDispatcher, *recordingSink) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	det, err := detector.New(logger, 0.3, 0.8)
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{}
	sink := &recordingSink{}
	engine := NewEngine(logger, testConfig(), det, resources.NewCatalog(), dispatcher, nil, sink, nil)
	return engine, dispatcher, sink
}

func TestProcessAssessment_CriticalScenario(t *testing.T) {
	engine, dispatcher, sink := newTestEngine(t)

	event, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I want to end it all", SessionContext{})
	require.NoError(t, err)

	assert.Equal(t, LevelCritical, event.Level)
	assert.True(t, event.EscalationNeeded)
	assert.True(t, event.InterventionRequired)
	assert.Contains(t, event.Indicators, detector.IndicatorSuicidalIdeation)
	assert.NotEmpty(t, event.EventID)

	// Severity policy: critical events demand the full intervention set
	summary := engine.DashboardSummary()
	assert.Equal(t, 3, summary.PendingInterventions)
	assert.Equal(t, 1, summary.UnacknowledgedNotifications)
	assert.Equal(t, 1, summary.CrisisCountsByLevel["critical"])
	require.Len(t, summary.ActiveCrisisEvents, 1)

	types := map[InterventionType]bool{}
	for _, entry := range engine.interventions {
		types[entry.task.Type] = true
		assert.Equal(t, StatusPending, entry.task.Status)
		assert.Equal(t, event.EventID, entry.task.CrisisEventID)
	}
	assert.True(t, types[InterventionImmediateContact] || types[InterventionEmergencyServices],
		"critical detection must produce an immediate-contact or emergency-services task")

	dispatched := dispatcher.all()
	require.Len(t, dispatched, 1, "exactly one notification per event")
	assert.Equal(t, PriorityCritical, dispatched[0].Priority)
	assert.True(t, dispatched[0].ResponseRequired)
	require.NotNil(t, dispatched[0].ResponseDeadline)
	assert.Equal(t, event.CreatedAt.Add(5*time.Minute), *dispatched[0].ResponseDeadline)

	require.Len(t, sink.byType(DeltaEventCreated), 1)
}

func TestProcessAssessment_NoCrisis(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)

	event, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I walked across the bridge", SessionContext{})
	require.NoError(t, err)

	assert.Equal(t, LevelNone, event.Level)
	assert.False(t, event.InterventionRequired)
	assert.False(t, event.EscalationNeeded)
	assert.Empty(t, event.Indicators)
	assert.Empty(t, dispatcher.all())

	summary := engine.DashboardSummary()
	assert.Empty(t, summary.ActiveCrisisEvents)
	assert.Equal(t, 1, summary.Metrics.TotalEvents, "non-crisis events still land in history")
}

func TestProcessAssessment_RequiresIdentity(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.ProcessAssessment(context.Background(), "", "session-1", "hello", SessionContext{})
	assert.Error(t, err)
}

func TestProcessAssessment_ContextOnlyModerate(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)

	event, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I opened the chest.", SessionContext{
		EmotionalState: map[string]interface{}{"distress_level": 0.9},
	})
	require.NoError(t, err)

	assert.Equal(t, LevelModerate, event.Level)
	assert.False(t, event.EscalationNeeded)

	summary := engine.DashboardSummary()
	assert.Equal(t, 1, summary.PendingInterventions, "moderate level derives a monitoring task")

	dispatched := dispatcher.all()
	require.Len(t, dispatched, 1)
	assert.Equal(t, PriorityMedium, dispatched[0].Priority)
}

func TestProcessAssessment_SubThresholdSignalsCarryNoIndicators(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)

	event, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I opened the chest.", SessionContext{
		BehavioralIndicators: []string{"agitation"},
	})
	require.NoError(t, err)

	assert.Equal(t, LevelNone, event.Level)
	assert.Empty(t, event.Indicators, "indicator set must be empty below the moderate level")
	assert.False(t, event.InterventionRequired)
	assert.Empty(t, dispatcher.all())
}

func TestAcknowledgeNotification_IdempotentGuard(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)

	_, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I want to end it all", SessionContext{})
	require.NoError(t, err)
	notifID := dispatcher.all()[0].NotificationID

	assert.True(t, engine.AcknowledgeNotification(notifID, "practitioner-1"))

	acked, ok := engine.Notification(notifID)
	require.True(t, ok)
	require.NotNil(t, acked.AcknowledgedAt)
	firstAckedAt := *acked.AcknowledgedAt

	assert.False(t, engine.AcknowledgeNotification(notifID, "practitioner-2"), "second acknowledgment must fail")

	again, _ := engine.Notification(notifID)
	assert.Equal(t, "practitioner-1", again.AcknowledgedBy)
	assert.Equal(t, firstAckedAt, *again.AcknowledgedAt, "acknowledged_at must not change")

	assert.NotContains(t, engine.open, notifID, "acknowledged notifications leave the sweep scan set")
}

func TestAcknowledgeNotification_UnknownID(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	assert.False(t, engine.AcknowledgeNotification("missing", "practitioner-1"))
}

func TestUpdateInterventionStatus_StateMachine(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I keep wanting to hurt myself", SessionContext{})
	require.NoError(t, err)

	var interventionID string
	for id := range engine.interventions {
		interventionID = id
		break
	}
	require.NotEmpty(t, interventionID)

	t.Run("claim requires practitioner", func(t *testing.T) {
		assert.False(t, engine.UpdateInterventionStatus(interventionID, StatusInProgress, "", ""))
	})

	t.Run("pending to in progress", func(t *testing.T) {
		assert.True(t, engine.UpdateInterventionStatus(interventionID, StatusInProgress, "practitioner-1", "taking this"))
		task, ok := engine.Intervention(interventionID)
		require.True(t, ok)
		assert.Equal(t, "practitioner-1", task.AssignedPractitioner)
		assert.NotNil(t, task.StartedAt)
		require.Len(t, task.Notes, 1)
		assert.Equal(t, "taking this", task.Notes[0].Text)
	})

	t.Run("in progress to completed", func(t *testing.T) {
		assert.True(t, engine.UpdateInterventionStatus(interventionID, StatusCompleted, "practitioner-1", "resolved"))
		task, _ := engine.Intervention(interventionID)
		assert.NotNil(t, task.CompletedAt)
	})

	t.Run("completed is terminal", func(t *testing.T) {
		assert.False(t, engine.UpdateInterventionStatus(interventionID, StatusInProgress, "practitioner-1", ""))
		assert.False(t, engine.UpdateInterventionStatus(interventionID, StatusPending, "practitioner-1", ""))
		task, _ := engine.Intervention(interventionID)
		assert.Equal(t, StatusCompleted, task.Status)
		assert.Len(t, task.Notes, 2, "rejected transitions must not append notes")
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.False(t, engine.UpdateInterventionStatus("missing", StatusInProgress, "practitioner-1", ""))
	})
}

func TestActiveIndex_RetiredWhenAllInterventionsDone(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I want to end it all", SessionContext{})
	require.NoError(t, err)
	require.Len(t, engine.DashboardSummary().ActiveCrisisEvents, 1)

	for id := range engine.interventions {
		require.True(t, engine.UpdateInterventionStatus(id, StatusInProgress, "practitioner-1", ""))
		require.True(t, engine.UpdateInterventionStatus(id, StatusCompleted, "practitioner-1", ""))
	}

	summary := engine.DashboardSummary()
	assert.Empty(t, summary.ActiveCrisisEvents, "event leaves the active index once all interventions complete")
	assert.Zero(t, summary.PendingInterventions)
}

func TestEscalateOverdue(t *testing.T) {
	engine, dispatcher, sink := newTestEngine(t)
	base := time.Now()
	engine.now = func() time.Time { return base }

	_, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I want to end it all", SessionContext{})
	require.NoError(t, err)

	t.Run("before deadline nothing escalates", func(t *testing.T) {
		assert.Zero(t, engine.EscalateOverdue(context.Background()))
	})

	t.Run("past deadline escalates once", func(t *testing.T) {
		engine.now = func() time.Time { return base.Add(6 * time.Minute) }
		assert.Equal(t, 1, engine.EscalateOverdue(context.Background()))

		dispatched := dispatcher.all()
		require.Len(t, dispatched, 2, "escalation re-dispatches the notification")
		escalated := dispatched[1]
		assert.Equal(t, 1, escalated.EscalationLevel)
		assert.Equal(t, PriorityCritical, escalated.Priority)
		require.Len(t, escalated.Escalations, 1)
		require.Len(t, sink.byType(DeltaEscalation), 1)

		// The deadline moved out, so an immediate second sweep is a no-op
		assert.Zero(t, engine.EscalateOverdue(context.Background()))
	})

	t.Run("acknowledged notifications stop escalating", func(t *testing.T) {
		notifID := dispatcher.all()[0].NotificationID
		require.True(t, engine.AcknowledgeNotification(notifID, "practitioner-1"))

		engine.now = func() time.Time { return base.Add(time.Hour) }
		assert.Zero(t, engine.EscalateOverdue(context.Background()))
	})

	t.Run("summary counts escalations", func(t *testing.T) {
		assert.Equal(t, 1, engine.DashboardSummary().Metrics.TotalEscalations)
	})
}

func TestEscalateOverdue_CapsAtMaxLevel(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	base := time.Now()
	engine.now = func() time.Time { return base }

	_, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I want to end it all", SessionContext{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		base = base.Add(time.Hour)
		engine.EscalateOverdue(context.Background())
	}

	summary := engine.DashboardSummary()
	assert.Equal(t, 3, summary.Metrics.TotalEscalations, "escalation level is capped")
}

func TestPruneRetired(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)
	base := time.Now()
	engine.now = func() time.Time { return base }

	settled, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", "I want to end it all", SessionContext{})
	require.NoError(t, err)
	require.True(t, engine.AcknowledgeNotification(dispatcher.all()[0].NotificationID, "practitioner-1"))
	for _, task := range engine.InterventionsForEvent(settled.EventID) {
		require.True(t, engine.UpdateInterventionStatus(task.InterventionID, StatusInProgress, "practitioner-1", ""))
		require.True(t, engine.UpdateInterventionStatus(task.InterventionID, StatusCompleted, "practitioner-1", ""))
	}

	engine.now = func() time.Time { return base.Add(25 * time.Hour) }
	fresh, err := engine.ProcessAssessment(context.Background(), "user-2", "session-2", "I want to end it all", SessionContext{})
	require.NoError(t, err)

	// 3 terminal interventions, 1 acknowledged notification, 1 settled event
	assert.Equal(t, 5, engine.PruneRetired())

	_, ok := engine.Notification(dispatcher.all()[0].NotificationID)
	assert.False(t, ok, "acknowledged notification is dropped after the horizon")
	assert.Empty(t, engine.InterventionsForEvent(settled.EventID))
	require.Len(t, engine.InterventionsForEvent(fresh.EventID), 3, "open work is never pruned")

	summary := engine.DashboardSummary()
	assert.Equal(t, 3, summary.PendingInterventions)
	assert.Equal(t, 1, summary.UnacknowledgedNotifications)
	assert.Equal(t, 2, summary.Metrics.TotalEvents, "lifetime totals survive pruning")

	assert.Len(t, engine.CrisisHistory("user-1", 10), 1, "history keeps the pruned event")
	assert.Zero(t, engine.PruneRetired(), "second pass finds nothing")
}

func TestCrisisHistory(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	inputs := []string{
		"I walked across the bridge",
		"I feel so overwhelmed and hopeless today",
		"I want to end it all",
	}
	for _, input := range inputs {
		_, err := engine.ProcessAssessment(context.Background(), "user-1", "session-1", input, SessionContext{})
		require.NoError(t, err)
	}

	history := engine.CrisisHistory("user-1", 10)
	require.Len(t, history, 3)
	assert.Equal(t, LevelNone, history[0].Level)
	assert.Equal(t, LevelCritical, history[2].Level)

	limited := engine.CrisisHistory("user-1", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, LevelCritical, limited[1].Level, "limit keeps the most recent events")

	assert.Empty(t, engine.CrisisHistory("unknown-user", 10))
}

func TestProcessAssessment_Concurrent(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "user-a"
			if i%2 == 0 {
				userID = "user-b"
			}
			_, err := engine.ProcessAssessment(context.Background(), userID, "session", "I feel so overwhelmed and hopeless", SessionContext{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	summary := engine.DashboardSummary()
	assert.Equal(t, 20, summary.Metrics.TotalEvents)
	assert.Len(t, engine.CrisisHistory("user-a", 100), 10)
	assert.Len(t, engine.CrisisHistory("user-b", 100), 10)
}

func TestHealthy(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	assert.NoError(t, engine.Healthy(context.Background()))
	assert.Equal(t, "crisis-workflow", engine.Name())
}
