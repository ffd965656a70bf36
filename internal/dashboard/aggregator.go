package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/havenfable/crisis-sentinel/internal/analytics"
	"github.com/havenfable/crisis-sentinel/internal/crisis"
	"github.com/havenfable/crisis-sentinel/internal/metricstore"
)

// SummaryProvider is the workflow engine capability the aggregator depends on.
type SummaryProvider interface {
	DashboardSummary() crisis.Summary
}

// MetricsProvider is the analytics capability the aggregator depends on.
type MetricsProvider interface {
	RealTimeMetrics(userID string) map[metricstore.MetricType]analytics.CurrentMetric
}

// SessionTracker lists the sessions currently producing metrics.
type SessionTracker interface {
	Sessions() map[string]string
}

// HealthCheckable is implemented by components that can report their own
// health. The aggregator depends on this capability contract, not on the
// component types.
type HealthCheckable interface {
	Healthy(ctx context.Context) error
	Name() string
}

// Broadcaster pushes overview deltas to connected observers.
type Broadcaster interface {
	BroadcastJSON(v interface{})
}

// SessionMetrics is the per-session slice of the overview.
type SessionMetrics struct {
	UserID  string                                             `json:"user_id"`
	Metrics map[metricstore.MetricType]analytics.CurrentMetric `json:"metrics"`
}

// Overview is the composed point-in-time system view for practitioners.
// Degraded lists the upstream components whose contribution is missing; the
// overview itself is always returned.
type Overview struct {
	ActiveCrisisEvents          []crisis.Event            `json:"active_crisis_events"`
	CrisisCountsByLevel         map[string]int            `json:"crisis_counts_by_level"`
	PendingInterventions        int                       `json:"pending_interventions"`
	UnacknowledgedNotifications int                       `json:"unacknowledged_notifications"`
	SessionMetrics              map[string]SessionMetrics `json:"real_time_metrics_by_session"`
	SystemHealth                map[string]string         `json:"system_health"`
	Degraded                    []string                  `json:"degraded,omitempty"`
	GeneratedAt                 time.Time                 `json:"generated_at"`
}

// Aggregator composes crisis workflow state and analytics into a single
// overview and pushes state deltas to observers.
type Aggregator struct {
	logger           *slog.Logger
	summaries        SummaryProvider
	metrics          MetricsProvider
	sessions         SessionTracker
	broadcaster      Broadcaster
	snapshotInterval time.Duration

	mu           sync.RWMutex
	healthChecks []HealthCheckable

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewAggregator wires the dashboard aggregator.
func NewAggregator(
	logger *slog.Logger,
	summaries SummaryProvider,
	metrics MetricsProvider,
	sessions SessionTracker,
	broadcaster Broadcaster,
	snapshotInterval time.Duration,
) *Aggregator {
	return &Aggregator{
		logger:           logger,
		summaries:        summaries,
		metrics:          metrics,
		sessions:         sessions,
		broadcaster:      broadcaster,
		snapshotInterval: snapshotInterval,
		done:             make(chan struct{}),
	}
}

// SetSummaryProvider installs the workflow engine capability. The engine
// publishes deltas through the aggregator, so the two are wired in this
// order at startup.
func (a *Aggregator) SetSummaryProvider(p SummaryProvider) {
	a.mu.Lock()
	a.summaries = p
	a.mu.Unlock()
}

// RegisterHealthCheck adds a component to the health registry.
func (a *Aggregator) RegisterHealthCheck(hc HealthCheckable) {
	a.mu.Lock()
	a.healthChecks = append(a.healthChecks, hc)
	a.mu.Unlock()
}

// Start launches the periodic metrics snapshot push.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.snapshotLoop(ctx)
	})
}

// Stop halts the snapshot loop.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
}

// Publish forwards a workflow delta to all observers. Implements
// crisis.Sink.
func (a *Aggregator) Publish(delta crisis.Delta) {
	a.broadcaster.BroadcastJSON(delta)
}

// Overview composes the current system view. A failing upstream degrades
// its slice of the overview instead of failing the whole call.
func (a *Aggregator) Overview(ctx context.Context) Overview {
	overview := Overview{
		CrisisCountsByLevel: map[string]int{},
		SessionMetrics:      map[string]SessionMetrics{},
		SystemHealth:        map[string]string{},
		GeneratedAt:         time.Now(),
	}

	if err := a.collectCrisis(&overview); err != nil {
		a.logger.Error("crisis summary unavailable for overview", "error", err)
		overview.Degraded = append(overview.Degraded, "crisis-workflow")
	}
	if err := a.collectMetrics(&overview); err != nil {
		a.logger.Error("real-time metrics unavailable for overview", "error", err)
		overview.Degraded = append(overview.Degraded, "analytics")
	}
	a.collectHealth(ctx, &overview)

	return overview
}

func (a *Aggregator) collectCrisis(overview *Overview) (err error) {
	defer recoverInto(&err)
	a.mu.RLock()
	provider := a.summaries
	a.mu.RUnlock()
	if provider == nil {
		return errNoProvider
	}
	summary := provider.DashboardSummary()
	overview.ActiveCrisisEvents = summary.ActiveCrisisEvents
	overview.CrisisCountsByLevel = summary.CrisisCountsByLevel
	overview.PendingInterventions = summary.PendingInterventions
	overview.UnacknowledgedNotifications = summary.UnacknowledgedNotifications
	return nil
}

func (a *Aggregator) collectMetrics(overview *Overview) (err error) {
	defer recoverInto(&err)
	for sessionID, userID := range a.sessions.Sessions() {
		overview.SessionMetrics[sessionID] = SessionMetrics{
			UserID:  userID,
			Metrics: a.metrics.RealTimeMetrics(userID),
		}
	}
	return nil
}

func (a *Aggregator) collectHealth(ctx context.Context, overview *Overview) {
	a.mu.RLock()
	checks := make([]HealthCheckable, len(a.healthChecks))
	copy(checks, a.healthChecks)
	a.mu.RUnlock()

	for _, hc := range checks {
		if err := hc.Healthy(ctx); err != nil {
			overview.SystemHealth[hc.Name()] = "unhealthy"
		} else {
			overview.SystemHealth[hc.Name()] = "healthy"
		}
	}
}

func (a *Aggregator) snapshotLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := a.Overview(ctx)
			a.broadcaster.BroadcastJSON(map[string]interface{}{
				"type":      "metrics_snapshot",
				"payload":   snapshot,
				"timestamp": snapshot.GeneratedAt,
			})
		}
	}
}

var errNoProvider = errors.New("summary provider not installed")

func recoverInto(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = e
			return
		}
		*err = &upstreamPanic{value: r}
	}
}

type upstreamPanic struct{ value interface{} }

func (p *upstreamPanic) Error() string { return "upstream panicked" }
