package scheduler

import (
	"context"
	"log/slog"
)

// Escalator is the workflow engine capability the escalation sweep needs.
type Escalator interface {
	EscalateOverdue(ctx context.Context) int
}

// EscalationSweep re-escalates unacknowledged, response-required
// notifications past their deadline. This is the system's only
// crisis-workflow timer.
type EscalationSweep struct {
	escalator Escalator
	logger    *slog.Logger
}

// NewEscalationSweep creates the escalation sweep handler.
func NewEscalationSweep(escalator Escalator, logger *slog.Logger) *EscalationSweep {
	return &EscalationSweep{escalator: escalator, logger: logger}
}

// Execute runs one escalation pass.
func (h *EscalationSweep) Execute(ctx context.Context) error {
	escalated := h.escalator.EscalateOverdue(ctx)
	if escalated > 0 {
		h.logger.Info("escalation sweep completed", "escalated", escalated)
	}
	return nil
}

// Name returns the task name.
func (h *EscalationSweep) Name() string { return "escalation-sweep" }

// Sweeper is the metric store capability the retention sweep needs.
type Sweeper interface {
	Sweep() int
}

// RetentionSweep evicts metric data points past the retention horizon.
type RetentionSweep struct {
	store  Sweeper
	logger *slog.Logger
}

// NewRetentionSweep creates the metrics retention sweep handler.
func NewRetentionSweep(store Sweeper, logger *slog.Logger) *RetentionSweep {
	return &RetentionSweep{store: store, logger: logger}
}

// Execute runs one eviction pass.
func (h *RetentionSweep) Execute(ctx context.Context) error {
	evicted := h.store.Sweep()
	if evicted > 0 {
		h.logger.Info("metrics retention sweep completed", "evicted", evicted)
	}
	return nil
}

// Name returns the task name.
func (h *RetentionSweep) Name() string { return "metrics-retention-sweep" }

// Retirer is the workflow engine capability the workflow retention sweep
// needs.
type Retirer interface {
	PruneRetired() int
}

// WorkflowRetentionSweep drops settled workflow records past the
// retirement horizon from the engine's live indices.
type WorkflowRetentionSweep struct {
	engine Retirer
	logger *slog.Logger
}

// NewWorkflowRetentionSweep creates the workflow retention sweep handler.
func NewWorkflowRetentionSweep(engine Retirer, logger *slog.Logger) *WorkflowRetentionSweep {
	return &WorkflowRetentionSweep{engine: engine, logger: logger}
}

// Execute runs one pruning pass.
func (h *WorkflowRetentionSweep) Execute(ctx context.Context) error {
	pruned := h.engine.PruneRetired()
	if pruned > 0 {
		h.logger.Info("workflow retention sweep completed", "pruned", pruned)
	}
	return nil
}

// Name returns the task name.
func (h *WorkflowRetentionSweep) Name() string { return "workflow-retention-sweep" }

// HealthProbe is one component the health sweep checks.
type HealthProbe interface {
	Healthy(ctx context.Context) error
	Name() string
}

// HealthSweep periodically probes registered components and logs failures.
type HealthSweep struct {
	probes []HealthProbe
	logger *slog.Logger
}

// NewHealthSweep creates the health sweep over the given probes.
func NewHealthSweep(logger *slog.Logger, probes ...HealthProbe) *HealthSweep {
	return &HealthSweep{probes: probes, logger: logger}
}

// Execute probes every component; unhealthy components are logged, not
// fatal.
func (h *HealthSweep) Execute(ctx context.Context) error {
	for _, probe := range h.probes {
		if err := probe.Healthy(ctx); err != nil {
			h.logger.Warn("component unhealthy", "component", probe.Name(), "error", err)
		}
	}
	return nil
}

// Name returns the task name.
func (h *HealthSweep) Name() string { return "health-sweep" }
