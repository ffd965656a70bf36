package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/havenfable/crisis-sentinel/internal/crisis"
)

// Archive persists crisis workflow records through the KV contract with
// write-behind semantics: callers enqueue and return immediately, a single
// writer goroutine drains the queue. A persistence failure is logged and
// dropped; it never reaches the caller.
type Archive struct {
	logger *slog.Logger
	kv     KV
	queue  chan writeJob

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type writeJob struct {
	key   string
	value interface{}
}

// NewArchive creates the write-behind archive over the given KV backend.
func NewArchive(logger *slog.Logger, kv KV, queueSize int) *Archive {
	return &Archive{
		logger: logger,
		kv:     kv,
		queue:  make(chan writeJob, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (a *Archive) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.writer(ctx)
	})
}

// Stop drains the pending queue and stops the writer.
func (a *Archive) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
}

// ArchiveEvent persists a crisis event asynchronously.
func (a *Archive) ArchiveEvent(event crisis.Event) {
	a.enqueue(fmt.Sprintf("crisis:event:%s:%s", event.UserID, event.EventID), event)
}

// ArchiveIntervention persists a completed or cancelled intervention
// asynchronously.
func (a *Archive) ArchiveIntervention(intervention crisis.Intervention) {
	a.enqueue(fmt.Sprintf("crisis:intervention:%s:%s", intervention.UserID, intervention.InterventionID), intervention)
}

// EventRecords returns the archived crisis events for a user.
func (a *Archive) EventRecords(ctx context.Context, userID string) ([]crisis.Event, error) {
	records, err := a.kv.Query(ctx, fmt.Sprintf("crisis:event:%s:*", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query archived events: %w", err)
	}
	out := make([]crisis.Event, 0, len(records))
	for key, raw := range records {
		var event crisis.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			a.logger.Error("corrupt archived event record", "key", key, "error", err)
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

// Healthy probes the KV backend.
func (a *Archive) Healthy(ctx context.Context) error {
	_, _, err := a.kv.Get(ctx, "crisis:healthcheck")
	return err
}

// Name implements the health registry contract.
func (a *Archive) Name() string { return "archive" }

func (a *Archive) enqueue(key string, value interface{}) {
	select {
	case a.queue <- writeJob{key: key, value: value}:
	default:
		a.logger.Error("archive queue full, dropping record", "key", key)
	}
}

func (a *Archive) writer(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			// Drain what is already queued before stopping
			for {
				select {
				case job := <-a.queue:
					a.write(context.Background(), job)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case job := <-a.queue:
			a.write(ctx, job)
		}
	}
}

func (a *Archive) write(ctx context.Context, job writeJob) {
	payload, err := json.Marshal(job.value)
	if err != nil {
		a.logger.Error("failed to marshal archive record", "key", job.key, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.kv.Set(writeCtx, job.key, string(payload), 0); err != nil {
		a.logger.Error("failed to persist archive record", "key", job.key, "error", err)
	}
}
