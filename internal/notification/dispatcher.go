package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/havenfable/crisis-sentinel/internal/crisis"
)

// Config holds dispatch pipeline tunables.
type Config struct {
	WebhookURL      string
	WorkerCount     int
	QueueSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	RequestTimeout  time.Duration
	RateLimitPerMin int
}

// Telemetry records delivery outcomes.
type Telemetry interface {
	RecordDispatch(ok bool)
}

// Dispatcher delivers practitioner notifications over a webhook channel.
// Dispatch is fire-and-forget: the queue is bounded and a full queue drops
// the delivery with a log line rather than blocking the caller, keeping the
// assessment hot path free of delivery latency.
type Dispatcher struct {
	logger    *slog.Logger
	cfg       Config
	client    *resty.Client
	limiter   *rate.Limiter
	queue     chan deliveryJob
	telemetry Telemetry

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type deliveryJob struct {
	notification crisis.Notification
	attempt      int
}

// NewDispatcher creates the dispatch pipeline. A nil telemetry is replaced
// with a no-op.
func NewDispatcher(logger *slog.Logger, cfg Config, telemetry Telemetry) *Dispatcher {
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	client := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(0) // retries are scheduled through the queue, not in the client

	perSecond := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		perSecond = rate.Inf
	}

	return &Dispatcher{
		logger:    logger,
		cfg:       cfg,
		client:    client,
		limiter:   rate.NewLimiter(perSecond, max(1, cfg.RateLimitPerMin/6)),
		queue:     make(chan deliveryJob, cfg.QueueSize),
		telemetry: telemetry,
		done:      make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.logger.Info("starting notification dispatcher",
			"workers", d.cfg.WorkerCount,
			"queue_size", d.cfg.QueueSize)
		for i := 0; i < d.cfg.WorkerCount; i++ {
			d.wg.Add(1)
			go d.worker(ctx, i)
		}
	})
}

// Stop drains the workers within their current jobs and returns.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		d.logger.Info("notification dispatcher stopped")
	})
}

// Dispatch enqueues a notification for delivery. It never blocks: when the
// queue is full the delivery is dropped and counted as a failure.
func (d *Dispatcher) Dispatch(notification crisis.Notification) {
	select {
	case d.queue <- deliveryJob{notification: notification}:
	default:
		d.logger.Error("notification queue full, dropping delivery",
			"notification_id", notification.NotificationID,
			"priority", notification.Priority)
		d.telemetry.RecordDispatch(false)
	}
}

// Healthy reports whether the delivery queue has headroom.
func (d *Dispatcher) Healthy(ctx context.Context) error {
	if len(d.queue) == cap(d.queue) {
		return context.DeadlineExceeded
	}
	return nil
}

// Name implements the health registry contract.
func (d *Dispatcher) Name() string { return "notification-dispatcher" }

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.deliver(ctx, job)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job deliveryJob) {
	if d.cfg.WebhookURL == "" {
		// No channel configured; delivery is observability-only
		d.logger.Debug("no practitioner channel configured, skipping delivery",
			"notification_id", job.notification.NotificationID)
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(job.notification).
		Post(d.cfg.WebhookURL)

	if err == nil && resp.IsSuccess() {
		d.telemetry.RecordDispatch(true)
		d.logger.Info("notification delivered",
			"notification_id", job.notification.NotificationID,
			"priority", job.notification.Priority,
			"attempt", job.attempt+1)
		return
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	d.logger.Error("notification delivery failed",
		"notification_id", job.notification.NotificationID,
		"attempt", job.attempt+1,
		"status", status,
		"error", err)

	if job.attempt+1 >= d.cfg.MaxRetries {
		d.telemetry.RecordDispatch(false)
		return
	}

	job.attempt++
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-d.done:
		case <-ctx.Done():
		case <-time.After(d.cfg.RetryDelay):
			select {
			case d.queue <- job:
			default:
				d.telemetry.RecordDispatch(false)
			}
		}
	}()
}

type noopTelemetry struct{}

func (noopTelemetry) RecordDispatch(bool) {}
