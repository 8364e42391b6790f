// Package worker drives the directive queue: a Runner claims queued
// directives in batches and dispatches them to registered handlers on a
// bounded pool. Directives are at-least-once; everything a handler does must
// be idempotent.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"omniman/internal/alert"
	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/registry"
	"omniman/internal/storage"
	"omniman/pkg/concurrency"
	"omniman/pkg/telemetry"
)

// Config tunes the runner. Zero values get safe defaults.
type Config struct {
	// Topics restricts which directive topics this runner claims. Empty
	// means all topics.
	Topics       []string
	PollInterval time.Duration
	BatchSize    int
	PoolSize     int
	// Alerts, when set, receives a warning for every failed directive.
	Alerts *alert.AlertManager
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	return c
}

// batchBudget caps one claim-and-dispatch cycle.
const batchBudget = 60 * time.Second

// Runner is the directive queue consumer.
type Runner struct {
	store   storage.Store
	reg     *registry.Registry
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	pool    *concurrency.WorkerPool
	cfg     Config
	id      string

	// lastBeat is the unix-nano time of the last completed poll cycle.
	lastBeat atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner with its own handler pool.
func NewRunner(store storage.Store, reg *registry.Registry, logger core.ILogger, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	id := uuid.NewString()[:8]
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		store:   store,
		reg:     reg,
		logger:  logger.WithField("component", "directive_worker").WithField("worker_id", id),
		metrics: telemetry.GetGlobalMetrics(),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "directives-" + id,
			MaxWorkers:  cfg.PoolSize,
			MaxCapacity: cfg.BatchSize,
		}, logger),
		cfg:    cfg,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the poll loop.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting directive worker",
		"topics", r.cfg.Topics,
		"poll_interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"pool_size", r.cfg.PoolSize)
	r.lastBeat.Store(time.Now().UnixNano())
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Healthy returns an error when the poll loop has not completed a cycle
// within the poll interval plus twice the batch budget. Registered on the
// health manager when the runner rides inside the API process.
func (r *Runner) Healthy() error {
	last := r.lastBeat.Load()
	if last == 0 {
		return fmt.Errorf("worker %s has not started", r.id)
	}
	elapsed := time.Since(time.Unix(0, last))
	if stale := r.cfg.PollInterval + 2*batchBudget; elapsed > stale {
		return fmt.Errorf("worker %s stalled, last cycle %s ago", r.id, elapsed.Round(time.Second))
	}
	return nil
}

// Stop stops the poll loop and waits for in-flight handlers.
func (r *Runner) Stop() error {
	r.logger.Info("Stopping directive worker")
	r.cancel()
	r.wg.Wait()
	r.pool.Stop()
	return nil
}

func (r *Runner) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, batchBudget)
			if _, err := r.ProcessBatch(ctx); err != nil {
				r.logger.Error("Directive batch failed", "error", err.Error())
			}
			r.refreshGauges(ctx)
			cancel()
			r.lastBeat.Store(time.Now().UnixNano())
		}
	}
}

// ProcessBatch claims one batch of queued directives and dispatches them in
// parallel, waiting for all of them. Returns the number claimed.
func (r *Runner) ProcessBatch(ctx context.Context) (int, error) {
	var claimed []*model.Directive
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		claimed, err = tx.ClaimDirectives(ctx, r.cfg.Topics, r.cfg.BatchSize, time.Now().UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("claim directives: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	group := r.pool.Group()
	for _, d := range claimed {
		d := d
		group.Submit(func() {
			r.dispatch(ctx, d)
		})
	}
	group.Wait()
	return len(claimed), nil
}

// Drain processes batches until the queue is empty, for one-shot invocations.
// Directives without a registered handler stay running and do not block the
// drain from terminating.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.ProcessBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			r.refreshGauges(ctx)
			return total, nil
		}
	}
}

// dispatch runs one claimed directive through its handler and records the
// outcome. A missing handler leaves the row running so a late-bound handler
// can pick it up.
func (r *Runner) dispatch(ctx context.Context, d *model.Directive) {
	handler := r.reg.Handler(d.Topic)
	if handler == nil {
		r.logger.Warn("No handler registered for directive topic",
			"topic", d.Topic,
			"directive_id", d.ID)
		return
	}

	start := time.Now()
	handleErr := r.runHandler(ctx, handler, d)

	status := model.DirectiveDone
	lastError := ""
	if handleErr != nil {
		status = model.DirectiveFailed
		lastError = handleErr.Error()
	}
	now := time.Now().UTC()
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		d.Status = status
		d.LastError = lastError
		d.UpdatedAt = now
		return tx.UpdateDirective(ctx, d)
	})
	if err != nil {
		// The row stays running; the next sweep or operator reset deals
		// with it. Losing the status write must not lose the attempt log.
		r.logger.Error("Failed to record directive outcome",
			"directive_id", d.ID,
			"topic", d.Topic,
			"intended_status", string(status),
			"error", err.Error())
		return
	}

	r.metrics.DirectivesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", d.Topic),
		attribute.String("status", string(status))))

	if handleErr != nil {
		r.logger.Warn("Directive failed",
			"directive_id", d.ID,
			"topic", d.Topic,
			"attempts", d.Attempts,
			"error", lastError)
		if r.cfg.Alerts != nil {
			r.cfg.Alerts.Alert(ctx, "Directive failed", lastError, alert.Warning, map[string]string{
				"directive_id": fmt.Sprintf("%d", d.ID),
				"topic":        d.Topic,
			})
		}
		return
	}
	r.logger.Debug("Directive done",
		"directive_id", d.ID,
		"topic", d.Topic,
		"attempts", d.Attempts,
		"elapsed", time.Since(start))
}

// runHandler isolates handler panics: a panicking handler fails its
// directive instead of taking the worker down.
func (r *Runner) runHandler(ctx context.Context, h registry.Handler, d *model.Directive) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, d)
}

// refreshGauges updates the queue depth and open session gauges. Topics that
// drained since the last refresh are zeroed, not dropped, so the gauge does
// not report a stale depth forever.
func (r *Runner) refreshGauges(ctx context.Context) {
	depths, err := r.store.CountQueuedDirectives(ctx)
	if err != nil {
		r.logger.Debug("Queue depth refresh failed", "error", err.Error())
	} else {
		for topic := range r.metrics.GetQueueDepth() {
			if _, ok := depths[topic]; !ok {
				r.metrics.SetQueueDepth(topic, 0)
			}
		}
		for topic, depth := range depths {
			r.metrics.SetQueueDepth(topic, depth)
		}
	}

	open, err := r.store.CountOpenSessions(ctx)
	if err != nil {
		r.logger.Debug("Open session count refresh failed", "error", err.Error())
		return
	}
	r.metrics.SetSessionsOpen(open)
}
