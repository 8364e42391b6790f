package worker

import (
	"context"
	"sync"
	"time"

	"omniman/internal/core"
	"omniman/internal/storage"
)

// Sweeper periodically deletes expired and aged idempotency rows so the
// table does not grow without bound between operator sweeps.
type Sweeper struct {
	store     storage.Store
	logger    core.ILogger
	interval  time.Duration
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. interval defaults to one hour, retention to
// seven days.
func NewSweeper(store storage.Store, logger core.ILogger, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		store:     store,
		logger:    logger.WithField("component", "idempotency_sweeper"),
		interval:  interval,
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting idempotency sweeper",
		"interval", s.interval,
		"retention", s.retention)
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() error {
	s.logger.Info("Stopping idempotency sweeper")
	s.cancel()
	s.wg.Wait()
	return nil
}

// Sweep performs a single pass and returns the number of rows removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	return s.store.SweepIdempotencyKeys(ctx, storage.SweepOptions{
		Now:       time.Now().UTC(),
		OlderThan: s.retention,
	})
}

func (s *Sweeper) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			removed, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("Idempotency sweep failed", "error", err.Error())
			} else if removed > 0 {
				s.logger.Info("Swept idempotency keys", "removed", removed)
			}
			cancel()
		}
	}
}
