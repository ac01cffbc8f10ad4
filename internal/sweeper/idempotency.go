package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/custodix/remitter/internal/idempotency"
	"github.com/custodix/remitter/internal/logger"
)

// idempotencySweeper purges expired idempotency keys and the cached responses
// no surviving key references
type idempotencySweeper struct {
	coordinator *idempotency.Coordinator
	interval    time.Duration
	running     atomic.Bool
	stopChan    chan struct{}
	stoppedCh   chan struct{}
}

// NewIdempotencySweeper creates a sweeper purging expired idempotency keys
// every interval
func NewIdempotencySweeper(coordinator *idempotency.Coordinator, interval time.Duration) Sweeper {
	return &idempotencySweeper{
		coordinator: coordinator,
		interval:    interval,
		stopChan:    make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

// Name returns the sweeper's name
func (s *idempotencySweeper) Name() string {
	return "idempotency-sweeper"
}

// Start begins the sweeper's main loop
func (s *idempotencySweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting idempotency sweeper",
		zap.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Idempotency sweeper stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-s.stopChan:
			logger.InfoCtx(ctx, "Idempotency sweeper stop requested")
			return nil
		case <-ticker.C:
			purged, err := s.coordinator.PurgeExpired(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.ErrorCtx(ctx, err)
				}
				continue
			}
			if purged > 0 {
				logger.InfoCtx(ctx, "Purged expired idempotency keys",
					zap.Int64("purged", purged),
				)
			}
		}
	}
}

// Stop gracefully stops the sweeper with timeout support
func (s *idempotencySweeper) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	close(s.stopChan)

	select {
	case <-s.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
