package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/custodix/remitter/internal/logger"
	"github.com/custodix/remitter/internal/recon"
)

// dlqSweeper periodically re-runs matching for dead-lettered bank statement
// lines, promoting lines whose settlement arrived after the import
type dlqSweeper struct {
	engine    *recon.Engine
	interval  time.Duration
	running   atomic.Bool
	stopChan  chan struct{}
	stoppedCh chan struct{}
}

// NewDLQSweeper creates a sweeper replaying the bank line DLQ every interval
func NewDLQSweeper(engine *recon.Engine, interval time.Duration) Sweeper {
	return &dlqSweeper{
		engine:    engine,
		interval:  interval,
		stopChan:  make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Name returns the sweeper's name
func (s *dlqSweeper) Name() string {
	return "dlq-sweeper"
}

// Start begins the sweeper's main loop
func (s *dlqSweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting DLQ sweeper",
		zap.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "DLQ sweeper stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-s.stopChan:
			logger.InfoCtx(ctx, "DLQ sweeper stop requested")
			return nil
		case <-ticker.C:
			promoted, err := s.engine.ReplayDLQ(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.ErrorCtx(ctx, err)
				}
				continue
			}
			if promoted > 0 {
				logger.InfoCtx(ctx, "Promoted dead-lettered bank lines",
					zap.Int("promoted", promoted),
				)
			}
		}
	}
}

// Stop gracefully stops the sweeper with timeout support
func (s *dlqSweeper) Stop(ctx context.Context) error {
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
