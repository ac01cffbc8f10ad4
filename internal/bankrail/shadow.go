package bankrail

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/custodix/remitter/internal/logger"
)

const (
	shadowWorkers   = 4
	shadowQueueSize = 256
	shadowTimeout   = 10 * time.Second
)

// ShadowRail sends every instruction to a primary rail and, fire-and-forget,
// to a shadow rail. The shadow's result and errors never affect the
// primary's outcome; shadow failures are only logged.
type ShadowRail struct {
	primary Rail
	shadow  Rail
	pool    pond.Pool
}

// NewShadowRail wraps primary with a shadow observer
func NewShadowRail(primary, shadow Rail) *ShadowRail {
	return &ShadowRail{
		primary: primary,
		shadow:  shadow,
		pool:    pond.NewPool(shadowWorkers, pond.WithQueueSize(shadowQueueSize)),
	}
}

func (r *ShadowRail) Name() string {
	return r.primary.Name()
}

// Stop drains the shadow pool; pending shadow calls complete first
func (r *ShadowRail) Stop() {
	r.pool.StopAndWait()
}

func (r *ShadowRail) EFT(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	r.mirror("EFT", func(sctx context.Context) error {
		_, err := r.shadow.EFT(sctx, amountCents, idempotencyKey, reference, dest)
		return err
	})
	return r.primary.EFT(ctx, amountCents, idempotencyKey, reference, dest)
}

func (r *ShadowRail) BPAY(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	r.mirror("BPAY", func(sctx context.Context) error {
		_, err := r.shadow.BPAY(sctx, amountCents, idempotencyKey, reference, dest)
		return err
	})
	return r.primary.BPAY(ctx, amountCents, idempotencyKey, reference, dest)
}

func (r *ShadowRail) PayToSweep(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	r.mirror("PAYTO", func(sctx context.Context) error {
		_, err := r.shadow.PayToSweep(sctx, amountCents, idempotencyKey, reference, dest)
		return err
	})
	return r.primary.PayToSweep(ctx, amountCents, idempotencyKey, reference, dest)
}

// mirror submits the shadow call with its own timeout, detached from the
// caller's context so primary cancellation does not cancel the observation
func (r *ShadowRail) mirror(op string, fn func(ctx context.Context) error) {
	r.pool.Submit(func() {
		sctx, cancel := context.WithTimeout(context.Background(), shadowTimeout)
		defer cancel()
		if err := fn(sctx); err != nil {
			logger.Warn("shadow rail call failed",
				zap.String("provider", r.shadow.Name()),
				zap.String("op", op),
				zap.Error(err))
		}
	})
}
