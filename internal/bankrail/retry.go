package bankrail

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultCallTimeout     = 15 * time.Second
	defaultInitialInterval = 500 * time.Millisecond
)

// RetryRail decorates a rail with a bounded per-call timeout and a single
// backoff retry under the same idempotency key. One retry is safe because
// the underlying rail dedupes on the key; more would only add latency to a
// rail that is genuinely down.
type RetryRail struct {
	inner   Rail
	timeout time.Duration
}

// NewRetryRail wraps inner; timeout <= 0 selects the default
func NewRetryRail(inner Rail, timeout time.Duration) *RetryRail {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &RetryRail{inner: inner, timeout: timeout}
}

func (r *RetryRail) Name() string {
	return r.inner.Name()
}

func (r *RetryRail) EFT(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	return r.call(ctx, func(cctx context.Context) (*Receipt, error) {
		return r.inner.EFT(cctx, amountCents, idempotencyKey, reference, dest)
	})
}

func (r *RetryRail) BPAY(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	return r.call(ctx, func(cctx context.Context) (*Receipt, error) {
		return r.inner.BPAY(cctx, amountCents, idempotencyKey, reference, dest)
	})
}

func (r *RetryRail) PayToSweep(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	return r.call(ctx, func(cctx context.Context) (*Receipt, error) {
		return r.inner.PayToSweep(cctx, amountCents, idempotencyKey, reference, dest)
	})
}

func (r *RetryRail) call(ctx context.Context, fn func(ctx context.Context) (*Receipt, error)) (*Receipt, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialInterval

	var receipt *Receipt
	err := backoff.Retry(func() error {
		var err error
		receipt, err = fn(cctx)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 1), cctx))
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
