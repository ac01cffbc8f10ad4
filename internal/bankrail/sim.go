package bankrail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/custodix/remitter/internal/adapter"
)

// Simulator is an in-process bank rail for development and tests. Receipts
// are deterministic functions of the idempotency key, and resubmitting a key
// replays the stored receipt instead of executing again.
type Simulator struct {
	clock adapter.Clock

	mu       sync.Mutex
	receipts map[string]*Receipt
	failErr  error
	failLeft int
}

// NewSimulator creates a simulator using the given clock
func NewSimulator(clock adapter.Clock) *Simulator {
	return &Simulator{clock: clock, receipts: make(map[string]*Receipt)}
}

// Name identifies the provider in logs and settlement rows
func (s *Simulator) Name() string {
	return "sim"
}

// InjectFailure makes the next times executions fail with err. Replays of
// already-executed keys still succeed.
func (s *Simulator) InjectFailure(err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
	s.failLeft = times
}

func (s *Simulator) EFT(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	return s.execute(ctx, "EFT", idempotencyKey)
}

func (s *Simulator) BPAY(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	return s.execute(ctx, "BPAY", idempotencyKey)
}

func (s *Simulator) PayToSweep(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	return s.execute(ctx, "PAYTO", idempotencyKey)
}

func (s *Simulator) execute(ctx context.Context, rail, idempotencyKey string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if receipt, ok := s.receipts[idempotencyKey]; ok {
		return receipt, nil
	}
	if s.failLeft > 0 {
		s.failLeft--
		return nil, s.failErr
	}

	receipt := &Receipt{
		ProviderRef: providerRef(rail, idempotencyKey),
		PaidAt:      s.clock.Now(),
	}
	s.receipts[idempotencyKey] = receipt
	return receipt, nil
}

// providerRef derives a stable bank reference from the rail and key
func providerRef(rail, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(rail + ":" + idempotencyKey))
	return "SIM-" + rail + "-" + strings.ToUpper(hex.EncodeToString(sum[:8]))
}
