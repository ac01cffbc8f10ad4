package bankrail

import (
	"context"
	"fmt"
	"time"

	"github.com/custodix/remitter/internal/domain"
)

// Receipt is the bank's acknowledgment of a remittance instruction
type Receipt struct {
	// ProviderRef is the bank-side unique reference for the movement
	ProviderRef string
	// PaidAt is when the bank executed the instruction
	PaidAt time.Time
}

// Destination is the payout target for one instruction. Which fields are set
// depends on the rail: BSB/AccountNumber for EFT, BillerCode/CRN for BPAY.
type Destination struct {
	BSB           string
	AccountNumber string
	BillerCode    string
	CRN           string
}

// Rail is the external bank network collaborator. Implementations must be
// idempotent on idempotencyKey: re-submitting a key the bank has already
// executed returns the original receipt rather than moving funds twice.
type Rail interface {
	Name() string
	EFT(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error)
	BPAY(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error)
	PayToSweep(ctx context.Context, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error)
}

// Dispatch routes an instruction to the rail method matching r
func Dispatch(ctx context.Context, rail Rail, r domain.Rail, amountCents int64, idempotencyKey, reference string, dest Destination) (*Receipt, error) {
	switch r {
	case domain.RailEFT:
		return rail.EFT(ctx, amountCents, idempotencyKey, reference, dest)
	case domain.RailBPAY:
		return rail.BPAY(ctx, amountCents, idempotencyKey, reference, dest)
	case domain.RailPayTo:
		return rail.PayToSweep(ctx, amountCents, idempotencyKey, reference, dest)
	default:
		return nil, fmt.Errorf("unsupported rail %q", r)
	}
}
