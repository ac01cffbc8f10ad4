package domain

import "errors"

var (
	// ErrPeriodNotFound is returned when a period does not exist
	ErrPeriodNotFound = errors.New("period not found")

	// ErrInvalidState is returned when an operation is attempted from the wrong period state
	ErrInvalidState = errors.New("invalid period state for operation")

	// ErrInsufficientFunds is returned when a release would overdraw the custodial balance.
	// This is a business error: the caller must abort the surrounding transaction.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBlockedAnomaly is returned when the anomaly gate blocks a close
	ErrBlockedAnomaly = errors.New("period blocked: anomaly thresholds exceeded")

	// ErrBlockedDiscrepancy is returned when credited funds disagree with the declared liability
	ErrBlockedDiscrepancy = errors.New("period blocked: liability discrepancy")

	// ErrReplayDetected is returned when an RPT nonce is presented again before expiry
	ErrReplayDetected = errors.New("rpt replay detected")

	// ErrTokenConsumed is returned when an already-consumed RPT is presented
	ErrTokenConsumed = errors.New("rpt token already consumed")

	// ErrTokenRevoked is returned when a revoked RPT is presented
	ErrTokenRevoked = errors.New("rpt token revoked")

	// ErrTokenExpired is returned when an expired RPT is presented
	ErrTokenExpired = errors.New("rpt token expired")

	// ErrSignatureInvalid is returned when an RPT signature does not verify
	ErrSignatureInvalid = errors.New("rpt signature invalid")

	// ErrKeyNotFound is returned when the kid references no known signing key
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyRevoked is returned when the kid references a revoked signing key
	ErrKeyRevoked = errors.New("signing key revoked")

	// ErrClaimsMismatch is returned when RPT claims disagree with caller expectations
	ErrClaimsMismatch = errors.New("rpt claims mismatch")

	// ErrIdempotencyInProgress is returned while another caller owns the key
	ErrIdempotencyInProgress = errors.New("idempotency key in progress")

	// ErrIdempotencyFailed is returned when the keyed operation previously failed
	ErrIdempotencyFailed = errors.New("idempotent operation previously failed")

	// ErrDuplicateKey is returned on unique-constraint collisions
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrDestinationNotFound is returned when no destination is registered for the account/rail
	ErrDestinationNotFound = errors.New("destination not found")

	// ErrDestinationInvalid is returned when a destination fails rail-specific validation
	ErrDestinationInvalid = errors.New("destination invalid")

	// ErrDestinationNotAllowed is returned when the destination is not on the allowlist
	ErrDestinationNotAllowed = errors.New("destination not allowed")

	// ErrChainIntegrity is returned when a ledger hash-chain recompute disagrees with
	// stored values. Hard failure, never tolerated.
	ErrChainIntegrity = errors.New("ledger hash chain integrity failure")
)
