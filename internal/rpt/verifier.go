package rpt

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// maxIssuedAtSkew bounds how far in the future a token's iat may sit before
// the token is rejected as clock-skewed or forged
const maxIssuedAtSkew = 60 * time.Second

// ExpectedClaims pins the claims a caller requires the token to carry.
// Amounts must match cent for cent.
type ExpectedClaims struct {
	ABN                string
	BASPeriod          string
	PaygwCents         int64
	GstCents           int64
	EvidenceMerkleRoot string
}

// Verifier checks token signatures, lifetimes, replay and claim bindings
type Verifier struct {
	store store.Store
	keys  *KeyStore
	clock adapter.Clock
}

// NewVerifier creates a verifier over the given store and key store
func NewVerifier(s store.Store, keys *KeyStore, clock adapter.Clock) *Verifier {
	return &Verifier{store: s, keys: keys, clock: clock}
}

// Verify validates the compact token end to end: structure, algorithm, kid
// consistency, signature, lifetime, nonce uniqueness, the persisted token
// row's status, and (when expected is non-nil) the pinned claims. The nonce is
// registered as a side effect, so a second Verify of the same token fails with
// domain.ErrReplayDetected.
func (v *Verifier) Verify(ctx context.Context, compact string, expected *ExpectedClaims) (*Payload, error) {
	return v.VerifyInTx(ctx, v.store, compact, expected)
}

// VerifyInTx is Verify with the nonce registration and token row reads going
// through tx. A caller wrapping a release can roll back the whole
// transaction, nonce included, when a later step fails, keeping the token
// consumable for a retry under the same idempotency key.
func (v *Verifier) VerifyInTx(ctx context.Context, tx store.Store, compact string, expected *ExpectedClaims) (*Payload, error) {
	payload, err := v.checkCompact(ctx, compact)
	if err != nil {
		return nil, err
	}

	now := v.clock.Now()
	if err := tx.RegisterNonce(ctx, payload.Nonce, time.Unix(payload.ExpiresAt, 0), now); err != nil {
		return nil, err
	}
	if err := v.checkStatus(ctx, tx, payload, now); err != nil {
		return nil, err
	}

	if expected != nil {
		if err := matchClaims(payload, expected); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Inspect validates structure, signature, lifetime and stored status without
// registering the nonce, so inspection never consumes the token.
func (v *Verifier) Inspect(ctx context.Context, compact string) (*Payload, error) {
	payload, err := v.checkCompact(ctx, compact)
	if err != nil {
		return nil, err
	}
	if err := v.checkStatus(ctx, v.store, payload, v.clock.Now()); err != nil {
		return nil, err
	}
	return payload, nil
}

// checkCompact runs the stateless checks: structure, algorithm, kid
// consistency, signature and lifetime
func (v *Verifier) checkCompact(ctx context.Context, compact string) (*Payload, error) {
	headerSeg, payloadSeg, sigSeg, err := splitCompact(compact)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrSignatureInvalid)
	}

	var header Header
	if err := decodeSegment(headerSeg, &header); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrSignatureInvalid)
	}
	if header.Alg != AlgEdDSA {
		return nil, fmt.Errorf("unsupported algorithm %q: %w", header.Alg, domain.ErrSignatureInvalid)
	}

	var payload Payload
	if err := decodeSegment(payloadSeg, &payload); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrSignatureInvalid)
	}
	if payload.Kid != header.Kid {
		return nil, fmt.Errorf("header/payload kid mismatch: %w", domain.ErrSignatureInvalid)
	}

	pub, err := v.keys.PublicKey(ctx, header.Kid)
	if err != nil {
		return nil, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", domain.ErrSignatureInvalid)
	}
	if !ed25519.Verify(pub, []byte(headerSeg+"."+payloadSeg), sig) {
		return nil, domain.ErrSignatureInvalid
	}

	now := v.clock.Now()
	exp := time.Unix(payload.ExpiresAt, 0)
	if !exp.After(now) {
		return nil, domain.ErrTokenExpired
	}
	if time.Unix(payload.IssuedAt, 0).After(now.Add(maxIssuedAtSkew)) {
		return nil, fmt.Errorf("iat in the future: %w", domain.ErrSignatureInvalid)
	}
	return &payload, nil
}

// checkStatus cross-checks the persisted token row through s
func (v *Verifier) checkStatus(ctx context.Context, s store.Store, payload *Payload, now time.Time) error {
	row, err := s.GetRPTToken(ctx, payload.RPTID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("unknown rpt_id %s: %w", payload.RPTID, domain.ErrSignatureInvalid)
	}
	// the wire exp must agree with what was issued; a resigned or desynced
	// token fails even with a valid signature
	if row.ExpiresAt.Unix() != payload.ExpiresAt {
		return fmt.Errorf("stored expiry %d disagrees with token exp %d: %w",
			row.ExpiresAt.Unix(), payload.ExpiresAt, domain.ErrSignatureInvalid)
	}
	switch row.Status {
	case schema.RPTStatusConsumed:
		return domain.ErrTokenConsumed
	case schema.RPTStatusRevoked:
		return domain.ErrTokenRevoked
	}
	if !row.ExpiresAt.After(now) {
		return domain.ErrTokenExpired
	}
	return nil
}

func matchClaims(payload *Payload, expected *ExpectedClaims) error {
	if payload.ABN != expected.ABN {
		return fmt.Errorf("abn %q != %q: %w", payload.ABN, expected.ABN, domain.ErrClaimsMismatch)
	}
	if payload.BASPeriod != expected.BASPeriod {
		return fmt.Errorf("bas_period %q != %q: %w", payload.BASPeriod, expected.BASPeriod, domain.ErrClaimsMismatch)
	}
	if payload.Totals.PaygwCents != expected.PaygwCents {
		return fmt.Errorf("paygw_cents %d != %d: %w", payload.Totals.PaygwCents, expected.PaygwCents, domain.ErrClaimsMismatch)
	}
	if payload.Totals.GstCents != expected.GstCents {
		return fmt.Errorf("gst_cents %d != %d: %w", payload.Totals.GstCents, expected.GstCents, domain.ErrClaimsMismatch)
	}
	if expected.EvidenceMerkleRoot != "" && payload.EvidenceMerkleRoot != expected.EvidenceMerkleRoot {
		return fmt.Errorf("evidence_merkle_root mismatch: %w", domain.ErrClaimsMismatch)
	}
	return nil
}
