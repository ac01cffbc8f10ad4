package rpt

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// DefaultTTL is how long an issued token stays consumable
const DefaultTTL = 24 * time.Hour

// Issuer mints signed remittance payload tokens. A period carries at most one
// ISSUED token: issuing a replacement revokes the previous one first.
type Issuer struct {
	keys  *KeyStore
	jcs   adapter.JCS
	clock adapter.Clock
	ttl   time.Duration
}

// NewIssuer creates an issuer signing with the key store's active key
func NewIssuer(keys *KeyStore, jcs adapter.JCS, clock adapter.Clock, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{keys: keys, jcs: jcs, clock: clock, ttl: ttl}
}

// Issue signs a token authorizing release of the period's credited totals and
// persists the token row through tx. The caller holds the period row lock.
func (i *Issuer) Issue(ctx context.Context, tx store.Store, period *schema.Period, merkleRoot string, anomalyScore float64, ratesVersion string) (*schema.RPTToken, error) {
	kid, priv, err := i.keys.Active(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	var totals Totals
	switch period.TaxType {
	case domain.TaxTypeGST:
		totals.GstCents = period.FinalLiabilityCents
	default:
		totals.PaygwCents = period.FinalLiabilityCents
	}

	now := i.clock.Now()
	payload := Payload{
		RPTID:              uuid.NewString(),
		ABN:                period.ABN,
		BASPeriod:          period.PeriodID,
		Totals:             totals,
		EvidenceMerkleRoot: merkleRoot,
		RatesVersion:       ratesVersion,
		AnomalyScore:       anomalyScore,
		IssuedAt:           now.Unix(),
		ExpiresAt:          now.Add(i.ttl).Unix(),
		Nonce:              nonce,
		Kid:                kid,
	}

	compact, err := i.sign(payload, kid, priv)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token payload: %w", err)
	}

	token := &schema.RPTToken{
		RPTID:              payload.RPTID,
		PeriodID:           period.ID,
		ABN:                period.ABN,
		BASPeriod:          period.PeriodID,
		PaygwCents:         totals.PaygwCents,
		GstCents:           totals.GstCents,
		EvidenceMerkleRoot: merkleRoot,
		AnomalyScore:       anomalyScore,
		RatesVersion:       ratesVersion,
		Kid:                kid,
		Nonce:              nonce,
		IssuedAt:           now,
		ExpiresAt:          now.Add(i.ttl),
		Status:             schema.RPTStatusIssued,
		Compact:            compact,
		Payload:            datatypes.JSON(payloadJSON),
	}

	prior, err := tx.GetIssuedRPTForPeriod(ctx, period.ID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if err := tx.UpdateRPTTokenStatus(ctx, prior.RPTID, schema.RPTStatusRevoked); err != nil {
			return nil, err
		}
	}
	if err := tx.InsertRPTToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// sign produces the compact header.payload.signature wire form
func (i *Issuer) sign(payload Payload, kid string, priv ed25519.PrivateKey) (string, error) {
	headerSeg, err := encodeSegment(i.jcs, Header{Alg: AlgEdDSA, Typ: TypRPT, Kid: kid})
	if err != nil {
		return "", err
	}
	payloadSeg, err := encodeSegment(i.jcs, payload)
	if err != nil {
		return "", err
	}
	signingInput := headerSeg + "." + payloadSeg
	sig := ed25519.Sign(priv, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
