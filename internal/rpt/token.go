package rpt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/custodix/remitter/internal/adapter"
)

// AlgEdDSA is the only signature algorithm RPTs are ever issued under
const AlgEdDSA = "EdDSA"

// TypRPT is the token type carried in the header
const TypRPT = "RPT"

// Header is the wire header of a remittance payload token
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Totals are the period totals the token authorizes, in cents
type Totals struct {
	PaygwCents int64 `json:"paygw_cents"`
	GstCents   int64 `json:"gst_cents"`
}

// Payload is the signed claim set. Kid is duplicated from the header so a
// verifier can detect header/payload splicing.
type Payload struct {
	RPTID              string  `json:"rpt_id"`
	ABN                string  `json:"abn"`
	BASPeriod          string  `json:"bas_period"`
	Totals             Totals  `json:"totals"`
	EvidenceMerkleRoot string  `json:"evidence_merkle_root"`
	RatesVersion       string  `json:"rates_version"`
	AnomalyScore       float64 `json:"anomaly_score"`
	IssuedAt           int64   `json:"iat"`
	ExpiresAt          int64   `json:"exp"`
	Nonce              string  `json:"nonce"`
	Kid                string  `json:"kid"`
}

// encodeSegment canonicalizes a JSON-marshalable value and base64url-encodes it
func encodeSegment(jcs adapter.JCS, v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal segment: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize segment: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(canonical), nil
}

// splitCompact splits header.payload.signature into its three segments
func splitCompact(compact string) (header, payload, signature string, err error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed token: expected 3 segments, got %d", len(parts))
	}
	return parts[0], parts[1], parts[2], nil
}

// decodeSegment base64url-decodes one segment into v
func decodeSegment(segment string, v interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return fmt.Errorf("failed to decode segment: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal segment: %w", err)
	}
	return nil
}
