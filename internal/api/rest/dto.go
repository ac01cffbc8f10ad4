package rest

import (
	"encoding/json"
	"time"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store/schema"
)

// DepositRequest credits the custodial ledger for a period
type DepositRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required"`
	// LiabilityCents, when positive, sets or updates the declared liability
	LiabilityCents  int64  `json:"liability_cents"`
	BankReceiptHash string `json:"bank_receipt_hash"`
}

// DepositResponse is the appended ledger entry
type DepositResponse struct {
	Seq               int64  `json:"seq"`
	AmountCents       int64  `json:"amount_cents"`
	BalanceAfterCents int64  `json:"balance_after_cents"`
	HashAfter         string `json:"hash_after"`
}

// PeriodResponse is the period projection returned by reads and close
type PeriodResponse struct {
	ABN                 string             `json:"abn"`
	TaxType             domain.TaxType     `json:"tax_type"`
	PeriodID            string             `json:"period_id"`
	State               domain.PeriodState `json:"state"`
	FinalLiabilityCents int64              `json:"final_liability_cents"`
	CreditedCents       int64              `json:"credited_cents"`
	MerkleRoot          string             `json:"merkle_root,omitempty"`
	AnomalyVector       json.RawMessage    `json:"anomaly_vector,omitempty"`
	Thresholds          json.RawMessage    `json:"thresholds,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// CloseResponse reports the close outcome; RPT carries the freshly issued
// token when the close reached READY_RPT
type CloseResponse struct {
	Period PeriodResponse `json:"period"`
	RPT    string         `json:"rpt,omitempty"`
}

// ReleaseRequest remits a period's funds over the named rail
type ReleaseRequest struct {
	Rail domain.Rail `json:"rail" binding:"required"`
	RPT  string      `json:"rpt" binding:"required"`
}

// ReleaseResponse reports a completed release
type ReleaseResponse struct {
	ReleaseUUID string             `json:"release_uuid"`
	ProviderRef string             `json:"provider_ref"`
	AmountCents int64              `json:"amount_cents"`
	State       domain.PeriodState `json:"state"`
}

// ImportResponse summarizes a bank statement import
type ImportResponse struct {
	Format   string `json:"format"`
	Imported int    `json:"imported"`
	Matched  int    `json:"matched"`
	DLQ      int    `json:"dlq"`
}

// SettlementImportResponse summarizes a provider settlement import
type SettlementImportResponse struct {
	Format   string `json:"format"`
	Imported int    `json:"imported"`
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped"`
}

// ReplayResponse reports a DLQ replay pass
type ReplayResponse struct {
	Promoted int `json:"promoted"`
}

// DestinationRequest registers or updates an allowlisted payout destination
type DestinationRequest struct {
	ABN           string      `json:"abn" binding:"required"`
	Rail          domain.Rail `json:"rail" binding:"required"`
	BSB           string      `json:"bsb"`
	AccountNumber string      `json:"account_number"`
	BillerCode    string      `json:"biller_code"`
	CRN           string      `json:"crn"`
	Allowed       bool        `json:"allowed"`
}

// VerifyTokenRequest inspects a compact RPT without consuming it
type VerifyTokenRequest struct {
	RPT string `json:"rpt" binding:"required"`
}

// VerifyTokenResponse reports the inspected token payload
type VerifyTokenResponse struct {
	Valid   bool            `json:"valid"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// RotateKeyResponse reports the new active signing key
type RotateKeyResponse struct {
	Kid string `json:"kid"`
}

func periodResponse(period *schema.Period) PeriodResponse {
	return PeriodResponse{
		ABN:                 period.ABN,
		TaxType:             period.TaxType,
		PeriodID:            period.PeriodID,
		State:               period.State,
		FinalLiabilityCents: period.FinalLiabilityCents,
		CreditedCents:       period.CreditedToOWACents,
		MerkleRoot:          period.MerkleRoot,
		AnomalyVector:       json.RawMessage(period.AnomalyVector),
		Thresholds:          json.RawMessage(period.Thresholds),
		UpdatedAt:           period.UpdatedAt,
	}
}
