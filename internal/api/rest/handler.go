package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/custodix/remitter/internal/api/middleware"
	apierrors "github.com/custodix/remitter/internal/api/shared/errors"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/evidence"
	"github.com/custodix/remitter/internal/recon"
	"github.com/custodix/remitter/internal/release"
	"github.com/custodix/remitter/internal/rpt"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// Handler defines the interface for REST API handlers
type Handler interface {
	// Deposit credits the custodial ledger for a period
	// POST /api/v1/periods/:abn/:tax_type/:period_id/deposits
	Deposit(c *gin.Context)

	// GetPeriod retrieves the period projection
	// GET /api/v1/periods/:abn/:tax_type/:period_id
	GetPeriod(c *gin.Context)

	// Close runs the close pipeline and issues an RPT when clean
	// POST /api/v1/periods/:abn/:tax_type/:period_id/close
	Close(c *gin.Context)

	// Release remits the period's funds; requires the Idempotency-Key header
	// POST /api/v1/periods/:abn/:tax_type/:period_id/release
	Release(c *gin.Context)

	// GetEvidence assembles the audit evidence bundle for a period
	// GET /api/v1/periods/:abn/:tax_type/:period_id/evidence
	GetEvidence(c *gin.Context)

	// ImportStatement ingests a raw bank statement (CSV, OFX or JSON)
	// POST /api/v1/recon/statements?format=<csv|ofx|json>
	ImportStatement(c *gin.Context)

	// ImportSettlements upserts provider-side settlement records
	// POST /api/v1/recon/settlements?format=<csv|json>
	ImportSettlements(c *gin.Context)

	// ReplayDLQ re-runs matching for dead-lettered statement lines
	// POST /api/v1/recon/dlq/replay
	ReplayDLQ(c *gin.Context)

	// UpsertDestination registers or updates an allowlisted payout destination
	// PUT /api/v1/destinations
	UpsertDestination(c *gin.Context)

	// ListKeys returns the published RPT verification keys
	// GET /api/v1/keys
	ListKeys(c *gin.Context)

	// RotateKey generates a new active signing key, retiring the previous one
	// POST /api/v1/keys/rotate
	RotateKey(c *gin.Context)

	// RevokeKey revokes a signing key by kid
	// POST /api/v1/keys/:kid/revoke
	RevokeKey(c *gin.Context)

	// VerifyToken inspects a compact RPT without consuming its nonce
	// POST /api/v1/tokens/verify
	VerifyToken(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// Deps wires the handler's collaborators
type Deps struct {
	Store        store.Store
	Orchestrator *release.Orchestrator
	Recon        *recon.Engine
	Evidence     *evidence.Builder
	Keys         *rpt.KeyStore
	Verifier     *rpt.Verifier
	// ReleasesDisabled is the operational kill switch: when set, release
	// requests are refused before any verification or rail traffic
	ReleasesDisabled bool
}

// handler implements the Handler interface
type handler struct {
	deps Deps
}

// NewHandler creates a new REST API handler
func NewHandler(deps Deps) Handler {
	return &handler{deps: deps}
}

// periodKey parses and validates the period key path segments
func periodKey(c *gin.Context) (domain.PeriodKey, bool) {
	key := domain.PeriodKey{
		ABN:      c.Param("abn"),
		TaxType:  domain.TaxType(c.Param("tax_type")),
		PeriodID: c.Param("period_id"),
	}
	if key.ABN == "" || key.PeriodID == "" {
		respondBadRequest(c, "ABN and period id are required")
		return domain.PeriodKey{}, false
	}
	if !key.TaxType.Valid() {
		respondBadRequest(c, "Invalid tax type", string(key.TaxType))
		return domain.PeriodKey{}, false
	}
	return key, true
}

// Deposit credits the custodial ledger for a period
func (h *handler) Deposit(c *gin.Context) {
	key, ok := periodKey(c)
	if !ok {
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	if req.AmountCents <= 0 {
		respondValidationError(c, "amount_cents must be positive")
		return
	}

	entry, err := h.deps.Orchestrator.Deposit(c.Request.Context(), key, req.AmountCents, req.LiabilityCents, req.BankReceiptHash)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, DepositResponse{
		Seq:               entry.Seq,
		AmountCents:       entry.AmountCents,
		BalanceAfterCents: entry.BalanceAfterCents,
		HashAfter:         entry.HashAfter,
	})
}

// GetPeriod retrieves the period projection
func (h *handler) GetPeriod(c *gin.Context) {
	key, ok := periodKey(c)
	if !ok {
		return
	}

	period, err := h.deps.Store.GetPeriod(c.Request.Context(), key)
	if err != nil {
		respondInternalError(c, err, "Failed to get period")
		return
	}
	if period == nil {
		respondNotFound(c, "Period not found")
		return
	}

	c.JSON(http.StatusOK, periodResponse(period))
}

// Close runs the close pipeline. Blocked closes committed their state change
// before this returns, so the 422 body reflects the persisted block.
func (h *handler) Close(c *gin.Context) {
	key, ok := periodKey(c)
	if !ok {
		return
	}

	period, err := h.deps.Orchestrator.Close(c.Request.Context(), key)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	resp := CloseResponse{Period: periodResponse(period)}
	token, err := h.deps.Store.GetIssuedRPTForPeriod(c.Request.Context(), period.ID)
	if err != nil {
		respondInternalError(c, err, "Failed to load issued token")
		return
	}
	if token != nil {
		resp.RPT = token.Compact
	}

	c.JSON(http.StatusOK, resp)
}

// Release remits the period's funds over the requested rail
func (h *handler) Release(c *gin.Context) {
	if h.deps.ReleasesDisabled {
		c.JSON(http.StatusServiceUnavailable, apierrors.New(apierrors.ErrCodeReleasesDisabled, "Releases are disabled by the kill switch"))
		return
	}

	key, ok := periodKey(c)
	if !ok {
		return
	}

	idempotencyKey := c.GetHeader(middleware.IdempotencyHeader)
	if idempotencyKey == "" {
		respondBadRequest(c, "Idempotency-Key header is required")
		return
	}

	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	if !req.Rail.Valid() {
		respondValidationError(c, "unsupported rail "+string(req.Rail))
		return
	}

	result, err := h.deps.Orchestrator.Release(c.Request.Context(), release.ReleaseRequest{
		Key:            key,
		Rail:           req.Rail,
		Token:          req.RPT,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}

	if result.Replayed {
		replayCached(c, result.Cached)
		return
	}

	c.JSON(http.StatusOK, ReleaseResponse{
		ReleaseUUID: result.ReleaseUUID,
		ProviderRef: result.ProviderRef,
		AmountCents: result.AmountCents,
		State:       result.Period.State,
	})
}

// replayCached writes the byte-exact cached response for a replayed key
func replayCached(c *gin.Context, cached *schema.CachedResponse) {
	if cached == nil {
		respondInternalError(c, errors.New("replayed key has no cached response"), "Idempotent replay failed")
		return
	}
	contentType := "application/json"
	if len(cached.Headers) > 0 {
		var headers map[string]string
		if err := json.Unmarshal(cached.Headers, &headers); err == nil {
			for name, value := range headers {
				if name == "Content-Type" {
					contentType = value
					continue
				}
				c.Header(name, value)
			}
		}
	}
	c.Data(cached.StatusCode, contentType, cached.Body)
}

// GetEvidence assembles the audit evidence bundle for a period
func (h *handler) GetEvidence(c *gin.Context) {
	key, ok := periodKey(c)
	if !ok {
		return
	}

	bundle, err := h.deps.Evidence.Build(c.Request.Context(), key)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, bundle)
}

// ImportStatement ingests a raw bank statement
func (h *handler) ImportStatement(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		respondBadRequest(c, "Failed to read statement body", err.Error())
		return
	}
	if len(data) == 0 {
		respondBadRequest(c, "Statement body is empty")
		return
	}

	summary, err := h.deps.Recon.ImportStatement(c.Request.Context(), data, recon.Format(c.Query("format")))
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	c.JSON(http.StatusOK, ImportResponse{
		Format:   string(summary.Format),
		Imported: summary.Imported,
		Matched:  summary.Matched,
		DLQ:      summary.DLQ,
	})
}

// ImportSettlements upserts provider-side settlement records
func (h *handler) ImportSettlements(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		respondBadRequest(c, "Failed to read settlement body", err.Error())
		return
	}
	if len(data) == 0 {
		respondBadRequest(c, "Settlement body is empty")
		return
	}

	summary, err := h.deps.Recon.ImportSettlements(c.Request.Context(), data, recon.Format(c.Query("format")))
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	c.JSON(http.StatusOK, SettlementImportResponse{
		Format:   string(summary.Format),
		Imported: summary.Imported,
		Created:  summary.Created,
		Updated:  summary.Updated,
		Skipped:  summary.Skipped,
	})
}

// ReplayDLQ re-runs matching for dead-lettered statement lines
func (h *handler) ReplayDLQ(c *gin.Context) {
	promoted, err := h.deps.Recon.ReplayDLQ(c.Request.Context())
	if err != nil {
		respondInternalError(c, err, "DLQ replay failed")
		return
	}

	c.JSON(http.StatusOK, ReplayResponse{Promoted: promoted})
}

// UpsertDestination registers or updates an allowlisted payout destination
func (h *handler) UpsertDestination(c *gin.Context) {
	var req DestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	if !req.Rail.Valid() {
		respondValidationError(c, "unsupported rail "+string(req.Rail))
		return
	}

	dest := &schema.Destination{
		ABN:           req.ABN,
		Rail:          req.Rail,
		BSB:           req.BSB,
		AccountNumber: req.AccountNumber,
		BillerCode:    req.BillerCode,
		CRN:           req.CRN,
		Allowed:       req.Allowed,
	}
	// registering a blocked destination is fine; field shape is not
	if err := release.ValidateDestination(dest, req.Rail); err != nil && !errors.Is(err, domain.ErrDestinationNotAllowed) {
		respondDomainError(c, err)
		return
	}

	if err := h.deps.Store.UpsertDestination(c.Request.Context(), dest); err != nil {
		respondInternalError(c, err, "Failed to store destination")
		return
	}

	c.Status(http.StatusNoContent)
}

// ListKeys returns the published RPT verification keys
func (h *handler) ListKeys(c *gin.Context) {
	keys, err := h.deps.Keys.Published(c.Request.Context())
	if err != nil {
		respondInternalError(c, err, "Failed to list keys")
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RotateKey generates a new active signing key
func (h *handler) RotateKey(c *gin.Context) {
	kid, err := h.deps.Keys.Rotate(c.Request.Context())
	if err != nil {
		respondInternalError(c, err, "Key rotation failed")
		return
	}

	c.JSON(http.StatusOK, RotateKeyResponse{Kid: kid})
}

// RevokeKey revokes a signing key by kid
func (h *handler) RevokeKey(c *gin.Context) {
	kid := c.Param("kid")
	if kid == "" {
		respondBadRequest(c, "Key id is required")
		return
	}

	if err := h.deps.Keys.Revoke(c.Request.Context(), kid); err != nil {
		respondDomainError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// VerifyToken inspects a compact RPT without consuming its nonce
func (h *handler) VerifyToken(c *gin.Context) {
	var req VerifyTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	payload, err := h.deps.Verifier.Inspect(c.Request.Context(), req.RPT)
	if err != nil {
		if tokenRejection(err) {
			c.JSON(http.StatusOK, VerifyTokenResponse{Valid: false, Reason: err.Error()})
			return
		}
		respondInternalError(c, err, "Token inspection failed")
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		respondInternalError(c, err, "Failed to encode payload")
		return
	}

	c.JSON(http.StatusOK, VerifyTokenResponse{Valid: true, Payload: raw})
}

// tokenRejection reports whether err is a token verdict rather than a fault
func tokenRejection(err error) bool {
	for _, known := range []error{
		domain.ErrSignatureInvalid,
		domain.ErrTokenExpired,
		domain.ErrTokenConsumed,
		domain.ErrTokenRevoked,
		domain.ErrKeyNotFound,
		domain.ErrKeyRevoked,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
