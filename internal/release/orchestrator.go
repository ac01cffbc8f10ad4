package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/anomaly"
	"github.com/custodix/remitter/internal/bankrail"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/idempotency"
	"github.com/custodix/remitter/internal/ledger"
	"github.com/custodix/remitter/internal/logger"
	"github.com/custodix/remitter/internal/messaging"
	"github.com/custodix/remitter/internal/recon"
	"github.com/custodix/remitter/internal/rpt"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

const (
	// defaultReleaseTTL bounds how long a release idempotency key dedupes
	defaultReleaseTTL = 24 * time.Hour
	// baselineKVPrefix keys the prior credited total per account/tax-type
	baselineKVPrefix = "baseline:"
)

// Deps wires the orchestrator's collaborators
type Deps struct {
	Store       store.Store
	Publisher   messaging.Publisher
	Rail        bankrail.Rail
	Gate        *anomaly.Gate
	Issuer      *rpt.Issuer
	Verifier    *rpt.Verifier
	Idempotency *idempotency.Coordinator
	Auditor     *ledger.Auditor
	Clock       adapter.Clock

	// EpsilonCents is the tolerated |credited - liability| at close
	EpsilonCents int64
	// RatesVersion pins the rates table bound into issued tokens
	RatesVersion string
	// ReleaseTTL overrides the release idempotency window
	ReleaseTTL time.Duration
}

// Orchestrator drives the period state machine:
// OPEN -> CLOSING -> {BLOCKED_ANOMALY | BLOCKED_DISCREPANCY | READY_RPT} -> RELEASED
type Orchestrator struct {
	store      store.Store
	publisher  messaging.Publisher
	rail       bankrail.Rail
	gate       *anomaly.Gate
	issuer     *rpt.Issuer
	verifier   *rpt.Verifier
	idem       *idempotency.Coordinator
	auditor    *ledger.Auditor
	clock      adapter.Clock
	epsilon    int64
	ratesVer   string
	releaseTTL time.Duration
}

// NewOrchestrator creates an orchestrator from its dependency set
func NewOrchestrator(deps Deps) *Orchestrator {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = messaging.Nop()
	}
	ttl := deps.ReleaseTTL
	if ttl <= 0 {
		ttl = defaultReleaseTTL
	}
	return &Orchestrator{
		store:      deps.Store,
		publisher:  publisher,
		rail:       deps.Rail,
		gate:       deps.Gate,
		issuer:     deps.Issuer,
		verifier:   deps.Verifier,
		idem:       deps.Idempotency,
		auditor:    deps.Auditor,
		clock:      deps.Clock,
		epsilon:    deps.EpsilonCents,
		ratesVer:   deps.RatesVersion,
		releaseTTL: ttl,
	}
}

// Deposit appends a positive movement to the period's ledger, creating the
// period on first deposit. liabilityCents, when positive, sets or updates the
// declared final liability. Deposits are accepted while the period is OPEN or
// blocked pending remediation.
func (o *Orchestrator) Deposit(ctx context.Context, key domain.PeriodKey, amountCents, liabilityCents int64, receiptHash string) (*schema.LedgerEntry, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amountCents)
	}
	if !key.TaxType.Valid() {
		return nil, fmt.Errorf("invalid tax type %q", key.TaxType)
	}

	var entry *schema.LedgerEntry
	err := o.store.Transact(ctx, func(tx store.Store) error {
		period, err := tx.GetPeriod(ctx, key)
		if err != nil {
			return err
		}
		if period == nil {
			period = &schema.Period{
				ABN:                 key.ABN,
				TaxType:             key.TaxType,
				PeriodID:            key.PeriodID,
				State:               domain.PeriodStateOpen,
				FinalLiabilityCents: liabilityCents,
			}
			if err := tx.CreatePeriod(ctx, period); err != nil {
				// lost the creation race; the winner's row is authoritative
				if err != domain.ErrDuplicateKey {
					return err
				}
				period, err = tx.GetPeriod(ctx, key)
				if err != nil {
					return err
				}
			}
		}

		locked, err := tx.LockPeriod(ctx, period.ID)
		if err != nil {
			return err
		}
		switch locked.State {
		case domain.PeriodStateOpen, domain.PeriodStateBlockedAnomaly, domain.PeriodStateBlockedDiscrepancy:
		default:
			return fmt.Errorf("deposit into %s period: %w", locked.State, domain.ErrInvalidState)
		}
		if liabilityCents > 0 {
			locked.FinalLiabilityCents = liabilityCents
		}

		entry, err = ledger.AppendInTx(ctx, tx, locked, amountCents, receiptHash, nil)
		if err != nil {
			return err
		}
		return o.audit(ctx, tx, schema.AuditDeposit, key.String(), map[string]interface{}{
			"amount_cents": amountCents,
			"seq":          entry.Seq,
		})
	})
	if err != nil {
		return nil, err
	}

	o.publish(ctx, key, domain.PeriodEventDeposited, domain.PeriodStateOpen, amountCents)
	return entry, nil
}

// Close runs the close pipeline under the period lock: recompute the credited
// sum, derive and persist the anomaly vector and thresholds, then branch to
// BLOCKED_ANOMALY, BLOCKED_DISCREPANCY or READY_RPT with a freshly issued
// token. Blocked outcomes commit before being reported, so the period row
// records why the close stopped.
func (o *Orchestrator) Close(ctx context.Context, key domain.PeriodKey) (*schema.Period, error) {
	var period *schema.Period
	err := o.store.Transact(ctx, func(tx store.Store) error {
		found, err := tx.GetPeriod(ctx, key)
		if err != nil {
			return err
		}
		if found == nil {
			return domain.ErrPeriodNotFound
		}
		locked, err := tx.LockPeriod(ctx, found.ID)
		if err != nil {
			return err
		}
		if err := transition(locked, domain.PeriodStateClosing); err != nil {
			return err
		}

		entries, err := tx.ListLedgerEntries(ctx, locked.ID)
		if err != nil {
			return err
		}
		credited := ledger.Sum(entries)
		locked.CreditedToOWACents = credited

		baseline, err := o.baseline(ctx, tx, key)
		if err != nil {
			return err
		}
		assessment := o.gate.Evaluate(gateEvents(locked, entries), credited, baseline)
		if err := persistAssessment(locked, assessment, o.gate.Thresholds()); err != nil {
			return err
		}

		switch {
		case assessment.Blocked:
			if err := transition(locked, domain.PeriodStateBlockedAnomaly); err != nil {
				return err
			}
			if err := o.audit(ctx, tx, schema.AuditBlock, key.String(), map[string]interface{}{
				"state":   locked.State,
				"reasons": assessment.Reasons,
			}); err != nil {
				return err
			}
		case abs(credited-locked.FinalLiabilityCents) > o.epsilon:
			if err := transition(locked, domain.PeriodStateBlockedDiscrepancy); err != nil {
				return err
			}
			if err := o.audit(ctx, tx, schema.AuditBlock, key.String(), map[string]interface{}{
				"state":                 locked.State,
				"credited_cents":        credited,
				"final_liability_cents": locked.FinalLiabilityCents,
			}); err != nil {
				return err
			}
		default:
			root, err := o.auditor.ComputeRoot(entries)
			if err != nil {
				return err
			}
			locked.MerkleRoot = root
			if _, err := o.issuer.Issue(ctx, tx, locked, root, assessment.Score, o.ratesVer); err != nil {
				return err
			}
			if err := transition(locked, domain.PeriodStateReadyRPT); err != nil {
				return err
			}
			if err := tx.SetKV(ctx, baselineKey(key), strconv.FormatInt(credited, 10)); err != nil {
				return err
			}
			if err := o.audit(ctx, tx, schema.AuditStateChange, key.String(), map[string]interface{}{
				"state":       locked.State,
				"merkle_root": root,
			}); err != nil {
				return err
			}
		}

		if err := tx.UpdatePeriod(ctx, locked); err != nil {
			return err
		}
		period = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch period.State {
	case domain.PeriodStateBlockedAnomaly:
		o.publish(ctx, key, domain.PeriodEventBlocked, period.State, 0)
		return period, domain.ErrBlockedAnomaly
	case domain.PeriodStateBlockedDiscrepancy:
		o.publish(ctx, key, domain.PeriodEventBlocked, period.State, 0)
		return period, domain.ErrBlockedDiscrepancy
	default:
		o.publish(ctx, key, domain.PeriodEventReady, period.State, 0)
		return period, nil
	}
}

// ReleaseRequest is one release attempt
type ReleaseRequest struct {
	Key            domain.PeriodKey
	Rail           domain.Rail
	Token          string
	IdempotencyKey string
}

// ReleaseResult reports a completed or replayed release
type ReleaseResult struct {
	ReleaseUUID string
	ProviderRef string
	AmountCents int64
	Period      *schema.Period
	// Replayed means an earlier release with the same idempotency key already
	// completed; Cached carries its byte-exact response
	Replayed bool
	Cached   *schema.CachedResponse
}

// Release remits the period's credited funds over the requested rail. The
// idempotency key is acquired before the release transaction; the transaction
// covers the rail call, the negative ledger append, token consumption and the
// RELEASED transition, so a rail failure rolls back every write and marks the
// key failed for a later retry with the same key.
func (o *Orchestrator) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("missing idempotency key")
	}
	if !req.Rail.Valid() {
		return nil, fmt.Errorf("rail %q: %w", req.Rail, domain.ErrDestinationInvalid)
	}

	res, err := o.idem.Ensure(ctx, req.IdempotencyKey, o.releaseTTL)
	if err != nil {
		return nil, err
	}
	if res.State == idempotency.StateFailed {
		res, err = o.idem.Retry(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
	}
	switch res.State {
	case idempotency.StateReplay:
		return &ReleaseResult{Replayed: true, Cached: res.Response}, nil
	case idempotency.StateInProgress:
		return nil, domain.ErrIdempotencyInProgress
	}

	result, err := o.executeRelease(ctx, req)
	if err != nil {
		if markErr := o.idem.MarkFailed(ctx, req.IdempotencyKey, err); markErr != nil {
			logger.ErrorCtx(ctx, markErr, zap.String("idempotency_key", req.IdempotencyKey))
		}
		return nil, err
	}

	body, err := json.Marshal(map[string]interface{}{
		"release_uuid": result.ReleaseUUID,
		"provider_ref": result.ProviderRef,
		"amount_cents": result.AmountCents,
		"state":        result.Period.State,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal release response: %w", err)
	}
	if err := o.idem.MarkApplied(ctx, req.IdempotencyKey, 200, body, map[string]string{"Content-Type": "application/json"}); err != nil {
		return nil, err
	}

	o.publish(ctx, req.Key, domain.PeriodEventReleased, domain.PeriodStateReleased, -result.AmountCents)
	return result, nil
}

func (o *Orchestrator) executeRelease(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	releaseUUID := uuid.NewString()
	reference := fmt.Sprintf("ATO %s %s %s", req.Key.TaxType, req.Key.PeriodID, req.Key.ABN)

	result := &ReleaseResult{ReleaseUUID: releaseUUID}
	err := o.store.Transact(ctx, func(tx store.Store) error {
		period, err := tx.GetPeriod(ctx, req.Key)
		if err != nil {
			return err
		}
		if period == nil {
			return domain.ErrPeriodNotFound
		}
		locked, err := tx.LockPeriod(ctx, period.ID)
		if err != nil {
			return err
		}
		if locked.State != domain.PeriodStateReadyRPT {
			return fmt.Errorf("release from %s: %w", locked.State, domain.ErrInvalidState)
		}

		// nonce registration rides this transaction: a rail failure below
		// rolls it back, keeping the token consumable for a retry
		payload, err := o.verifier.VerifyInTx(ctx, tx, req.Token, expectedClaims(locked))
		if err != nil {
			return err
		}

		dest, err := ResolveDestination(ctx, tx, req.Key.ABN, req.Rail)
		if err != nil {
			return err
		}

		amount := payload.Totals.PaygwCents + payload.Totals.GstCents
		result.AmountCents = amount

		receipt, err := bankrail.Dispatch(ctx, o.rail, req.Rail, amount, req.IdempotencyKey, reference, dest)
		if err != nil {
			return fmt.Errorf("bank rail %s: %w", o.rail.Name(), err)
		}

		if _, err := ledger.AppendInTx(ctx, tx, locked, -amount, ReceiptHash(receipt), &releaseUUID); err != nil {
			return err
		}
		if err := tx.UpdateRPTTokenStatus(ctx, payload.RPTID, schema.RPTStatusConsumed); err != nil {
			return err
		}
		if err := transition(locked, domain.PeriodStateReleased); err != nil {
			return err
		}

		// the merkle root tracks the full entry set, release entry included
		entries, err := tx.ListLedgerEntries(ctx, locked.ID)
		if err != nil {
			return err
		}
		root, err := o.auditor.ComputeRoot(entries)
		if err != nil {
			return err
		}
		locked.MerkleRoot = root

		if err := tx.UpdatePeriod(ctx, locked); err != nil {
			return err
		}
		if err := tx.InsertSettlement(ctx, &schema.Settlement{
			PeriodID:    locked.ID,
			Rail:        req.Rail,
			AmountCents: amount,
			ProviderRef: receipt.ProviderRef,
			PaidAt:      receipt.PaidAt,
			Reference:   recon.NormalizeReference(reference),
			Status:      schema.SettlementPending,
			ReleaseUUID: &releaseUUID,
		}); err != nil {
			return err
		}
		if err := o.audit(ctx, tx, schema.AuditRelease, req.Key.String(), map[string]interface{}{
			"release_uuid": releaseUUID,
			"provider_ref": receipt.ProviderRef,
			"amount_cents": amount,
			"rail":         req.Rail,
		}); err != nil {
			return err
		}

		result.ProviderRef = receipt.ProviderRef
		result.Period = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReceiptHash derives the bank_receipt_hash chained into the ledger entry
func ReceiptHash(receipt *bankrail.Receipt) string {
	sum := sha256.Sum256([]byte(receipt.ProviderRef + "|" + receipt.PaidAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

func expectedClaims(period *schema.Period) *rpt.ExpectedClaims {
	expected := &rpt.ExpectedClaims{
		ABN:                period.ABN,
		BASPeriod:          period.PeriodID,
		EvidenceMerkleRoot: period.MerkleRoot,
	}
	if period.TaxType == domain.TaxTypeGST {
		expected.GstCents = period.FinalLiabilityCents
	} else {
		expected.PaygwCents = period.FinalLiabilityCents
	}
	return expected
}

// gateEvents projects ledger entries onto anomaly gate observations
func gateEvents(period *schema.Period, entries []*schema.LedgerEntry) []anomaly.Event {
	events := make([]anomaly.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, anomaly.Event{
			AmountCents: e.AmountCents,
			OccurredAt:  e.CreatedAt,
			Channel:     "owa",
			Payer:       period.ABN,
			PeriodState: string(period.State),
			Valid:       e.AmountCents > 0,
		})
	}
	return events
}

func persistAssessment(period *schema.Period, assessment anomaly.Assessment, thresholds anomaly.Thresholds) error {
	vec, err := json.Marshal(assessment.Vector)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly vector: %w", err)
	}
	thr, err := json.Marshal(thresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}
	period.AnomalyVector = datatypes.JSON(vec)
	period.Thresholds = datatypes.JSON(thr)
	return nil
}

func (o *Orchestrator) baseline(ctx context.Context, tx store.Store, key domain.PeriodKey) (int64, error) {
	raw, err := tx.GetKV(ctx, baselineKey(key))
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	baseline, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt baseline for %s: %w", key, err)
	}
	return baseline, nil
}

func baselineKey(key domain.PeriodKey) string {
	return baselineKVPrefix + key.ABN + ":" + string(key.TaxType)
}

func (o *Orchestrator) audit(ctx context.Context, tx store.Store, typ schema.AuditEventType, subject string, meta map[string]interface{}) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal audit meta: %w", err)
	}
	return tx.InsertAuditLog(ctx, &schema.AuditLog{
		EventID:   ulid.Make().String(),
		EventType: typ,
		Subject:   subject,
		Meta:      datatypes.JSON(raw),
	})
}

func (o *Orchestrator) publish(ctx context.Context, key domain.PeriodKey, typ domain.PeriodEventType, state domain.PeriodState, amountCents int64) {
	event := &domain.PeriodEvent{
		EventID:     ulid.Make().String(),
		Type:        typ,
		ABN:         key.ABN,
		TaxType:     key.TaxType,
		PeriodID:    key.PeriodID,
		State:       state,
		AmountCents: amountCents,
		OccurredAt:  o.clock.Now(),
	}
	if err := o.publisher.PublishPeriodEvent(ctx, event); err != nil {
		logger.WarnCtx(ctx, "failed to publish period event",
			zap.String("type", string(typ)),
			zap.String("period", key.String()),
			zap.Error(err))
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
