package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store/schema"
)

// memState is the whole mutable state of the memory store. Transact snapshots
// it wholesale so a failed transaction restores every table at once.
type memState struct {
	periods       map[uint64]*schema.Period
	periodsByKey  map[string]uint64
	ledger        map[uint64][]*schema.LedgerEntry
	signingKeys   map[string]*schema.SigningKey
	rptTokens     map[string]*schema.RPTToken
	nonces        map[string]*schema.RPTNonce
	idemKeys      map[string]*schema.IdempotencyKey
	cached        map[string]*schema.CachedResponse
	settlements   map[uint64]*schema.Settlement
	settlementRef map[string]uint64
	bankLines     map[uint64]*schema.BankLine
	auditLogs     []*schema.AuditLog
	destinations  map[string]*schema.Destination
	kv            map[string]string

	nextPeriodID     uint64
	nextEntryID      uint64
	nextSettlementID uint64
	nextBankLineID   uint64
}

func newMemState() *memState {
	return &memState{
		periods:       make(map[uint64]*schema.Period),
		periodsByKey:  make(map[string]uint64),
		ledger:        make(map[uint64][]*schema.LedgerEntry),
		signingKeys:   make(map[string]*schema.SigningKey),
		rptTokens:     make(map[string]*schema.RPTToken),
		nonces:        make(map[string]*schema.RPTNonce),
		idemKeys:      make(map[string]*schema.IdempotencyKey),
		cached:        make(map[string]*schema.CachedResponse),
		settlements:   make(map[uint64]*schema.Settlement),
		settlementRef: make(map[string]uint64),
		bankLines:     make(map[uint64]*schema.BankLine),
		destinations:  make(map[string]*schema.Destination),
		kv:            make(map[string]string),
		nextPeriodID:  1, nextEntryID: 1, nextSettlementID: 1, nextBankLineID: 1,
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for id, p := range st.periods {
		cp := *p
		c.periods[id] = &cp
	}
	for k, v := range st.periodsByKey {
		c.periodsByKey[k] = v
	}
	for id, entries := range st.ledger {
		cp := make([]*schema.LedgerEntry, len(entries))
		for i, e := range entries {
			ce := *e
			cp[i] = &ce
		}
		c.ledger[id] = cp
	}
	for k, v := range st.signingKeys {
		cv := *v
		c.signingKeys[k] = &cv
	}
	for k, v := range st.rptTokens {
		cv := *v
		c.rptTokens[k] = &cv
	}
	for k, v := range st.nonces {
		cv := *v
		c.nonces[k] = &cv
	}
	for k, v := range st.idemKeys {
		cv := *v
		c.idemKeys[k] = &cv
	}
	for k, v := range st.cached {
		cv := *v
		cv.Body = append([]byte(nil), v.Body...)
		c.cached[k] = &cv
	}
	for k, v := range st.settlements {
		cv := *v
		c.settlements[k] = &cv
	}
	for k, v := range st.settlementRef {
		c.settlementRef[k] = v
	}
	for k, v := range st.bankLines {
		cv := *v
		c.bankLines[k] = &cv
	}
	c.auditLogs = make([]*schema.AuditLog, len(st.auditLogs))
	for i, v := range st.auditLogs {
		cv := *v
		c.auditLogs[i] = &cv
	}
	for k, v := range st.destinations {
		cv := *v
		c.destinations[k] = &cv
	}
	for k, v := range st.kv {
		c.kv[k] = v
	}
	c.nextPeriodID = st.nextPeriodID
	c.nextEntryID = st.nextEntryID
	c.nextSettlementID = st.nextSettlementID
	c.nextBankLineID = st.nextBankLineID
	return c
}

// memStore is an in-memory Store. It backs the shared store test suite and the
// sim profile; a single mutex stands in for the database's row locks, which is
// valid because every mutating path already runs inside Transact.
type memStore struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() Store {
	return &memStore{mu: &sync.Mutex{}, state: newMemState()}
}

// Transact snapshots the state, runs fn, and restores the snapshot on error.
// Nested calls join the outer transaction.
func (s *memStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &memStore{mu: s.mu, state: s.state, inTx: true}
	if err := fn(tx); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *memStore) locked(fn func()) {
	if s.inTx {
		fn()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// LockPeriod fetches the period; mutual exclusion comes from the Transact mutex
func (s *memStore) LockPeriod(ctx context.Context, periodID uint64) (*schema.Period, error) {
	period, err := s.GetPeriodByID(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, domain.ErrPeriodNotFound
	}
	return period, nil
}

func (s *memStore) GetPeriod(ctx context.Context, key domain.PeriodKey) (*schema.Period, error) {
	var out *schema.Period
	s.locked(func() {
		if id, ok := s.state.periodsByKey[key.String()]; ok {
			cp := *s.state.periods[id]
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) GetPeriodByID(ctx context.Context, periodID uint64) (*schema.Period, error) {
	var out *schema.Period
	s.locked(func() {
		if p, ok := s.state.periods[periodID]; ok {
			cp := *p
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) CreatePeriod(ctx context.Context, period *schema.Period) error {
	var err error
	s.locked(func() {
		keyStr := period.Key().String()
		if _, exists := s.state.periodsByKey[keyStr]; exists {
			err = domain.ErrDuplicateKey
			return
		}
		period.ID = s.state.nextPeriodID
		s.state.nextPeriodID++
		now := time.Now().UTC()
		period.CreatedAt = now
		period.UpdatedAt = now
		cp := *period
		s.state.periods[period.ID] = &cp
		s.state.periodsByKey[keyStr] = period.ID
	})
	return err
}

func (s *memStore) UpdatePeriod(ctx context.Context, period *schema.Period) error {
	var err error
	s.locked(func() {
		if _, ok := s.state.periods[period.ID]; !ok {
			err = domain.ErrPeriodNotFound
			return
		}
		period.UpdatedAt = time.Now().UTC()
		cp := *period
		s.state.periods[period.ID] = &cp
	})
	return err
}

func (s *memStore) TailLedgerEntry(ctx context.Context, periodID uint64) (*schema.LedgerEntry, error) {
	var out *schema.LedgerEntry
	s.locked(func() {
		entries := s.state.ledger[periodID]
		if len(entries) > 0 {
			cp := *entries[len(entries)-1]
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) ListLedgerEntries(ctx context.Context, periodID uint64) ([]*schema.LedgerEntry, error) {
	var out []*schema.LedgerEntry
	s.locked(func() {
		for _, e := range s.state.ledger[periodID] {
			cp := *e
			out = append(out, &cp)
		}
	})
	return out, nil
}

func (s *memStore) InsertLedgerEntry(ctx context.Context, entry *schema.LedgerEntry) error {
	var err error
	s.locked(func() {
		entries := s.state.ledger[entry.PeriodID]
		for _, e := range entries {
			if e.Seq == entry.Seq {
				err = domain.ErrDuplicateKey
				return
			}
		}
		entry.ID = s.state.nextEntryID
		s.state.nextEntryID++
		entry.CreatedAt = time.Now().UTC()
		cp := *entry
		s.state.ledger[entry.PeriodID] = append(entries, &cp)
	})
	return err
}

func (s *memStore) InsertSigningKey(ctx context.Context, key *schema.SigningKey) error {
	var err error
	s.locked(func() {
		if _, exists := s.state.signingKeys[key.Kid]; exists {
			err = domain.ErrDuplicateKey
			return
		}
		now := time.Now().UTC()
		key.CreatedAt = now
		key.UpdatedAt = now
		cp := *key
		s.state.signingKeys[key.Kid] = &cp
	})
	return err
}

func (s *memStore) GetSigningKey(ctx context.Context, kid string) (*schema.SigningKey, error) {
	var out *schema.SigningKey
	s.locked(func() {
		if k, ok := s.state.signingKeys[kid]; ok {
			cp := *k
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) GetActiveSigningKey(ctx context.Context) (*schema.SigningKey, error) {
	var out *schema.SigningKey
	s.locked(func() {
		for _, k := range s.state.signingKeys {
			if k.Status == schema.SigningKeyActive {
				if out == nil || k.CreatedAt.After(out.CreatedAt) {
					cp := *k
					out = &cp
				}
			}
		}
	})
	return out, nil
}

func (s *memStore) UpdateSigningKeyStatus(ctx context.Context, kid string, status schema.SigningKeyStatus) error {
	var err error
	s.locked(func() {
		k, ok := s.state.signingKeys[kid]
		if !ok {
			err = domain.ErrKeyNotFound
			return
		}
		k.Status = status
		k.UpdatedAt = time.Now().UTC()
	})
	return err
}

func (s *memStore) ListVerificationKeys(ctx context.Context) ([]*schema.SigningKey, error) {
	var out []*schema.SigningKey
	s.locked(func() {
		for _, k := range s.state.signingKeys {
			if k.Status == schema.SigningKeyActive || k.Status == schema.SigningKeyRetired {
				cp := *k
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) InsertRPTToken(ctx context.Context, token *schema.RPTToken) error {
	var err error
	s.locked(func() {
		if _, exists := s.state.rptTokens[token.RPTID]; exists {
			err = domain.ErrDuplicateKey
			return
		}
		now := time.Now().UTC()
		token.CreatedAt = now
		token.UpdatedAt = now
		cp := *token
		s.state.rptTokens[token.RPTID] = &cp
	})
	return err
}

func (s *memStore) GetRPTToken(ctx context.Context, rptID string) (*schema.RPTToken, error) {
	var out *schema.RPTToken
	s.locked(func() {
		if t, ok := s.state.rptTokens[rptID]; ok {
			cp := *t
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) GetIssuedRPTForPeriod(ctx context.Context, periodID uint64) (*schema.RPTToken, error) {
	var out *schema.RPTToken
	s.locked(func() {
		for _, t := range s.state.rptTokens {
			if t.PeriodID == periodID && t.Status == schema.RPTStatusIssued {
				if out == nil || t.CreatedAt.After(out.CreatedAt) {
					cp := *t
					out = &cp
				}
			}
		}
	})
	return out, nil
}

func (s *memStore) GetLatestRPTForPeriod(ctx context.Context, periodID uint64) (*schema.RPTToken, error) {
	var out *schema.RPTToken
	s.locked(func() {
		for _, t := range s.state.rptTokens {
			if t.PeriodID == periodID {
				if out == nil || t.CreatedAt.After(out.CreatedAt) {
					cp := *t
					out = &cp
				}
			}
		}
	})
	return out, nil
}

func (s *memStore) UpdateRPTTokenStatus(ctx context.Context, rptID string, status schema.RPTStatus) error {
	var err error
	s.locked(func() {
		t, ok := s.state.rptTokens[rptID]
		if !ok {
			err = fmt.Errorf("rpt token %s not found", rptID)
			return
		}
		t.Status = status
		t.UpdatedAt = time.Now().UTC()
	})
	return err
}

func (s *memStore) RegisterNonce(ctx context.Context, nonce string, expiresAt, now time.Time) error {
	var err error
	s.locked(func() {
		if existing, ok := s.state.nonces[nonce]; ok {
			if existing.ExpiresAt.After(now) {
				err = domain.ErrReplayDetected
				return
			}
		}
		s.state.nonces[nonce] = &schema.RPTNonce{Nonce: nonce, ExpiresAt: expiresAt, CreatedAt: now}
	})
	return err
}

func (s *memStore) InsertIdempotencyKey(ctx context.Context, key *schema.IdempotencyKey) (bool, *schema.IdempotencyKey, error) {
	var created bool
	var existing *schema.IdempotencyKey
	s.locked(func() {
		if row, ok := s.state.idemKeys[key.Key]; ok {
			cp := *row
			existing = &cp
			return
		}
		now := time.Now().UTC()
		if key.FirstSeen.IsZero() {
			key.FirstSeen = now
		}
		key.UpdatedAt = now
		cp := *key
		s.state.idemKeys[key.Key] = &cp
		created = true
		existing = key
	})
	return created, existing, nil
}

func (s *memStore) GetIdempotencyKey(ctx context.Context, key string) (*schema.IdempotencyKey, error) {
	var out *schema.IdempotencyKey
	s.locked(func() {
		if row, ok := s.state.idemKeys[key]; ok {
			cp := *row
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) UpdateIdempotencyKey(ctx context.Context, key *schema.IdempotencyKey) error {
	s.locked(func() {
		key.UpdatedAt = time.Now().UTC()
		cp := *key
		s.state.idemKeys[key.Key] = &cp
	})
	return nil
}

func (s *memStore) UpdateIdempotencyKeyGuarded(ctx context.Context, key *schema.IdempotencyKey, expectedUpdatedAt time.Time) (bool, error) {
	var won bool
	s.locked(func() {
		row, ok := s.state.idemKeys[key.Key]
		if !ok || !row.UpdatedAt.Equal(expectedUpdatedAt) {
			return
		}
		cp := *key
		s.state.idemKeys[key.Key] = &cp
		won = true
	})
	return won, nil
}

func (s *memStore) UpsertCachedResponse(ctx context.Context, response *schema.CachedResponse) error {
	s.locked(func() {
		if _, exists := s.state.cached[response.Hash]; exists {
			return
		}
		response.CreatedAt = time.Now().UTC()
		cp := *response
		cp.Body = append([]byte(nil), response.Body...)
		s.state.cached[response.Hash] = &cp
	})
	return nil
}

func (s *memStore) GetCachedResponse(ctx context.Context, hash string) (*schema.CachedResponse, error) {
	var out *schema.CachedResponse
	s.locked(func() {
		if r, ok := s.state.cached[hash]; ok {
			cp := *r
			cp.Body = append([]byte(nil), r.Body...)
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	s.locked(func() {
		for k, row := range s.state.idemKeys {
			if row.FirstSeen.Add(time.Duration(row.TTLSeconds) * time.Second).Before(now) {
				delete(s.state.idemKeys, k)
				deleted++
			}
		}
		referenced := make(map[string]bool)
		for _, row := range s.state.idemKeys {
			if row.ResponseHash != nil {
				referenced[*row.ResponseHash] = true
			}
		}
		for hash := range s.state.cached {
			if !referenced[hash] {
				delete(s.state.cached, hash)
			}
		}
	})
	return deleted, nil
}

func (s *memStore) InsertSettlement(ctx context.Context, settlement *schema.Settlement) error {
	var err error
	s.locked(func() {
		if _, exists := s.state.settlementRef[settlement.ProviderRef]; exists {
			err = domain.ErrDuplicateKey
			return
		}
		settlement.ID = s.state.nextSettlementID
		s.state.nextSettlementID++
		now := time.Now().UTC()
		settlement.CreatedAt = now
		settlement.UpdatedAt = now
		cp := *settlement
		s.state.settlements[settlement.ID] = &cp
		s.state.settlementRef[settlement.ProviderRef] = settlement.ID
	})
	return err
}

func (s *memStore) UpdateSettlement(ctx context.Context, settlement *schema.Settlement) error {
	s.locked(func() {
		settlement.UpdatedAt = time.Now().UTC()
		cp := *settlement
		s.state.settlements[settlement.ID] = &cp
	})
	return nil
}

func (s *memStore) GetSettlementByProviderRef(ctx context.Context, providerRef string) (*schema.Settlement, error) {
	var out *schema.Settlement
	s.locked(func() {
		if id, ok := s.state.settlementRef[providerRef]; ok {
			if st, ok := s.state.settlements[id]; ok {
				cp := *st
				out = &cp
			}
		}
	})
	return out, nil
}

func (s *memStore) ListUnmatchedSettlements(ctx context.Context) ([]*schema.Settlement, error) {
	var out []*schema.Settlement
	s.locked(func() {
		for _, st := range s.state.settlements {
			if st.Status == schema.SettlementPending {
				cp := *st
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	return out, nil
}

func (s *memStore) ListSettlementsForPeriod(ctx context.Context, periodID uint64) ([]*schema.Settlement, error) {
	var out []*schema.Settlement
	s.locked(func() {
		for _, st := range s.state.settlements {
			if st.PeriodID == periodID {
				cp := *st
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	return out, nil
}

func (s *memStore) InsertBankLines(ctx context.Context, lines []*schema.BankLine) error {
	s.locked(func() {
		now := time.Now().UTC()
		for _, line := range lines {
			line.ID = s.state.nextBankLineID
			s.state.nextBankLineID++
			line.CreatedAt = now
			line.UpdatedAt = now
			cp := *line
			s.state.bankLines[line.ID] = &cp
		}
	})
	return nil
}

func (s *memStore) UpdateBankLine(ctx context.Context, line *schema.BankLine) error {
	s.locked(func() {
		line.UpdatedAt = time.Now().UTC()
		cp := *line
		s.state.bankLines[line.ID] = &cp
	})
	return nil
}

func (s *memStore) ListDLQBankLines(ctx context.Context) ([]*schema.BankLine, error) {
	var out []*schema.BankLine
	s.locked(func() {
		for _, line := range s.state.bankLines {
			if line.Status == schema.BankLineDLQ {
				cp := *line
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ValueDate.Before(out[j].ValueDate) })
	return out, nil
}

func (s *memStore) InsertAuditLog(ctx context.Context, event *schema.AuditLog) error {
	s.locked(func() {
		event.CreatedAt = time.Now().UTC()
		cp := *event
		s.state.auditLogs = append(s.state.auditLogs, &cp)
	})
	return nil
}

func (s *memStore) ListAuditLogs(ctx context.Context, subject string) ([]*schema.AuditLog, error) {
	var out []*schema.AuditLog
	s.locked(func() {
		for _, e := range s.state.auditLogs {
			if e.Subject == subject {
				cp := *e
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (s *memStore) GetDestination(ctx context.Context, abn string, rail domain.Rail) (*schema.Destination, error) {
	var out *schema.Destination
	s.locked(func() {
		if d, ok := s.state.destinations[abn+":"+string(rail)]; ok {
			cp := *d
			out = &cp
		}
	})
	return out, nil
}

func (s *memStore) UpsertDestination(ctx context.Context, destination *schema.Destination) error {
	s.locked(func() {
		now := time.Now().UTC()
		if destination.CreatedAt.IsZero() {
			destination.CreatedAt = now
		}
		destination.UpdatedAt = now
		cp := *destination
		s.state.destinations[destination.ABN+":"+string(destination.Rail)] = &cp
	})
	return nil
}

func (s *memStore) GetKV(ctx context.Context, key string) (string, error) {
	var out string
	s.locked(func() { out = s.state.kv[key] })
	return out, nil
}

func (s *memStore) SetKV(ctx context.Context, key string, value string) error {
	s.locked(func() { s.state.kv[key] = value })
	return nil
}
