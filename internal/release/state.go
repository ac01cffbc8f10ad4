package release

import (
	"fmt"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store/schema"
)

// transitions is the period state machine. Blocked states transition back to
// CLOSING so a remediated period can re-run close without a fresh period.
// RELEASED is terminal.
var transitions = map[domain.PeriodState][]domain.PeriodState{
	domain.PeriodStateOpen:               {domain.PeriodStateClosing},
	domain.PeriodStateClosing:            {domain.PeriodStateBlockedAnomaly, domain.PeriodStateBlockedDiscrepancy, domain.PeriodStateReadyRPT},
	domain.PeriodStateBlockedAnomaly:     {domain.PeriodStateClosing},
	domain.PeriodStateBlockedDiscrepancy: {domain.PeriodStateClosing},
	domain.PeriodStateReadyRPT:           {domain.PeriodStateReleased},
	domain.PeriodStateReleased:           {},
}

// CanTransition reports whether from -> to is a legal period state change
func CanTransition(from, to domain.PeriodState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition mutates the period state or fails with domain.ErrInvalidState
func transition(period *schema.Period, to domain.PeriodState) error {
	if !CanTransition(period.State, to) {
		return fmt.Errorf("period %s: %s -> %s: %w", period.Key(), period.State, to, domain.ErrInvalidState)
	}
	period.State = to
	return nil
}
