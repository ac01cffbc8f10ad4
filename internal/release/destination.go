package release

import (
	"context"
	"fmt"
	"regexp"

	"github.com/custodix/remitter/internal/bankrail"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

var (
	bsbPattern     = regexp.MustCompile(`^\d{3}-?\d{3}$`)
	accountPattern = regexp.MustCompile(`^\d{6,10}$`)
	billerPattern  = regexp.MustCompile(`^\d{4,6}$`)
	crnPattern     = regexp.MustCompile(`^\d{2,20}$`)
)

// ValidateDestination checks the rail-specific field formats and the
// allowlist flag. Format failures wrap domain.ErrDestinationInvalid so they
// surface as validation errors rather than conflicts.
func ValidateDestination(dest *schema.Destination, rail domain.Rail) error {
	switch rail {
	case domain.RailEFT, domain.RailPayTo:
		if !bsbPattern.MatchString(dest.BSB) {
			return fmt.Errorf("bsb %q: %w", dest.BSB, domain.ErrDestinationInvalid)
		}
		if !accountPattern.MatchString(dest.AccountNumber) {
			return fmt.Errorf("account number: %w", domain.ErrDestinationInvalid)
		}
	case domain.RailBPAY:
		if !billerPattern.MatchString(dest.BillerCode) {
			return fmt.Errorf("biller code %q: %w", dest.BillerCode, domain.ErrDestinationInvalid)
		}
		if !crnPattern.MatchString(dest.CRN) {
			return fmt.Errorf("crn: %w", domain.ErrDestinationInvalid)
		}
	default:
		return fmt.Errorf("rail %q: %w", rail, domain.ErrDestinationInvalid)
	}
	if !dest.Allowed {
		return fmt.Errorf("destination for %s/%s: %w", dest.ABN, rail, domain.ErrDestinationNotAllowed)
	}
	return nil
}

// ResolveDestination looks up, validates and converts the registered
// destination for an account and rail
func ResolveDestination(ctx context.Context, s store.Store, abn string, rail domain.Rail) (bankrail.Destination, error) {
	row, err := s.GetDestination(ctx, abn, rail)
	if err != nil {
		return bankrail.Destination{}, err
	}
	if row == nil {
		return bankrail.Destination{}, fmt.Errorf("no destination for %s/%s: %w", abn, rail, domain.ErrDestinationNotFound)
	}
	if err := ValidateDestination(row, rail); err != nil {
		return bankrail.Destination{}, err
	}
	return bankrail.Destination{
		BSB:           row.BSB,
		AccountNumber: row.AccountNumber,
		BillerCode:    row.BillerCode,
		CRN:           row.CRN,
	}, nil
}
