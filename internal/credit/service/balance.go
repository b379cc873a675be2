package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
)

func (s *Service) GetBalance(ctx context.Context, orgID snowflake.ID) (*creditdomain.Balance, error) {
	if orgID == 0 {
		return nil, creditdomain.ErrInvalidOrganization
	}

	row, _, err := s.balanceRow(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	derived := creditdomain.ComputeBalance(
		row.MonthlyCredits, row.BonusCredits, row.ReservedCredits, row.OverdraftLimit, row.UsedThisPeriod,
	)

	return &creditdomain.Balance{
		OrganizationID:  orgID.String(),
		Available:       derived.Available,
		Spendable:       derived.Spendable,
		MonthlyCredits:  row.MonthlyCredits,
		BonusCredits:    row.BonusCredits,
		ReservedCredits: row.ReservedCredits,
		UsedThisPeriod:  row.UsedThisPeriod,
		OverdraftLimit:  row.OverdraftLimit,
		PeriodStart:     row.PeriodStart,
		PeriodEnd:       row.PeriodEnd,
	}, nil
}

// CheckBalance tests an estimated cost against spendable balance. Zero-cost
// operations always proceed, even for organizations with no balance row.
func (s *Service) CheckBalance(ctx context.Context, orgID snowflake.ID, estimatedCost float64) (creditdomain.BalanceCheck, error) {
	if orgID == 0 {
		return creditdomain.BalanceCheck{}, creditdomain.ErrInvalidOrganization
	}
	if estimatedCost < 0 {
		return creditdomain.BalanceCheck{}, creditdomain.ErrInvalidAmount
	}

	row, found, err := s.balanceRow(ctx, s.db, orgID)
	if err != nil {
		return creditdomain.BalanceCheck{}, err
	}

	derived := creditdomain.ComputeBalance(
		row.MonthlyCredits, row.BonusCredits, row.ReservedCredits, row.OverdraftLimit, row.UsedThisPeriod,
	)

	check := creditdomain.BalanceCheck{
		Available:        derived.Available,
		Spendable:        derived.Spendable,
		MonthlyRemaining: derived.MonthlyRemaining,
		BonusCredits:     row.BonusCredits,
		ReservedCredits:  row.ReservedCredits,
		PeriodEnd:        row.PeriodEnd,
		EstimatedCost:    estimatedCost,
		AfterOperation:   derived.Spendable - estimatedCost,
	}

	switch {
	case estimatedCost == 0:
		check.CanProceed = true
	case !found:
		check.CanProceed = false
	default:
		check.CanProceed = derived.Spendable >= estimatedCost
	}

	return check, nil
}
