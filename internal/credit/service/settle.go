package service

import (
	"context"
	"strings"

	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Settle converts a pending reservation into a permanent ledger entry once
// the actual cost is known.
//
// The hold is released by the original reservation amount regardless of the
// variance between estimate and actual; the deduction itself is split
// monthly-first, bonus-second. The status flip is gated on
// status = 'pending' so a concurrent duplicate settlement aborts at the row
// level even if it passed the earlier status check.
func (s *Service) Settle(ctx context.Context, req creditdomain.SettleRequest) (*creditdomain.Settlement, error) {
	if req.ActualCredits < 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	reservation, err := s.reservationByID(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if reservation.Status != creditdomain.ReservationStatusPending {
		return nil, &creditdomain.InvalidReservationStatusError{
			ReservationID: reservation.ID,
			Status:        reservation.Status,
		}
	}

	balance, _, err := s.balanceRow(ctx, s.db, reservation.OrganizationID)
	if err != nil {
		return nil, err
	}

	split := creditdomain.CalculateDeductionSplit(
		balance.MonthlyCredits, balance.BonusCredits, req.ActualCredits,
	)

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "AI operation consumption"
	}

	now := s.clock.Now()
	transaction := &creditdomain.CreditTransaction{
		ID:               s.genID.Generate(),
		OrganizationID:   reservation.OrganizationID,
		CapabilityID:     reservation.CapabilityID,
		QualityLevelID:   reservation.QualityLevelID,
		TransactionType:  creditdomain.TransactionTypeAIConsumption,
		CreditsAmount:    -req.ActualCredits,
		EstimatedCredits: -reservation.ReservedCredits,
		Description:      description,
		IdempotencyKey:   reservation.IdempotencyKey,
		ProviderMeta:     providerMetadata(req.Provider),
		UserID:           reservation.UserID,
		UserEmail:        reservation.UserEmail,
		FormID:           reservation.FormID,
		FormName:         reservation.FormName,
		CustomerGoogleID: reservation.CustomerGoogleID,
		CreatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Flip the reservation first; zero rows affected means a
		// concurrent settle or release won the race.
		result := tx.Exec(
			`UPDATE credit_reservations
			 SET status = ?, settled_credits = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			creditdomain.ReservationStatusSettled, req.ActualCredits, now,
			reservation.ID, creditdomain.ReservationStatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			current, lookupErr := s.reservationByID(ctx, reservation.ID)
			if lookupErr != nil {
				return lookupErr
			}
			return &creditdomain.InvalidReservationStatusError{
				ReservationID: reservation.ID,
				Status:        current.Status,
			}
		}

		if err := tx.Exec(
			`UPDATE organization_credit_balances
			 SET reserved_credits = reserved_credits - ?,
			     monthly_credits = monthly_credits - ?,
			     bonus_credits = bonus_credits - ?,
			     used_this_period = used_this_period + ?,
			     updated_at = ?
			 WHERE organization_id = ?`,
			reservation.ReservedCredits, split.MonthlyDeducted, split.BonusDeducted,
			req.ActualCredits, now, reservation.OrganizationID,
		).Error; err != nil {
			return err
		}

		// Snapshot the post-update balance inside the same transaction so
		// balance_after reflects exactly this movement.
		var balanceAfter float64
		if err := tx.Raw(
			`SELECT COALESCE(monthly_credits + bonus_credits - reserved_credits, 0)
			 FROM organization_credit_balances
			 WHERE organization_id = ?`,
			reservation.OrganizationID,
		).Scan(&balanceAfter).Error; err != nil {
			return err
		}
		transaction.BalanceAfter = balanceAfter

		return tx.Create(transaction).Error
	})
	if err != nil {
		s.obs.RecordSettlement(ctx, "error")
		return nil, err
	}

	s.obs.RecordSettlement(ctx, "settled")
	s.obs.RecordCreditsSettled(ctx, req.ActualCredits)
	s.log.Debug("reservation settled",
		zap.String("org_id", reservation.OrganizationID.String()),
		zap.String("reservation_id", reservation.ID.String()),
		zap.Float64("actual_credits", req.ActualCredits),
		zap.Float64("monthly_deducted", split.MonthlyDeducted),
		zap.Float64("bonus_deducted", split.BonusDeducted),
	)

	return &creditdomain.Settlement{
		TransactionID:   transaction.ID,
		ReservationID:   reservation.ID,
		ActualCredits:   req.ActualCredits,
		MonthlyDeducted: split.MonthlyDeducted,
		BonusDeducted:   split.BonusDeducted,
	}, nil
}

func providerMetadata(usage creditdomain.ProviderUsage) datatypes.JSONMap {
	if usage.Empty() {
		return nil
	}
	meta := datatypes.JSONMap{}
	if usage.ProviderID != "" {
		meta["provider_id"] = usage.ProviderID
	}
	if usage.ModelID != "" {
		meta["model_id"] = usage.ModelID
	}
	if usage.InputTokens > 0 {
		meta["input_tokens"] = usage.InputTokens
	}
	if usage.OutputTokens > 0 {
		meta["output_tokens"] = usage.OutputTokens
	}
	if usage.ProviderCostUSD > 0 {
		meta["provider_cost_usd"] = usage.ProviderCostUSD
	}
	return meta
}
