package service

import (
	"context"
	"strings"

	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Release cancels a pending reservation and returns the held credits to the
// spendable pool. Releasing an already released or expired reservation is a
// success with WasAlreadyReleased set, so timeout handlers and explicit
// callers can both call it safely.
func (s *Service) Release(ctx context.Context, req creditdomain.ReleaseRequest) (*creditdomain.Release, error) {
	reservation, err := s.reservationByID(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}

	switch reservation.Status {
	case creditdomain.ReservationStatusReleased, creditdomain.ReservationStatusExpired:
		return &creditdomain.Release{
			ReservationID:      reservation.ID,
			ReleasedCredits:    reservation.ReservedCredits,
			Status:             reservation.Status,
			WasAlreadyReleased: true,
		}, nil
	case creditdomain.ReservationStatusSettled:
		return nil, &creditdomain.ReservationSettledError{ReservationID: reservation.ID}
	}

	reason := strings.TrimSpace(req.Reason)
	now := s.clock.Now()

	var flipped bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE credit_reservations
			 SET status = ?, release_reason = ?, released_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			creditdomain.ReservationStatusReleased, reason, now, now,
			reservation.ID, creditdomain.ReservationStatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		flipped = true

		return tx.Exec(
			`UPDATE organization_credit_balances
			 SET reserved_credits = reserved_credits - ?, updated_at = ?
			 WHERE organization_id = ?`,
			reservation.ReservedCredits, now, reservation.OrganizationID,
		).Error
	})
	if err != nil {
		return nil, err
	}

	if !flipped {
		// Lost a race with a concurrent settle, release or expiry; answer
		// from the row's current state.
		current, err := s.reservationByID(ctx, reservation.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == creditdomain.ReservationStatusSettled {
			return nil, &creditdomain.ReservationSettledError{ReservationID: current.ID}
		}
		return &creditdomain.Release{
			ReservationID:      current.ID,
			ReleasedCredits:    current.ReservedCredits,
			Status:             current.Status,
			WasAlreadyReleased: true,
		}, nil
	}

	s.obs.RecordRelease(ctx, "released")
	s.log.Debug("reservation released",
		zap.String("org_id", reservation.OrganizationID.String()),
		zap.String("reservation_id", reservation.ID.String()),
		zap.Float64("released_credits", reservation.ReservedCredits),
		zap.String("reason", reason),
	)

	return &creditdomain.Release{
		ReservationID:      reservation.ID,
		ReleasedCredits:    reservation.ReservedCredits,
		Status:             creditdomain.ReservationStatusReleased,
		WasAlreadyReleased: false,
	}, nil
}

// ExpireOverdue reclaims pending holds whose deadline has passed,
// transitioning them to expired rather than released so operator-initiated
// releases stay distinguishable from system timeouts.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.currentPolicy().SweepBatchSize
	}
	now := s.clock.Now()

	var overdue []creditdomain.CreditReservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", creditdomain.ReservationStatusPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&overdue).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range overdue {
		reservation := overdue[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Exec(
				`UPDATE credit_reservations
				 SET status = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				creditdomain.ReservationStatusExpired, now,
				reservation.ID, creditdomain.ReservationStatusPending,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			if err := tx.Exec(
				`UPDATE organization_credit_balances
				 SET reserved_credits = reserved_credits - ?, updated_at = ?
				 WHERE organization_id = ?`,
				reservation.ReservedCredits, now, reservation.OrganizationID,
			).Error; err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			return expired, err
		}
	}

	if expired > 0 {
		s.obs.RecordExpirations(ctx, expired)
		s.log.Info("expired overdue reservations", zap.Int("count", expired))
	}
	return expired, nil
}
