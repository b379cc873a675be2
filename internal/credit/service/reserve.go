package service

import (
	"context"
	"strings"

	"github.com/formlane/creditledger/internal/config"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	"github.com/formlane/creditledger/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reserve creates a pending, time-boxed hold against spendable balance.
//
// The pre-flight balance check is advisory; the real guard is the
// conditional UPDATE inside the transaction, which increments
// reserved_credits only while spendable still covers the amount. Two
// concurrent reservations therefore can never overshoot spendable together.
func (s *Service) Reserve(ctx context.Context, req creditdomain.ReserveRequest) (*creditdomain.Reservation, error) {
	if req.OrganizationID == 0 {
		return nil, creditdomain.ErrInvalidOrganization
	}
	if req.EstimatedCredits < 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	if req.CapabilityID == 0 || req.QualityLevelID == 0 {
		return nil, creditdomain.ErrInvalidCapability
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, creditdomain.ErrInvalidIdempotencyKey
	}

	if existing, err := s.findByIdempotencyKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replayExisting(existing, req, key)
	}

	check, err := s.CheckBalance(ctx, req.OrganizationID, req.EstimatedCredits)
	if err != nil {
		return nil, err
	}
	if !check.CanProceed {
		s.obs.RecordReservation(ctx, "insufficient")
		return nil, &creditdomain.InsufficientCreditsError{
			Requested: req.EstimatedCredits,
			Available: check.Spendable,
		}
	}

	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = s.currentPolicy().ReservationTTL()
	}
	now := s.clock.Now()

	row := &creditdomain.CreditReservation{
		ID:               s.genID.Generate(),
		OrganizationID:   req.OrganizationID,
		CapabilityID:     req.CapabilityID,
		QualityLevelID:   req.QualityLevelID,
		ReservedCredits:  req.EstimatedCredits,
		Status:           creditdomain.ReservationStatusPending,
		IdempotencyKey:   key,
		ExpiresAt:        now.Add(ttl),
		UserID:           req.Audit.UserID,
		UserEmail:        req.Audit.UserEmail,
		FormID:           req.Audit.FormID,
		FormName:         req.Audit.FormName,
		CustomerGoogleID: req.Audit.CustomerGoogleID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE organization_credit_balances
			 SET reserved_credits = reserved_credits + ?, updated_at = ?
			 WHERE organization_id = ?
			   AND monthly_credits + bonus_credits + overdraft_limit - reserved_credits >= ?`,
			req.EstimatedCredits, now, req.OrganizationID, req.EstimatedCredits,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 && req.EstimatedCredits > 0 {
			// Another reservation consumed the balance between the check
			// and this update.
			return &creditdomain.InsufficientCreditsError{
				Requested: req.EstimatedCredits,
				Available: check.Spendable,
			}
		}
		return tx.Create(row).Error
	})
	if err != nil {
		// A concurrent request with the same key may have won the unique
		// index race; fold it into the idempotent path.
		if db.IsDuplicateKeyErr(err) {
			existing, lookupErr := s.findByIdempotencyKey(ctx, key)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				return s.replayExisting(existing, req, key)
			}
		}
		s.obs.RecordReservation(ctx, "error")
		return nil, err
	}

	s.obs.RecordReservation(ctx, "reserved")
	s.log.Debug("credits reserved",
		zap.String("org_id", req.OrganizationID.String()),
		zap.String("reservation_id", row.ID.String()),
		zap.Float64("estimated_credits", req.EstimatedCredits),
	)

	return &creditdomain.Reservation{
		ID:               row.ID,
		EstimatedCredits: row.ReservedCredits,
		ExpiresAt:        row.ExpiresAt,
		Status:           row.Status,
	}, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, key string) (*creditdomain.CreditReservation, error) {
	var row creditdomain.CreditReservation
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// replayExisting returns the stored reservation when the retry matches the
// original request exactly, and DuplicateRequestError when the same key was
// reused for a different request.
func (s *Service) replayExisting(existing *creditdomain.CreditReservation, req creditdomain.ReserveRequest, key string) (*creditdomain.Reservation, error) {
	match := existing.OrganizationID == req.OrganizationID &&
		existing.CapabilityID == req.CapabilityID &&
		existing.QualityLevelID == req.QualityLevelID &&
		existing.ReservedCredits == req.EstimatedCredits
	if !match {
		return nil, &creditdomain.DuplicateRequestError{
			IdempotencyKey:        key,
			ExistingReservationID: existing.ID,
		}
	}
	return &creditdomain.Reservation{
		ID:               existing.ID,
		EstimatedCredits: existing.ReservedCredits,
		ExpiresAt:        existing.ExpiresAt,
		Status:           existing.Status,
	}, nil
}

func (s *Service) currentPolicy() config.CreditPolicy {
	if s.policy != nil {
		return s.policy.Current()
	}
	return config.DefaultCreditPolicy()
}
