package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/formlane/creditledger/internal/clock"
	"github.com/formlane/creditledger/internal/config"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	usagedomain "github.com/formlane/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Params declares dependencies for the usage service.
type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Policy *config.CreditPolicyHolder `optional:"true"`
}

// Service counts ledger consumption for rate-limit decisions. Windows are
// computed at call time against the injected clock, never stored.
type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	policy *config.CreditPolicyHolder
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("usage.service"),
		clock:  p.Clock,
		policy: p.Policy,
	}
}

// CapabilityUsage counts ai_consumption transactions for the organization
// and capability within the current hour and the current UTC day.
func (s *Service) CapabilityUsage(ctx context.Context, organizationID, capabilityID snowflake.ID) (*usagedomain.CapabilityUsage, error) {
	now := s.clock.Now().UTC()
	hourStart := now.Truncate(time.Hour)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	usedToday, err := s.countSince(ctx, organizationID, capabilityID, dayStart)
	if err != nil {
		return nil, err
	}

	// The hour window is a subset of the day window; reuse the day count
	// when the day began inside the current hour.
	usedThisHour := usedToday
	if hourStart.After(dayStart) {
		usedThisHour, err = s.countSince(ctx, organizationID, capabilityID, hourStart)
		if err != nil {
			return nil, err
		}
	}

	return &usagedomain.CapabilityUsage{
		UsedThisHour: usedThisHour,
		UsedToday:    usedToday,
		HourStart:    hourStart,
		DayStart:     dayStart,
	}, nil
}

// CustomerUsage counts ai_consumption transactions for one (form, customer)
// pair within the rolling anti-abuse window from the credit policy.
func (s *Service) CustomerUsage(ctx context.Context, formID, customerGoogleID string) (*usagedomain.CustomerUsage, error) {
	formID = strings.TrimSpace(formID)
	customerGoogleID = strings.TrimSpace(customerGoogleID)

	policy := s.currentPolicy()
	windowHours := policy.CustomerWindowHours
	limit := int64(policy.CustomerWindowLimit)
	windowStart := s.clock.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	// Unattributed consumption cannot be rate limited per customer.
	if formID == "" || customerGoogleID == "" {
		return &usagedomain.CustomerUsage{
			WindowHours: windowHours,
			Limit:       limit,
			WindowStart: windowStart,
		}, nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Where("transaction_type = ?", creditdomain.TransactionTypeAIConsumption).
		Where("form_id = ? AND customer_google_id = ?", formID, customerGoogleID).
		Where("created_at >= ?", windowStart).
		Count(&count).Error
	if err != nil {
		return nil, err
	}

	return &usagedomain.CustomerUsage{
		GenerationsUsed: count,
		WindowHours:     windowHours,
		Limit:           limit,
		LimitReached:    limit > 0 && count >= limit,
		WindowStart:     windowStart,
	}, nil
}

func (s *Service) countSince(ctx context.Context, organizationID, capabilityID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Where("organization_id = ? AND capability_id = ?", organizationID, capabilityID).
		Where("transaction_type = ?", creditdomain.TransactionTypeAIConsumption).
		Where("created_at >= ?", since).
		Count(&count).Error
	return count, err
}

func (s *Service) currentPolicy() config.CreditPolicy {
	if s.policy != nil {
		return s.policy.Current()
	}
	return config.DefaultCreditPolicy()
}
