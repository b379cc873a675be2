package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	obsmetrics "github.com/formlane/creditledger/internal/observability/metrics"
	usagedomain "github.com/formlane/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Params declares dependencies for the capability gate.
type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Credits creditdomain.Service
	Usage   usagedomain.Service
	Obs     *obsmetrics.Metrics `optional:"true"`
}

// Service resolves plan entitlements into access decisions. The catalog is
// read-only here; the gate never mutates balances or reservations.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	credits creditdomain.Service
	usage   usagedomain.Service
	obs     *obsmetrics.Metrics
}

func NewService(p Params) capabilitydomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("capability.service"),
		credits: p.Credits,
		usage:   p.Usage,
		obs:     p.Obs,
	}
}

// CheckAccess authorizes (organization, capability, quality tier) in stages:
// plan, capability grant, tier grant, rate limits, then balance. Capability
// checks run before credit checks so a plan-ineligible operation never
// produces a credits-flavored denial.
func (s *Service) CheckAccess(ctx context.Context, req capabilitydomain.AccessRequest) (*capabilitydomain.AccessResult, error) {
	if req.OrganizationID == 0 {
		return nil, capabilitydomain.ErrInvalidOrganization
	}
	capabilityName := strings.TrimSpace(req.Capability)
	if capabilityName == "" {
		return nil, capabilitydomain.ErrInvalidCapability
	}
	requestedTier := strings.TrimSpace(req.QualityLevel)

	plan, found, err := s.grantingPlan(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !found {
		return s.deny(ctx, capabilitydomain.DenialNoActivePlan,
			"Your subscription is not active. Please renew to use AI features.", nil), nil
	}

	capability, found, err := s.activeCapability(ctx, capabilityName)
	if err != nil {
		return nil, err
	}
	if !found {
		return s.deny(ctx, capabilitydomain.DenialCapabilityNotAvailable,
			fmt.Sprintf("The %q feature is not available.", capabilityName), nil), nil
	}

	planCap, found, err := s.planCapability(ctx, plan.PlanID, capability.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		return s.deny(ctx, capabilitydomain.DenialCapabilityNotAvailable,
			fmt.Sprintf("The %q feature is not included in your current plan.", capability.Name), capability), nil
	}

	tiers, err := s.grantedTiers(ctx, planCap.ID, capability)
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return s.deny(ctx, capabilitydomain.DenialCapabilityNotAvailable,
			fmt.Sprintf("The %q feature is not included in your current plan.", capability.Name), capability), nil
	}

	selected, ok := selectTier(tiers, requestedTier)
	if !ok {
		result := s.deny(ctx, capabilitydomain.DenialQualityLevelNotAvailable,
			fmt.Sprintf("The %q quality level is not available on your plan. Available: %s",
				requestedTier, tierNames(tiers)), capability)
		result.AvailableTiers = tiers
		return result, nil
	}

	result := &capabilitydomain.AccessResult{
		CapabilityID:    capability.ID,
		CapabilityName:  capability.Name,
		SelectedQuality: selected,
		AvailableTiers:  tiers,
		HourlyLimit:     planCap.HourlyLimit,
		DailyLimit:      planCap.DailyLimit,
	}

	if planCap.HourlyLimit != nil || planCap.DailyLimit != nil {
		usage, err := s.usage.CapabilityUsage(ctx, req.OrganizationID, capability.ID)
		if err != nil {
			return nil, err
		}
		result.UsedThisHour = usage.UsedThisHour
		result.UsedToday = usage.UsedToday

		if planCap.HourlyLimit != nil && usage.UsedThisHour >= *planCap.HourlyLimit {
			return s.denyResult(ctx, result, capabilitydomain.DenialRateLimitExceeded,
				fmt.Sprintf("You've reached the hourly limit (%d requests) for %q. Try again in a few minutes.",
					*planCap.HourlyLimit, capability.Name)), nil
		}
		if planCap.DailyLimit != nil && usage.UsedToday >= *planCap.DailyLimit {
			return s.denyResult(ctx, result, capabilitydomain.DenialRateLimitExceeded,
				fmt.Sprintf("You've reached the daily limit (%d requests) for %q. Your limit resets at midnight UTC.",
					*planCap.DailyLimit, capability.Name)), nil
		}
	}

	check, err := s.credits.CheckBalance(ctx, req.OrganizationID, selected.CreditCost)
	if err != nil {
		return nil, err
	}
	result.Credits = capabilitydomain.CreditSummary{
		Available:      check.Spendable,
		Required:       selected.CreditCost,
		AfterOperation: check.AfterOperation,
	}
	if !check.CanProceed {
		shortfall := selected.CreditCost - check.Spendable
		return s.denyResult(ctx, result, capabilitydomain.DenialInsufficientCredits,
			fmt.Sprintf("Insufficient credits: need %.1f, have %.1f available. You need %.1f more credits to proceed.",
				selected.CreditCost, check.Spendable, shortfall)), nil
	}

	result.CanProceed = true
	return result, nil
}

func (s *Service) grantingPlan(ctx context.Context, organizationID snowflake.ID) (*capabilitydomain.OrganizationPlan, bool, error) {
	var row capabilitydomain.OrganizationPlan
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND status IN ?", organizationID, []capabilitydomain.OrganizationPlanStatus{
			capabilitydomain.OrganizationPlanStatusActive,
			capabilitydomain.OrganizationPlanStatusTrial,
		}).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &row, true, nil
}

func (s *Service) activeCapability(ctx context.Context, uniqueName string) (*capabilitydomain.Capability, bool, error) {
	var row capabilitydomain.Capability
	err := s.db.WithContext(ctx).
		Where("unique_name = ? AND is_active = ?", uniqueName, true).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &row, true, nil
}

func (s *Service) planCapability(ctx context.Context, planID, capabilityID snowflake.ID) (*capabilitydomain.PlanCapability, bool, error) {
	var row capabilitydomain.PlanCapability
	err := s.db.WithContext(ctx).
		Where("plan_id = ? AND capability_id = ? AND is_enabled = ?", planID, capabilityID, true).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &row, true, nil
}

func (s *Service) grantedTiers(ctx context.Context, planCapabilityID snowflake.ID, capability *capabilitydomain.Capability) ([]capabilitydomain.QualityOption, error) {
	var levels []capabilitydomain.QualityLevel
	err := s.db.WithContext(ctx).
		Joins("JOIN plan_capability_quality_levels pcql ON pcql.quality_level_id = quality_levels.id").
		Where("pcql.plan_capability_id = ? AND quality_levels.is_active = ?", planCapabilityID, true).
		Order("quality_levels.display_order ASC").
		Find(&levels).Error
	if err != nil {
		return nil, err
	}

	options := make([]capabilitydomain.QualityOption, 0, len(levels))
	for _, level := range levels {
		multiplier := level.CreditMultiplier
		if multiplier <= 0 {
			multiplier = 1
		}
		options = append(options, capabilitydomain.QualityOption{
			ID:         level.ID,
			UniqueName: level.UniqueName,
			Name:       level.Name,
			CreditCost: capability.BaseCost(level.UniqueName) * multiplier,
		})
	}
	return options, nil
}

func selectTier(tiers []capabilitydomain.QualityOption, requested string) (capabilitydomain.QualityOption, bool) {
	if requested == "" {
		return tiers[0], true
	}
	for _, tier := range tiers {
		if tier.UniqueName == requested {
			return tier, true
		}
	}
	return capabilitydomain.QualityOption{}, false
}

func tierNames(tiers []capabilitydomain.QualityOption) string {
	names := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		names = append(names, tier.UniqueName)
	}
	return strings.Join(names, ", ")
}

func (s *Service) deny(ctx context.Context, reason capabilitydomain.DenialReason, message string, capability *capabilitydomain.Capability) *capabilitydomain.AccessResult {
	result := &capabilitydomain.AccessResult{}
	if capability != nil {
		result.CapabilityID = capability.ID
		result.CapabilityName = capability.Name
	}
	return s.denyResult(ctx, result, reason, message)
}

func (s *Service) denyResult(ctx context.Context, result *capabilitydomain.AccessResult, reason capabilitydomain.DenialReason, message string) *capabilitydomain.AccessResult {
	result.CanProceed = false
	result.Reason = reason
	result.Message = message
	s.obs.RecordAccessDenial(ctx, string(reason))
	s.log.Debug("access denied",
		zap.String("reason", string(reason)),
		zap.String("capability", result.CapabilityName),
	)
	return result
}
