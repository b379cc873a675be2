package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	"gorm.io/gorm"
)

const defaultPlanName = "standard"

type capabilitySpec struct {
	UniqueName   string
	Name         string
	CostFast     float64
	CostEnhanced float64
	CostPremium  float64
	HourlyLimit  *int64
	DailyLimit   *int64
}

type qualitySpec struct {
	UniqueName   string
	Name         string
	Multiplier   float64
	DisplayOrder int
}

func limit(n int64) *int64 { return &n }

func defaultCapabilities() []capabilitySpec {
	return []capabilitySpec{
		{
			UniqueName:   "question_generation",
			Name:         "AI Question Generation",
			CostFast:     1.0,
			CostEnhanced: 1.5,
			CostPremium:  3.0,
			HourlyLimit:  limit(30),
			DailyLimit:   limit(200),
		},
		{
			UniqueName:   "testimonial_assembly",
			Name:         "AI Testimonial Assembly",
			CostFast:     1.5,
			CostEnhanced: 2.5,
			CostPremium:  4.0,
			HourlyLimit:  limit(60),
			DailyLimit:   limit(500),
		},
	}
}

func defaultQualityLevels() []qualitySpec {
	return []qualitySpec{
		{UniqueName: capabilitydomain.QualityLevelFast, Name: "Fast", Multiplier: 1.0, DisplayOrder: 1},
		{UniqueName: capabilitydomain.QualityLevelEnhanced, Name: "Enhanced", Multiplier: 1.5, DisplayOrder: 2},
		{UniqueName: capabilitydomain.QualityLevelPremium, Name: "Premium", Multiplier: 2.0, DisplayOrder: 3},
	}
}

// EnsureDefaultCatalog seeds the default plan, capabilities and quality tiers
// for startup bootstrap. It is idempotent and safe to run on every boot.
func EnsureDefaultCatalog(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := ensureDefaultPlanTx(ctx, tx, node)
		if err != nil {
			return err
		}

		levels := make([]capabilitydomain.QualityLevel, 0, 3)
		for _, spec := range defaultQualityLevels() {
			level, err := ensureQualityLevelTx(ctx, tx, node, spec)
			if err != nil {
				return err
			}
			levels = append(levels, level)
		}

		for _, spec := range defaultCapabilities() {
			capability, err := ensureCapabilityTx(ctx, tx, node, spec)
			if err != nil {
				return err
			}
			grant, err := ensurePlanCapabilityTx(ctx, tx, node, plan.ID, capability.ID, spec)
			if err != nil {
				return err
			}
			for _, level := range levels {
				if err := ensureGrantTierTx(ctx, tx, node, grant.ID, level.ID); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func ensureDefaultPlanTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (capabilitydomain.Plan, error) {
	var plan capabilitydomain.Plan
	err := tx.WithContext(ctx).Where("unique_name = ?", defaultPlanName).First(&plan).Error
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return plan, err
	}
	now := time.Now().UTC()
	plan = capabilitydomain.Plan{
		ID:          node.Generate(),
		UniqueName:  defaultPlanName,
		DisplayName: "Standard",
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(&plan).Error; err != nil {
		return plan, err
	}
	return plan, nil
}

func ensureQualityLevelTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, spec qualitySpec) (capabilitydomain.QualityLevel, error) {
	var level capabilitydomain.QualityLevel
	err := tx.WithContext(ctx).Where("unique_name = ?", spec.UniqueName).First(&level).Error
	if err == nil {
		return level, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return level, err
	}
	now := time.Now().UTC()
	level = capabilitydomain.QualityLevel{
		ID:               node.Generate(),
		UniqueName:       spec.UniqueName,
		Name:             spec.Name,
		CreditMultiplier: spec.Multiplier,
		DisplayOrder:     spec.DisplayOrder,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.WithContext(ctx).Create(&level).Error; err != nil {
		return level, err
	}
	return level, nil
}

func ensureCapabilityTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, spec capabilitySpec) (capabilitydomain.Capability, error) {
	var capability capabilitydomain.Capability
	err := tx.WithContext(ctx).Where("unique_name = ?", spec.UniqueName).First(&capability).Error
	if err == nil {
		return capability, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return capability, err
	}
	now := time.Now().UTC()
	capability = capabilitydomain.Capability{
		ID:                       node.Generate(),
		UniqueName:               spec.UniqueName,
		Name:                     spec.Name,
		IsActive:                 true,
		EstimatedCreditsFast:     spec.CostFast,
		EstimatedCreditsEnhanced: spec.CostEnhanced,
		EstimatedCreditsPremium:  spec.CostPremium,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := tx.WithContext(ctx).Create(&capability).Error; err != nil {
		return capability, err
	}
	return capability, nil
}

func ensurePlanCapabilityTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, planID, capabilityID snowflake.ID, spec capabilitySpec) (capabilitydomain.PlanCapability, error) {
	var grant capabilitydomain.PlanCapability
	err := tx.WithContext(ctx).
		Where("plan_id = ? AND capability_id = ?", planID, capabilityID).
		First(&grant).Error
	if err == nil {
		return grant, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return grant, err
	}
	now := time.Now().UTC()
	grant = capabilitydomain.PlanCapability{
		ID:           node.Generate(),
		PlanID:       planID,
		CapabilityID: capabilityID,
		IsEnabled:    true,
		HourlyLimit:  spec.HourlyLimit,
		DailyLimit:   spec.DailyLimit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).Create(&grant).Error; err != nil {
		return grant, err
	}
	return grant, nil
}

func ensureGrantTierTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, grantID, levelID snowflake.ID) error {
	var link capabilitydomain.PlanCapabilityQualityLevel
	err := tx.WithContext(ctx).
		Where("plan_capability_id = ? AND quality_level_id = ?", grantID, levelID).
		First(&link).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	link = capabilitydomain.PlanCapabilityQualityLevel{
		ID:               node.Generate(),
		PlanCapabilityID: grantID,
		QualityLevelID:   levelID,
		CreatedAt:        time.Now().UTC(),
	}
	return tx.WithContext(ctx).Create(&link).Error
}
