package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// OrganizationPlanStatus enumerates plan assignment states that grant access.
type OrganizationPlanStatus string

const (
	OrganizationPlanStatusActive   OrganizationPlanStatus = "active"
	OrganizationPlanStatusTrial    OrganizationPlanStatus = "trial"
	OrganizationPlanStatusCanceled OrganizationPlanStatus = "canceled"
	OrganizationPlanStatusExpired  OrganizationPlanStatus = "expired"
)

// Granting reports whether the status entitles the organization to its plan.
func (s OrganizationPlanStatus) Granting() bool {
	return s == OrganizationPlanStatusActive || s == OrganizationPlanStatusTrial
}

// Plan is a purchasable tier in the catalog.
type Plan struct {
	ID          snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UniqueName  string       `gorm:"size:64;uniqueIndex" json:"unique_name"`
	DisplayName string       `gorm:"size:128" json:"display_name"`
	IsActive    bool         `json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (Plan) TableName() string {
	return "plans"
}

// OrganizationPlan assigns a plan to an organization.
type OrganizationPlan struct {
	ID             snowflake.ID           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrganizationID snowflake.ID           `gorm:"index:idx_organization_plans_org_status" json:"organization_id"`
	PlanID         snowflake.ID           `json:"plan_id"`
	Status         OrganizationPlanStatus `gorm:"size:16;index:idx_organization_plans_org_status" json:"status"`
	StartedAt      time.Time              `json:"started_at"`
	EndsAt         *time.Time             `json:"ends_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (OrganizationPlan) TableName() string {
	return "organization_plans"
}

// Capability is a gated AI feature, e.g. question generation.
type Capability struct {
	ID         snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UniqueName string       `gorm:"size:64;uniqueIndex" json:"unique_name"`
	Name       string       `gorm:"size:128" json:"name"`
	IsActive   bool         `json:"is_active"`

	// Base estimated credit cost per quality tier. The final estimate is
	// base * quality level multiplier.
	EstimatedCreditsFast     float64 `json:"estimated_credits_fast"`
	EstimatedCreditsEnhanced float64 `json:"estimated_credits_enhanced"`
	EstimatedCreditsPremium  float64 `json:"estimated_credits_premium"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Capability) TableName() string {
	return "capabilities"
}

// BaseCost returns the base estimate for a quality tier unique name.
func (c Capability) BaseCost(qualityUniqueName string) float64 {
	switch qualityUniqueName {
	case QualityLevelEnhanced:
		return c.EstimatedCreditsEnhanced
	case QualityLevelPremium:
		return c.EstimatedCreditsPremium
	default:
		return c.EstimatedCreditsFast
	}
}

// Well-known quality tier unique names.
const (
	QualityLevelFast     = "fast"
	QualityLevelEnhanced = "enhanced"
	QualityLevelPremium  = "premium"
)

// QualityLevel is a tier affecting model choice and estimated cost.
type QualityLevel struct {
	ID               snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UniqueName       string       `gorm:"size:64;uniqueIndex" json:"unique_name"`
	Name             string       `gorm:"size:128" json:"name"`
	CreditMultiplier float64      `json:"credit_multiplier"`
	DisplayOrder     int          `json:"display_order"`
	IsActive         bool         `json:"is_active"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (QualityLevel) TableName() string {
	return "quality_levels"
}

// PlanCapability grants a capability to a plan with optional rate limits.
// Nil limits mean unlimited.
type PlanCapability struct {
	ID           snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PlanID       snowflake.ID `gorm:"index:idx_plan_capabilities_plan_capability,unique" json:"plan_id"`
	CapabilityID snowflake.ID `gorm:"index:idx_plan_capabilities_plan_capability,unique" json:"capability_id"`
	IsEnabled    bool         `json:"is_enabled"`
	HourlyLimit  *int64       `json:"hourly_limit,omitempty"`
	DailyLimit   *int64       `json:"daily_limit,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (PlanCapability) TableName() string {
	return "plan_capabilities"
}

// PlanCapabilityQualityLevel enables a quality tier for a plan capability.
type PlanCapabilityQualityLevel struct {
	ID               snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PlanCapabilityID snowflake.ID `gorm:"index:idx_plan_capability_quality_levels_pair,unique" json:"plan_capability_id"`
	QualityLevelID   snowflake.ID `gorm:"index:idx_plan_capability_quality_levels_pair,unique" json:"quality_level_id"`
	CreatedAt        time.Time    `json:"created_at"`
}

func (PlanCapabilityQualityLevel) TableName() string {
	return "plan_capability_quality_levels"
}
