package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// AccessRequest identifies the organization, capability and optional quality
// tier to authorize. Capability and QualityLevel are unique names, not ids.
type AccessRequest struct {
	OrganizationID snowflake.ID
	Capability     string
	QualityLevel   string
}

// QualityOption is a quality tier the plan grants for a capability, with its
// estimated credit cost already multiplied out.
type QualityOption struct {
	ID         snowflake.ID `json:"id"`
	UniqueName string       `json:"unique_name"`
	Name       string       `json:"name"`
	CreditCost float64      `json:"credit_cost"`
}

// CreditSummary carries the balance view attached to an access decision.
type CreditSummary struct {
	Available      float64 `json:"available"`
	Required       float64 `json:"required"`
	AfterOperation float64 `json:"after_operation"`
}

// AccessResult is the unified gate decision. A denial sets CanProceed false
// with a machine-readable reason and a human-readable message; it is a normal
// result, not an error. Errors are reserved for infrastructure failures.
type AccessResult struct {
	CanProceed bool         `json:"can_proceed"`
	Reason     DenialReason `json:"reason,omitempty"`
	Message    string       `json:"message,omitempty"`

	CapabilityID    snowflake.ID    `json:"capability_id"`
	CapabilityName  string          `json:"capability_name"`
	SelectedQuality QualityOption   `json:"selected_quality"`
	AvailableTiers  []QualityOption `json:"available_tiers,omitempty"`

	HourlyLimit  *int64 `json:"hourly_limit,omitempty"`
	DailyLimit   *int64 `json:"daily_limit,omitempty"`
	UsedThisHour int64  `json:"used_this_hour"`
	UsedToday    int64  `json:"used_today"`

	Credits CreditSummary `json:"credits"`
}

// Service is the capability gate.
type Service interface {
	// CheckAccess resolves plan, capability, quality tier, rate limits and
	// balance into a single decision.
	CheckAccess(ctx context.Context, req AccessRequest) (*AccessResult, error)
}
