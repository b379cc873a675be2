package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrganization = errors.New("organization id is required")
	ErrInvalidCapability   = errors.New("capability unique name is required")
)

// DenialReason is a machine-readable explanation of a gate denial.
type DenialReason string

const (
	DenialNoActivePlan             DenialReason = "no_active_plan"
	DenialCapabilityNotAvailable   DenialReason = "capability_not_available"
	DenialQualityLevelNotAvailable DenialReason = "quality_level_not_available"
	DenialRateLimitExceeded        DenialReason = "rate_limit_exceeded"
	DenialInsufficientCredits      DenialReason = "insufficient_credits"
)

// CapabilityDeniedError reports plan ineligibility for a capability or tier.
// Credit shortfalls are reported on the access result instead, so clients
// can distinguish 403-class denials from 402-class ones.
type CapabilityDeniedError struct {
	Reason  DenialReason
	Message string
}

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("capability denied (%s): %s", e.Reason, e.Message)
}
