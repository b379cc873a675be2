package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CapabilityUsage counts an organization's consumption of one capability
// within the current hour and the current UTC day.
type CapabilityUsage struct {
	UsedThisHour int64     `json:"used_this_hour"`
	UsedToday    int64     `json:"used_today"`
	HourStart    time.Time `json:"hour_start"`
	DayStart     time.Time `json:"day_start"`
}

// CustomerUsage counts consumption attributed to one end customer on one
// form within a rolling window, independent of organization billing.
type CustomerUsage struct {
	GenerationsUsed int64     `json:"generations_used"`
	WindowHours     int       `json:"window_hours"`
	Limit           int64     `json:"limit"`
	LimitReached    bool      `json:"limit_reached"`
	WindowStart     time.Time `json:"window_start"`
}

// Service provides read-only usage counters over the transaction ledger.
// Counters are advisory inputs to rate limiting; they never mutate state.
type Service interface {
	CapabilityUsage(ctx context.Context, organizationID, capabilityID snowflake.ID) (*CapabilityUsage, error)
	CustomerUsage(ctx context.Context, formID, customerGoogleID string) (*CustomerUsage, error)
}
