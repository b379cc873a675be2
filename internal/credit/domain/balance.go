package domain

import "time"

// BalanceSnapshot holds the derived quantities computed from a raw balance
// row. None of these are stored.
type BalanceSnapshot struct {
	Available        float64
	Spendable        float64
	MonthlyRemaining float64
}

// ComputeBalance derives available, spendable and monthly-remaining from raw
// pool values. Available is clamped at zero so transient rounding on
// reserved never surfaces as a negative balance.
func ComputeBalance(monthly, bonus, reserved, overdraft, usedThisPeriod float64) BalanceSnapshot {
	available := monthly + bonus - reserved
	if available < 0 {
		available = 0
	}
	monthlyRemaining := monthly - usedThisPeriod
	if monthlyRemaining < 0 {
		monthlyRemaining = 0
	}
	return BalanceSnapshot{
		Available:        available,
		Spendable:        available + overdraft,
		MonthlyRemaining: monthlyRemaining,
	}
}

// BalanceCheck is the result of testing an estimated cost against an
// organization's spendable balance.
type BalanceCheck struct {
	CanProceed       bool      `json:"can_proceed"`
	Available        float64   `json:"available"`
	Spendable        float64   `json:"spendable"`
	MonthlyRemaining float64   `json:"monthly_remaining"`
	BonusCredits     float64   `json:"bonus_credits"`
	ReservedCredits  float64   `json:"reserved_credits"`
	PeriodEnd        time.Time `json:"period_end"`
	EstimatedCost    float64   `json:"estimated_cost"`
	AfterOperation   float64   `json:"after_operation"`
}

// Balance is the read-only view exposed by the balance endpoint.
type Balance struct {
	OrganizationID  string    `json:"organization_id"`
	Available       float64   `json:"available"`
	Spendable       float64   `json:"spendable"`
	MonthlyCredits  float64   `json:"monthly_credits"`
	BonusCredits    float64   `json:"bonus_credits"`
	ReservedCredits float64   `json:"reserved_credits"`
	UsedThisPeriod  float64   `json:"used_this_period"`
	OverdraftLimit  float64   `json:"overdraft_limit"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
}
