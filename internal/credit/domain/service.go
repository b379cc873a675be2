package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service is the credit ledger: a two-phase reserve -> settle/release
// protocol over the organization balance row. All state transitions run in
// one database transaction each.
type Service interface {
	GetBalance(ctx context.Context, orgID snowflake.ID) (*Balance, error)
	CheckBalance(ctx context.Context, orgID snowflake.ID, estimatedCost float64) (BalanceCheck, error)

	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	Settle(ctx context.Context, req SettleRequest) (*Settlement, error)
	Release(ctx context.Context, req ReleaseRequest) (*Release, error)

	// ExpireOverdue reclaims pending holds past their deadline,
	// transitioning them to expired. Returns the number reclaimed.
	ExpireOverdue(ctx context.Context, limit int) (int, error)

	ListTransactions(ctx context.Context, req ListTransactionsRequest) ([]CreditTransaction, error)
}

// ReserveRequest creates a time-boxed hold before an operation runs.
type ReserveRequest struct {
	OrganizationID   snowflake.ID
	EstimatedCredits float64
	CapabilityID     snowflake.ID
	QualityLevelID   snowflake.ID
	IdempotencyKey   string

	// ExpiresIn bounds the hold lifetime; zero means the policy default.
	ExpiresIn time.Duration

	Audit AuditContext
}

// Reservation is the outcome of a successful (or idempotently replayed)
// reserve call.
type Reservation struct {
	ID               snowflake.ID      `json:"id"`
	EstimatedCredits float64           `json:"estimated_credits"`
	ExpiresAt        time.Time         `json:"expires_at"`
	Status           ReservationStatus `json:"status"`
}

// ProviderUsage is opaque provider accounting attached to a settlement.
type ProviderUsage struct {
	ProviderID      string  `json:"provider_id,omitempty"`
	ModelID         string  `json:"model_id,omitempty"`
	InputTokens     int64   `json:"input_tokens,omitempty"`
	OutputTokens    int64   `json:"output_tokens,omitempty"`
	ProviderCostUSD float64 `json:"provider_cost_usd,omitempty"`
}

func (u ProviderUsage) Empty() bool {
	return u.ProviderID == "" && u.ModelID == "" &&
		u.InputTokens == 0 && u.OutputTokens == 0 && u.ProviderCostUSD == 0
}

// SettleRequest converts a pending hold into a permanent ledger entry.
type SettleRequest struct {
	ReservationID snowflake.ID
	ActualCredits float64
	Description   string
	Provider      ProviderUsage
}

// Settlement is the outcome of a successful settle call.
type Settlement struct {
	TransactionID   snowflake.ID `json:"transaction_id"`
	ReservationID   snowflake.ID `json:"reservation_id"`
	ActualCredits   float64      `json:"actual_credits"`
	MonthlyDeducted float64      `json:"monthly_deducted"`
	BonusDeducted   float64      `json:"bonus_deducted"`
}

// ReleaseRequest returns a pending hold to the spendable pool.
type ReleaseRequest struct {
	ReservationID snowflake.ID
	Reason        string
}

// Release is the outcome of a release call. Releasing a reservation that is
// already released or expired succeeds with WasAlreadyReleased set.
type Release struct {
	ReservationID      snowflake.ID      `json:"reservation_id"`
	ReleasedCredits    float64           `json:"released_credits"`
	Status             ReservationStatus `json:"status"`
	WasAlreadyReleased bool              `json:"was_already_released"`
}

// ListTransactionsRequest pages through an organization's ledger history,
// newest first.
type ListTransactionsRequest struct {
	OrganizationID snowflake.ID
	Limit          int
	Offset         int
}
