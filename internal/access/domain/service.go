package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
)

// ErrorCode is the coarse outcome classification exposed to callers. The
// orchestrator is the single place ledger errors collapse into these codes.
type ErrorCode string

const (
	CodeAccessDenied    ErrorCode = "ACCESS_DENIED"
	CodeOperationFailed ErrorCode = "OPERATION_FAILED"
	CodeUnexpectedError ErrorCode = "UNEXPECTED_ERROR"
)

// ExecutionContext is handed to the caller-supplied operation once credits
// are reserved.
type ExecutionContext struct {
	ReservationID    snowflake.ID
	CapabilityID     snowflake.ID
	QualityLevelID   snowflake.ID
	EstimatedCredits float64
}

// OperationOutput is what a successful operation reports back for settlement.
type OperationOutput struct {
	Result        any
	ActualCredits float64
	Provider      creditdomain.ProviderUsage
}

// Operation is the caller-supplied unit of work, typically an AI call. It
// must return the actual cost so the hold can be settled.
type Operation func(ctx context.Context, exec ExecutionContext) (*OperationOutput, error)

// ExecuteRequest parameterizes one orchestrated run.
type ExecuteRequest struct {
	OrganizationID snowflake.ID
	Capability     string
	QualityLevel   string
	IdempotencyKey string
	Audit          creditdomain.AuditContext
	Operation      Operation
}

// ExecutionError carries the coarse code plus the original message for
// diagnostics.
type ExecutionError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ExecutionResult is the discriminated outcome of ExecuteWithAccess.
type ExecutionResult struct {
	Success          bool            `json:"success"`
	Result           any             `json:"result,omitempty"`
	CreditsUsed      float64         `json:"credits_used,omitempty"`
	BalanceRemaining float64         `json:"balance_remaining,omitempty"`
	Error            *ExecutionError `json:"error,omitempty"`
}

// Service sequences gate, reservation, operation and settlement or release.
type Service interface {
	// ExecuteWithAccess never returns a Go error: every failure mode is
	// folded into the result so callers handle one shape. Once a
	// reservation exists it is always resolved exactly once, by settle on
	// success or release on failure.
	ExecuteWithAccess(ctx context.Context, req ExecuteRequest) *ExecutionResult
}
