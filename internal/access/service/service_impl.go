package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accessdomain "github.com/formlane/creditledger/internal/access/domain"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params declares dependencies for the orchestrator.
type Params struct {
	fx.In

	Log     *zap.Logger
	Gate    capabilitydomain.Service
	Credits creditdomain.Service
}

// Service runs the full two-phase flow around a caller-supplied operation.
type Service struct {
	log     *zap.Logger
	gate    capabilitydomain.Service
	credits creditdomain.Service
}

func NewService(p Params) accessdomain.Service {
	return &Service{
		log:     p.Log.Named("access.service"),
		gate:    p.Gate,
		credits: p.Credits,
	}
}

// ExecuteWithAccess gates, reserves, runs the operation, then settles or
// releases. A settlement failure after a successful operation is logged but
// does not fail the call, since the work was already delivered; the expiry
// sweeper reclaims the stranded hold.
func (s *Service) ExecuteWithAccess(ctx context.Context, req accessdomain.ExecuteRequest) *accessdomain.ExecutionResult {
	if req.Operation == nil {
		return failure(accessdomain.CodeUnexpectedError, "no operation supplied")
	}

	access, err := s.gate.CheckAccess(ctx, capabilitydomain.AccessRequest{
		OrganizationID: req.OrganizationID,
		Capability:     req.Capability,
		QualityLevel:   req.QualityLevel,
	})
	if err != nil {
		s.log.Error("access check failed", zap.Error(err))
		return failure(accessdomain.CodeUnexpectedError, "failed to check access")
	}
	if !access.CanProceed {
		message := access.Message
		if message == "" {
			message = "access denied"
		}
		return failure(accessdomain.CodeAccessDenied, message)
	}

	reservation, err := s.credits.Reserve(ctx, creditdomain.ReserveRequest{
		OrganizationID:   req.OrganizationID,
		EstimatedCredits: access.SelectedQuality.CreditCost,
		CapabilityID:     access.CapabilityID,
		QualityLevelID:   access.SelectedQuality.ID,
		IdempotencyKey:   req.IdempotencyKey,
		Audit:            req.Audit,
	})
	if err != nil {
		return s.reserveFailure(err)
	}

	exec := accessdomain.ExecutionContext{
		ReservationID:    reservation.ID,
		CapabilityID:     access.CapabilityID,
		QualityLevelID:   access.SelectedQuality.ID,
		EstimatedCredits: access.SelectedQuality.CreditCost,
	}

	output, err := runOperation(ctx, req.Operation, exec)
	if err != nil {
		s.safeRelease(ctx, reservation.ID, fmt.Sprintf("Operation failed: %v", err))
		return failure(accessdomain.CodeOperationFailed, err.Error())
	}

	description := access.CapabilityName
	if access.SelectedQuality.Name != "" {
		description = access.CapabilityName + " - " + access.SelectedQuality.Name
	}
	if _, err := s.credits.Settle(ctx, creditdomain.SettleRequest{
		ReservationID: reservation.ID,
		ActualCredits: output.ActualCredits,
		Description:   description,
		Provider:      output.Provider,
	}); err != nil {
		s.log.Error("credit settlement failed",
			zap.String("reservation_id", reservation.ID.String()),
			zap.Error(err),
		)
	}

	remaining := access.Credits.Available - output.ActualCredits
	if remaining < 0 {
		remaining = 0
	}
	return &accessdomain.ExecutionResult{
		Success:          true,
		Result:           output.Result,
		CreditsUsed:      output.ActualCredits,
		BalanceRemaining: remaining,
	}
}

func (s *Service) reserveFailure(err error) *accessdomain.ExecutionResult {
	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return failure(accessdomain.CodeAccessDenied, insufficient.Error())
	}
	var duplicate *creditdomain.DuplicateRequestError
	if errors.As(err, &duplicate) {
		return failure(accessdomain.CodeOperationFailed, duplicate.Error())
	}
	s.log.Error("credit reservation failed", zap.Error(err))
	return failure(accessdomain.CodeUnexpectedError, "failed to reserve credits")
}

// runOperation shields the ledger from panicking operations; a panic releases
// the hold like any other failure.
func runOperation(ctx context.Context, op accessdomain.Operation, exec accessdomain.ExecutionContext) (output *accessdomain.OperationOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	output, err = op(ctx, exec)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, errors.New("operation returned no output")
	}
	if output.ActualCredits < 0 {
		return nil, fmt.Errorf("operation reported negative credits: %f", output.ActualCredits)
	}
	return output, nil
}

// safeRelease frees the hold without letting a release failure mask the
// original operation error.
func (s *Service) safeRelease(ctx context.Context, reservationID snowflake.ID, reason string) {
	if _, err := s.credits.Release(ctx, creditdomain.ReleaseRequest{
		ReservationID: reservationID,
		Reason:        reason,
	}); err != nil {
		s.log.Error("failed to release credits",
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err),
		)
	}
}

func failure(code accessdomain.ErrorCode, message string) *accessdomain.ExecutionResult {
	return &accessdomain.ExecutionResult{
		Success: false,
		Error: &accessdomain.ExecutionError{
			Code:    code,
			Message: message,
		},
	}
}
