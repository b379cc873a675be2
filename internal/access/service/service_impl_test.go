package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	accessdomain "github.com/formlane/creditledger/internal/access/domain"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	"go.uber.org/zap"
)

type gateStub struct {
	result *capabilitydomain.AccessResult
	err    error
}

func (g *gateStub) CheckAccess(ctx context.Context, req capabilitydomain.AccessRequest) (*capabilitydomain.AccessResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

type ledgerStub struct {
	mu sync.Mutex

	reserveErr error
	settleErr  error
	releaseErr error

	reservationID snowflake.ID

	settleCalls  []creditdomain.SettleRequest
	releaseCalls []creditdomain.ReleaseRequest
}

func (l *ledgerStub) GetBalance(ctx context.Context, orgID snowflake.ID) (*creditdomain.Balance, error) {
	return &creditdomain.Balance{}, nil
}

func (l *ledgerStub) CheckBalance(ctx context.Context, orgID snowflake.ID, estimatedCost float64) (creditdomain.BalanceCheck, error) {
	return creditdomain.BalanceCheck{CanProceed: true}, nil
}

func (l *ledgerStub) Reserve(ctx context.Context, req creditdomain.ReserveRequest) (*creditdomain.Reservation, error) {
	if l.reserveErr != nil {
		return nil, l.reserveErr
	}
	return &creditdomain.Reservation{
		ID:               l.reservationID,
		EstimatedCredits: req.EstimatedCredits,
		Status:           creditdomain.ReservationStatusPending,
	}, nil
}

func (l *ledgerStub) Settle(ctx context.Context, req creditdomain.SettleRequest) (*creditdomain.Settlement, error) {
	l.mu.Lock()
	l.settleCalls = append(l.settleCalls, req)
	l.mu.Unlock()
	if l.settleErr != nil {
		return nil, l.settleErr
	}
	return &creditdomain.Settlement{ReservationID: req.ReservationID, ActualCredits: req.ActualCredits}, nil
}

func (l *ledgerStub) Release(ctx context.Context, req creditdomain.ReleaseRequest) (*creditdomain.Release, error) {
	l.mu.Lock()
	l.releaseCalls = append(l.releaseCalls, req)
	l.mu.Unlock()
	if l.releaseErr != nil {
		return nil, l.releaseErr
	}
	return &creditdomain.Release{ReservationID: req.ReservationID}, nil
}

func (l *ledgerStub) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	return 0, nil
}

func (l *ledgerStub) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) ([]creditdomain.CreditTransaction, error) {
	return nil, nil
}

func grantedAccess(node *snowflake.Node) *capabilitydomain.AccessResult {
	return &capabilitydomain.AccessResult{
		CanProceed:     true,
		CapabilityID:   node.Generate(),
		CapabilityName: "AI Question Generation",
		SelectedQuality: capabilitydomain.QualityOption{
			ID:         node.Generate(),
			UniqueName: capabilitydomain.QualityLevelFast,
			Name:       "Fast",
			CreditCost: 2,
		},
		Credits: capabilitydomain.CreditSummary{Available: 10, Required: 2},
	}
}

func newOrchestrator(gate capabilitydomain.Service, ledger creditdomain.Service) accessdomain.Service {
	return NewService(Params{
		Log:     zap.NewNop(),
		Gate:    gate,
		Credits: ledger,
	})
}

func mustTestNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func executeReq(node *snowflake.Node, op accessdomain.Operation) accessdomain.ExecuteRequest {
	return accessdomain.ExecuteRequest{
		OrganizationID: node.Generate(),
		Capability:     "question_generation",
		IdempotencyKey: "exec-key",
		Operation:      op,
	}
}

func TestExecuteSuccessSettlesActualCost(t *testing.T) {
	node := mustTestNode(t)
	ledger := &ledgerStub{reservationID: node.Generate()}
	orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, ledger)

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		if exec.ReservationID != ledger.reservationID {
			t.Fatalf("operation received wrong reservation: %s", exec.ReservationID)
		}
		if exec.EstimatedCredits != 2 {
			t.Fatalf("estimated credits = %v, want 2", exec.EstimatedCredits)
		}
		return &accessdomain.OperationOutput{
			Result:        "generated",
			ActualCredits: 1.5,
			Provider:      creditdomain.ProviderUsage{ModelID: "model-x"},
		}, nil
	}))

	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Error)
	}
	if result.Result != "generated" {
		t.Fatalf("result payload = %v", result.Result)
	}
	if result.CreditsUsed != 1.5 {
		t.Fatalf("credits used = %v, want 1.5", result.CreditsUsed)
	}
	if result.BalanceRemaining != 8.5 {
		t.Fatalf("balance remaining = %v, want 8.5", result.BalanceRemaining)
	}

	if len(ledger.settleCalls) != 1 {
		t.Fatalf("settle calls = %d, want 1", len(ledger.settleCalls))
	}
	settle := ledger.settleCalls[0]
	if settle.ActualCredits != 1.5 {
		t.Fatalf("settled credits = %v, want actual 1.5", settle.ActualCredits)
	}
	if settle.Description != "AI Question Generation - Fast" {
		t.Fatalf("description = %q", settle.Description)
	}
	if settle.Provider.ModelID != "model-x" {
		t.Fatalf("provider usage not forwarded: %+v", settle.Provider)
	}
	if len(ledger.releaseCalls) != 0 {
		t.Fatal("success must not release")
	}
}

func TestExecuteGateDenial(t *testing.T) {
	node := mustTestNode(t)
	ledger := &ledgerStub{reservationID: node.Generate()}
	orchestrator := newOrchestrator(&gateStub{result: &capabilitydomain.AccessResult{
		CanProceed: false,
		Reason:     capabilitydomain.DenialInsufficientCredits,
		Message:    "Insufficient credits: need 2.0, have 0.0 available. You need 2.0 more credits to proceed.",
	}}, ledger)

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		t.Fatal("operation must not run when the gate denies")
		return nil, nil
	}))

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error.Code != accessdomain.CodeAccessDenied {
		t.Fatalf("code = %s, want ACCESS_DENIED", result.Error.Code)
	}
	if result.Error.Message == "" {
		t.Fatal("denial must carry the gate message")
	}
}

func TestExecuteGateErrorIsUnexpected(t *testing.T) {
	node := mustTestNode(t)
	orchestrator := newOrchestrator(&gateStub{err: errors.New("db down")}, &ledgerStub{})

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		return &accessdomain.OperationOutput{}, nil
	}))

	if result.Success || result.Error.Code != accessdomain.CodeUnexpectedError {
		t.Fatalf("gate failure must map to UNEXPECTED_ERROR, got %+v", result)
	}
}

func TestExecuteReserveFailureMapping(t *testing.T) {
	node := mustTestNode(t)

	cases := []struct {
		name string
		err  error
		want accessdomain.ErrorCode
	}{
		{"insufficient", &creditdomain.InsufficientCreditsError{Requested: 2, Available: 1}, accessdomain.CodeAccessDenied},
		{"duplicate key", &creditdomain.DuplicateRequestError{IdempotencyKey: "exec-key"}, accessdomain.CodeOperationFailed},
		{"infrastructure", errors.New("connection reset"), accessdomain.CodeUnexpectedError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := &ledgerStub{reservationID: node.Generate(), reserveErr: tc.err}
			orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, ledger)

			result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
				t.Fatal("operation must not run without a reservation")
				return nil, nil
			}))

			if result.Success || result.Error.Code != tc.want {
				t.Fatalf("code = %+v, want %s", result.Error, tc.want)
			}
		})
	}
}

func TestExecuteOperationFailureReleasesHold(t *testing.T) {
	node := mustTestNode(t)
	ledger := &ledgerStub{reservationID: node.Generate()}
	orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, ledger)

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		return nil, errors.New("model timeout")
	}))

	if result.Success || result.Error.Code != accessdomain.CodeOperationFailed {
		t.Fatalf("expected OPERATION_FAILED, got %+v", result)
	}
	if len(ledger.releaseCalls) != 1 {
		t.Fatalf("release calls = %d, want 1", len(ledger.releaseCalls))
	}
	if ledger.releaseCalls[0].Reason != "Operation failed: model timeout" {
		t.Fatalf("release reason = %q", ledger.releaseCalls[0].Reason)
	}
	if len(ledger.settleCalls) != 0 {
		t.Fatal("failed operation must not settle")
	}
}

func TestExecuteOperationPanicReleasesHold(t *testing.T) {
	node := mustTestNode(t)
	ledger := &ledgerStub{reservationID: node.Generate()}
	orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, ledger)

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		panic("boom")
	}))

	if result.Success || result.Error.Code != accessdomain.CodeOperationFailed {
		t.Fatalf("panic must map to OPERATION_FAILED, got %+v", result)
	}
	if len(ledger.releaseCalls) != 1 {
		t.Fatalf("release calls = %d, want 1", len(ledger.releaseCalls))
	}
}

func TestExecuteReleaseFailureDoesNotMaskOperationError(t *testing.T) {
	node := mustTestNode(t)
	ledger := &ledgerStub{reservationID: node.Generate(), releaseErr: errors.New("release broken")}
	orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, ledger)

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		return nil, errors.New("model timeout")
	}))

	if result.Error.Code != accessdomain.CodeOperationFailed || result.Error.Message != "model timeout" {
		t.Fatalf("release failure leaked into result: %+v", result.Error)
	}
}

func TestExecuteSettlementFailureStillSucceeds(t *testing.T) {
	node := mustTestNode(t)
	ledger := &ledgerStub{reservationID: node.Generate(), settleErr: errors.New("settle broken")}
	orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, ledger)

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		return &accessdomain.OperationOutput{Result: "delivered", ActualCredits: 2}, nil
	}))

	if !result.Success {
		t.Fatalf("settlement failure must not fail a delivered operation: %+v", result.Error)
	}
	if result.Result != "delivered" {
		t.Fatalf("result payload = %v", result.Result)
	}
	if len(ledger.releaseCalls) != 0 {
		t.Fatal("settlement failure must not release; the sweeper reclaims the hold")
	}
}

func TestExecuteNegativeCreditsFromOperation(t *testing.T) {
	node := mustTestNode(t)
	ledger := &ledgerStub{reservationID: node.Generate()}
	orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, ledger)

	result := orchestrator.ExecuteWithAccess(context.Background(), executeReq(node, func(ctx context.Context, exec accessdomain.ExecutionContext) (*accessdomain.OperationOutput, error) {
		return &accessdomain.OperationOutput{ActualCredits: -1}, nil
	}))

	if result.Success || result.Error.Code != accessdomain.CodeOperationFailed {
		t.Fatalf("negative credits must fail the operation, got %+v", result)
	}
	if len(ledger.releaseCalls) != 1 {
		t.Fatal("invalid output must release the hold")
	}
}

func TestExecuteWithoutOperation(t *testing.T) {
	node := mustTestNode(t)
	orchestrator := newOrchestrator(&gateStub{result: grantedAccess(node)}, &ledgerStub{})

	req := executeReq(node, nil)
	result := orchestrator.ExecuteWithAccess(context.Background(), req)

	if result.Success || result.Error.Code != accessdomain.CodeUnexpectedError {
		t.Fatalf("nil operation must fail fast, got %+v", result)
	}
}
