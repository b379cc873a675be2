package service

import (
	"context"

	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
)

const (
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 200
)

func (s *Service) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) ([]creditdomain.CreditTransaction, error) {
	if req.OrganizationID == 0 {
		return nil, creditdomain.ErrInvalidOrganization
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultTransactionsLimit
	}
	if limit > maxTransactionsLimit {
		limit = maxTransactionsLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []creditdomain.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", req.OrganizationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
