package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/formlane/creditledger/internal/clock"
	"github.com/formlane/creditledger/internal/config"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	obsmetrics "github.com/formlane/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.CreditPolicyHolder `optional:"true"`
	Obs    *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.CreditPolicyHolder
	obs    *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("credit.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
		obs:    p.Obs,
	}
}

// balanceRow loads the organization's balance row. A missing row is treated
// as an all-zero balance, not an error.
func (s *Service) balanceRow(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*creditdomain.OrganizationBalance, bool, error) {
	var row creditdomain.OrganizationBalance
	err := db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &creditdomain.OrganizationBalance{OrganizationID: orgID}, false, nil
		}
		return nil, false, err
	}
	return &row, true, nil
}

func (s *Service) reservationByID(ctx context.Context, id snowflake.ID) (*creditdomain.CreditReservation, error) {
	var row creditdomain.CreditReservation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &creditdomain.ReservationNotFoundError{ReservationID: id}
		}
		return nil, err
	}
	return &row, nil
}
