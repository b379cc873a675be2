// Package domain contains the persistence models and pure calculations for
// the credit reservation and settlement ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ReservationStatus is the lifecycle state of a credit hold. A reservation
// starts pending and transitions exactly once to settled, released or
// expired; terminal rows are never mutated again.
type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "pending"
	ReservationStatusSettled  ReservationStatus = "settled"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

func (s ReservationStatus) Terminal() bool {
	return s != ReservationStatusPending
}

type TransactionType string

const (
	// TransactionTypeAIConsumption marks ledger movements produced by
	// settling an AI operation. Other types (purchases, grants) originate
	// outside this service.
	TransactionTypeAIConsumption TransactionType = "ai_consumption"
)

// OrganizationBalance is the single shared mutable row per organization.
// It is only ever updated through conditional, transactional statements;
// the invariant reserved <= monthly + bonus + overdraft holds at every
// committed state.
type OrganizationBalance struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrganizationID snowflake.ID `gorm:"not null;uniqueIndex"`

	MonthlyCredits  float64 `gorm:"not null;default:0"`
	BonusCredits    float64 `gorm:"not null;default:0"`
	ReservedCredits float64 `gorm:"not null;default:0"`
	OverdraftLimit  float64 `gorm:"not null;default:0"`
	UsedThisPeriod  float64 `gorm:"not null;default:0"`

	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrganizationBalance) TableName() string { return "organization_credit_balances" }

// AuditContext is opaque caller context copied verbatim from a reservation
// onto its transaction. The ledger never inspects these fields.
type AuditContext struct {
	UserID           *string `json:"user_id,omitempty"`
	UserEmail        *string `json:"user_email,omitempty"`
	FormID           *string `json:"form_id,omitempty"`
	FormName         *string `json:"form_name,omitempty"`
	CustomerGoogleID *string `json:"customer_google_id,omitempty"`
}

// CreditReservation is a time-boxed hold against spendable balance.
type CreditReservation struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrganizationID snowflake.ID `gorm:"not null;index"`
	CapabilityID   snowflake.ID `gorm:"not null"`
	QualityLevelID snowflake.ID `gorm:"not null"`

	ReservedCredits float64           `gorm:"not null"`
	Status          ReservationStatus `gorm:"type:text;not null;index"`
	IdempotencyKey  string            `gorm:"type:text;not null;uniqueIndex"`
	ExpiresAt       time.Time         `gorm:"not null;index"`
	SettledCredits  *float64
	ReleaseReason   *string `gorm:"type:text"`
	ReleasedAt      *time.Time

	UserID           *string `gorm:"type:text"`
	UserEmail        *string `gorm:"type:text"`
	FormID           *string `gorm:"type:text"`
	FormName         *string `gorm:"type:text"`
	CustomerGoogleID *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditReservation) TableName() string { return "credit_reservations" }

// Audit returns the passthrough context carried by the reservation.
func (r *CreditReservation) Audit() AuditContext {
	return AuditContext{
		UserID:           r.UserID,
		UserEmail:        r.UserEmail,
		FormID:           r.FormID,
		FormName:         r.FormName,
		CustomerGoogleID: r.CustomerGoogleID,
	}
}

// CreditTransaction is one committed ledger movement. Rows are append-only
// and immutable; each settled reservation produces exactly one.
type CreditTransaction struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrganizationID snowflake.ID `gorm:"not null;index:idx_credit_transactions_org_created,priority:1"`
	CapabilityID   snowflake.ID `gorm:"not null;index"`
	QualityLevelID snowflake.ID `gorm:"not null"`

	TransactionType TransactionType `gorm:"type:text;not null"`

	// CreditsAmount is signed; consumption is negative.
	CreditsAmount float64 `gorm:"not null"`
	// EstimatedCredits records the original hold (negated) for variance
	// analysis against CreditsAmount.
	EstimatedCredits float64 `gorm:"not null"`
	// BalanceAfter snapshots monthly+bonus-reserved immediately after this
	// movement so audits never need a replay.
	BalanceAfter float64 `gorm:"not null"`

	Description    string            `gorm:"type:text;not null"`
	IdempotencyKey string            `gorm:"type:text;not null"`
	ProviderMeta   datatypes.JSONMap `gorm:"column:provider_metadata;type:jsonb"`

	UserID           *string `gorm:"type:text"`
	UserEmail        *string `gorm:"type:text"`
	FormID           *string `gorm:"type:text;index:idx_credit_transactions_customer_form,priority:1"`
	FormName         *string `gorm:"type:text"`
	CustomerGoogleID *string `gorm:"type:text;index:idx_credit_transactions_customer_form,priority:2"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_credit_transactions_org_created,priority:2"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
