package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	usagedomain "github.com/formlane/creditledger/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type creditStub struct {
	spendable  float64
	canProceed bool
	err        error
}

func (c *creditStub) GetBalance(ctx context.Context, orgID snowflake.ID) (*creditdomain.Balance, error) {
	return &creditdomain.Balance{Spendable: c.spendable}, nil
}

func (c *creditStub) CheckBalance(ctx context.Context, orgID snowflake.ID, estimatedCost float64) (creditdomain.BalanceCheck, error) {
	if c.err != nil {
		return creditdomain.BalanceCheck{}, c.err
	}
	return creditdomain.BalanceCheck{
		CanProceed:     c.canProceed,
		Available:      c.spendable,
		Spendable:      c.spendable,
		EstimatedCost:  estimatedCost,
		AfterOperation: c.spendable - estimatedCost,
	}, nil
}

func (c *creditStub) Reserve(ctx context.Context, req creditdomain.ReserveRequest) (*creditdomain.Reservation, error) {
	return nil, nil
}

func (c *creditStub) Settle(ctx context.Context, req creditdomain.SettleRequest) (*creditdomain.Settlement, error) {
	return nil, nil
}

func (c *creditStub) Release(ctx context.Context, req creditdomain.ReleaseRequest) (*creditdomain.Release, error) {
	return nil, nil
}

func (c *creditStub) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	return 0, nil
}

func (c *creditStub) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) ([]creditdomain.CreditTransaction, error) {
	return nil, nil
}

type usageStub struct {
	usedThisHour int64
	usedToday    int64
}

func (u *usageStub) CapabilityUsage(ctx context.Context, organizationID, capabilityID snowflake.ID) (*usagedomain.CapabilityUsage, error) {
	return &usagedomain.CapabilityUsage{
		UsedThisHour: u.usedThisHour,
		UsedToday:    u.usedToday,
	}, nil
}

func (u *usageStub) CustomerUsage(ctx context.Context, formID, customerGoogleID string) (*usagedomain.CustomerUsage, error) {
	return &usagedomain.CustomerUsage{}, nil
}

type catalog struct {
	node         *snowflake.Node
	orgID        snowflake.ID
	planID       snowflake.ID
	capabilityID snowflake.ID
	planCapID    snowflake.ID
	fastID       snowflake.ID
	premiumID    snowflake.ID
}

func setupGate(t *testing.T, credits creditdomain.Service, usage usagedomain.Service) (capabilitydomain.Service, *gorm.DB, *catalog) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	prepareCatalogSchema(t, db)

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	cat := seedCatalog(t, db, node)

	service := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Credits: credits,
		Usage:   usage,
	})
	return service, db, cat
}

func prepareCatalogSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	statements := []string{
		`CREATE TABLE plans (
			id BIGINT PRIMARY KEY,
			unique_name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE organization_plans (
			id BIGINT PRIMARY KEY,
			organization_id BIGINT NOT NULL,
			plan_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ends_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE capabilities (
			id BIGINT PRIMARY KEY,
			unique_name TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			estimated_credits_fast DOUBLE PRECISION NOT NULL DEFAULT 1,
			estimated_credits_enhanced DOUBLE PRECISION NOT NULL DEFAULT 1.5,
			estimated_credits_premium DOUBLE PRECISION NOT NULL DEFAULT 3,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE quality_levels (
			id BIGINT PRIMARY KEY,
			unique_name TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			credit_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
			display_order INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE plan_capabilities (
			id BIGINT PRIMARY KEY,
			plan_id BIGINT NOT NULL,
			capability_id BIGINT NOT NULL,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			hourly_limit BIGINT,
			daily_limit BIGINT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE plan_capability_quality_levels (
			id BIGINT PRIMARY KEY,
			plan_capability_id BIGINT NOT NULL,
			quality_level_id BIGINT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}

// seedCatalog grants the test org an active plan with question_generation on
// fast and premium tiers and an hourly limit of 10.
func seedCatalog(t *testing.T, db *gorm.DB, node *snowflake.Node) *catalog {
	t.Helper()
	now := time.Now().UTC()
	hourly := int64(10)

	cat := &catalog{
		node:         node,
		orgID:        node.Generate(),
		planID:       node.Generate(),
		capabilityID: node.Generate(),
		planCapID:    node.Generate(),
		fastID:       node.Generate(),
		premiumID:    node.Generate(),
	}

	rows := []any{
		&capabilitydomain.Plan{ID: cat.planID, UniqueName: "standard", DisplayName: "Standard", IsActive: true, CreatedAt: now, UpdatedAt: now},
		&capabilitydomain.OrganizationPlan{ID: node.Generate(), OrganizationID: cat.orgID, PlanID: cat.planID, Status: capabilitydomain.OrganizationPlanStatusActive, StartedAt: now, CreatedAt: now, UpdatedAt: now},
		&capabilitydomain.Capability{
			ID: cat.capabilityID, UniqueName: "question_generation", Name: "AI Question Generation", IsActive: true,
			EstimatedCreditsFast: 1, EstimatedCreditsEnhanced: 1.5, EstimatedCreditsPremium: 3,
			CreatedAt: now, UpdatedAt: now,
		},
		&capabilitydomain.QualityLevel{ID: cat.fastID, UniqueName: capabilitydomain.QualityLevelFast, Name: "Fast", CreditMultiplier: 1, DisplayOrder: 1, IsActive: true, CreatedAt: now, UpdatedAt: now},
		&capabilitydomain.QualityLevel{ID: cat.premiumID, UniqueName: capabilitydomain.QualityLevelPremium, Name: "Premium", CreditMultiplier: 2, DisplayOrder: 3, IsActive: true, CreatedAt: now, UpdatedAt: now},
		&capabilitydomain.PlanCapability{ID: cat.planCapID, PlanID: cat.planID, CapabilityID: cat.capabilityID, IsEnabled: true, HourlyLimit: &hourly, CreatedAt: now, UpdatedAt: now},
		&capabilitydomain.PlanCapabilityQualityLevel{ID: node.Generate(), PlanCapabilityID: cat.planCapID, QualityLevelID: cat.fastID, CreatedAt: now},
		&capabilitydomain.PlanCapabilityQualityLevel{ID: node.Generate(), PlanCapabilityID: cat.planCapID, QualityLevelID: cat.premiumID, CreatedAt: now},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
	return cat
}

func TestCheckAccessGranted(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
		QualityLevel:   capabilitydomain.QualityLevelPremium,
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if !result.CanProceed {
		t.Fatalf("expected grant, got denial: %s %s", result.Reason, result.Message)
	}
	if result.SelectedQuality.UniqueName != capabilitydomain.QualityLevelPremium {
		t.Fatalf("selected tier = %q, want premium", result.SelectedQuality.UniqueName)
	}
	// premium base 3 x multiplier 2
	if result.SelectedQuality.CreditCost != 6 {
		t.Fatalf("credit cost = %v, want 6", result.SelectedQuality.CreditCost)
	}
	if len(result.AvailableTiers) != 2 {
		t.Fatalf("available tiers = %d, want 2", len(result.AvailableTiers))
	}
	if result.Credits.Required != 6 || result.Credits.Available != 100 {
		t.Fatalf("credit summary = %+v", result.Credits)
	}
}

func TestCheckAccessDefaultsToCheapestTier(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.SelectedQuality.UniqueName != capabilitydomain.QualityLevelFast {
		t.Fatalf("default tier = %q, want fast (lowest display order)", result.SelectedQuality.UniqueName)
	}
}

func TestCheckAccessNoActivePlan(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.node.Generate(),
		Capability:     "question_generation",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed {
		t.Fatal("expected denial for org without a plan")
	}
	if result.Reason != capabilitydomain.DenialNoActivePlan {
		t.Fatalf("reason = %s, want no_active_plan", result.Reason)
	}
	if result.Message != "Your subscription is not active. Please renew to use AI features." {
		t.Fatalf("unexpected message: %q", result.Message)
	}
}

func TestCheckAccessCanceledPlanDoesNotGrant(t *testing.T) {
	gate, db, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	if err := db.Model(&capabilitydomain.OrganizationPlan{}).
		Where("organization_id = ?", cat.orgID).
		Update("status", capabilitydomain.OrganizationPlanStatusCanceled).Error; err != nil {
		t.Fatalf("cancel plan: %v", err)
	}

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed || result.Reason != capabilitydomain.DenialNoActivePlan {
		t.Fatalf("canceled plan must deny with no_active_plan, got %+v", result)
	}
}

func TestCheckAccessUnknownCapability(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "video_rendering",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed || result.Reason != capabilitydomain.DenialCapabilityNotAvailable {
		t.Fatalf("unknown capability must deny, got %+v", result)
	}
}

func TestCheckAccessCapabilityNotInPlan(t *testing.T) {
	gate, db, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	if err := db.Model(&capabilitydomain.PlanCapability{}).
		Where("id = ?", cat.planCapID).
		Update("is_enabled", false).Error; err != nil {
		t.Fatalf("disable grant: %v", err)
	}

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed || result.Reason != capabilitydomain.DenialCapabilityNotAvailable {
		t.Fatalf("disabled grant must deny, got %+v", result)
	}
	if !strings.Contains(result.Message, "not included in your current plan") {
		t.Fatalf("unexpected message: %q", result.Message)
	}
}

func TestCheckAccessQualityLevelNotGranted(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
		QualityLevel:   capabilitydomain.QualityLevelEnhanced,
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed || result.Reason != capabilitydomain.DenialQualityLevelNotAvailable {
		t.Fatalf("ungranted tier must deny, got %+v", result)
	}
	if len(result.AvailableTiers) != 2 {
		t.Fatalf("denial must list granted tiers, got %d", len(result.AvailableTiers))
	}
	if !strings.Contains(result.Message, "fast, premium") {
		t.Fatalf("message must name available tiers: %q", result.Message)
	}
}

func TestCheckAccessHourlyLimitReached(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{usedThisHour: 10, usedToday: 10})

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed || result.Reason != capabilitydomain.DenialRateLimitExceeded {
		t.Fatalf("exhausted hourly limit must deny, got %+v", result)
	}
	if !strings.Contains(result.Message, "hourly limit") {
		t.Fatalf("unexpected message: %q", result.Message)
	}
	if result.UsedThisHour != 10 {
		t.Fatalf("usage not reported: %+v", result)
	}
}

func TestCheckAccessDailyLimitReached(t *testing.T) {
	gate, db, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{usedThisHour: 0, usedToday: 200})

	daily := int64(200)
	if err := db.Model(&capabilitydomain.PlanCapability{}).
		Where("id = ?", cat.planCapID).
		Update("daily_limit", daily).Error; err != nil {
		t.Fatalf("set daily limit: %v", err)
	}

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed || result.Reason != capabilitydomain.DenialRateLimitExceeded {
		t.Fatalf("exhausted daily limit must deny, got %+v", result)
	}
	if !strings.Contains(result.Message, "daily limit") {
		t.Fatalf("unexpected message: %q", result.Message)
	}
}

func TestCheckAccessInsufficientCredits(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 0.5, canProceed: false}, &usageStub{})

	result, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
		Capability:     "question_generation",
	})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if result.CanProceed || result.Reason != capabilitydomain.DenialInsufficientCredits {
		t.Fatalf("insufficient balance must deny, got %+v", result)
	}
	if result.Message != "Insufficient credits: need 1.0, have 0.5 available. You need 0.5 more credits to proceed." {
		t.Fatalf("unexpected message: %q", result.Message)
	}
	if result.Credits.Required != 1 || result.Credits.Available != 0.5 {
		t.Fatalf("credit summary = %+v", result.Credits)
	}
}

func TestCheckAccessValidation(t *testing.T) {
	gate, _, cat := setupGate(t, &creditStub{spendable: 100, canProceed: true}, &usageStub{})

	if _, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		Capability: "question_generation",
	}); err != capabilitydomain.ErrInvalidOrganization {
		t.Fatalf("missing org: %v", err)
	}
	if _, err := gate.CheckAccess(context.Background(), capabilitydomain.AccessRequest{
		OrganizationID: cat.orgID,
	}); err != capabilitydomain.ErrInvalidCapability {
		t.Fatalf("missing capability: %v", err)
	}
}
