package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/formlane/creditledger/internal/clock"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	usagedomain "github.com/formlane/creditledger/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupUsageService(t *testing.T, clk clock.Clock) (usagedomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Exec(`CREATE TABLE credit_transactions (
		id BIGINT PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		capability_id BIGINT NOT NULL,
		quality_level_id BIGINT NOT NULL,
		transaction_type TEXT NOT NULL,
		credits_amount DOUBLE PRECISION NOT NULL,
		estimated_credits DOUBLE PRECISION NOT NULL DEFAULT 0,
		balance_after DOUBLE PRECISION NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		provider_metadata TEXT,
		user_id TEXT,
		user_email TEXT,
		form_id TEXT,
		form_name TEXT,
		customer_google_id TEXT,
		created_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("prepare schema: %v", err)
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	service := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
	})
	return service, db, node
}

func insertConsumption(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID, capabilityID snowflake.ID, formID, customerGoogleID string, at time.Time) {
	t.Helper()
	row := creditdomain.CreditTransaction{
		ID:              node.Generate(),
		OrganizationID:  orgID,
		CapabilityID:    capabilityID,
		QualityLevelID:  node.Generate(),
		TransactionType: creditdomain.TransactionTypeAIConsumption,
		CreditsAmount:   -1,
		IdempotencyKey:  node.Generate().String(),
		CreatedAt:       at,
	}
	if formID != "" {
		row.FormID = &formID
	}
	if customerGoogleID != "" {
		row.CustomerGoogleID = &customerGoogleID
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
}

func TestCapabilityUsageWindows(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	service, db, node := setupUsageService(t, clk)

	orgID := node.Generate()
	capabilityID := node.Generate()
	otherCapability := node.Generate()

	// Two inside the current hour, one earlier today, one yesterday.
	insertConsumption(t, db, node, orgID, capabilityID, "", "", now.Add(-10*time.Minute))
	insertConsumption(t, db, node, orgID, capabilityID, "", "", now.Add(-20*time.Minute))
	insertConsumption(t, db, node, orgID, capabilityID, "", "", now.Add(-5*time.Hour))
	insertConsumption(t, db, node, orgID, capabilityID, "", "", now.Add(-26*time.Hour))
	// Different capability never counts.
	insertConsumption(t, db, node, orgID, otherCapability, "", "", now.Add(-10*time.Minute))

	usage, err := service.CapabilityUsage(context.Background(), orgID, capabilityID)
	if err != nil {
		t.Fatalf("capability usage: %v", err)
	}

	if usage.UsedThisHour != 2 {
		t.Fatalf("used this hour = %d, want 2", usage.UsedThisHour)
	}
	if usage.UsedToday != 3 {
		t.Fatalf("used today = %d, want 3", usage.UsedToday)
	}
	if !usage.HourStart.Equal(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("hour start = %v", usage.HourStart)
	}
	if !usage.DayStart.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day start = %v", usage.DayStart)
	}
}

func TestCustomerUsageRollingWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	service, db, node := setupUsageService(t, clk)

	orgID := node.Generate()
	capabilityID := node.Generate()

	// Default policy window is 24h with a limit of 10.
	insertConsumption(t, db, node, orgID, capabilityID, "form-1", "customer-1", now.Add(-time.Hour))
	insertConsumption(t, db, node, orgID, capabilityID, "form-1", "customer-1", now.Add(-23*time.Hour))
	insertConsumption(t, db, node, orgID, capabilityID, "form-1", "customer-1", now.Add(-25*time.Hour))
	insertConsumption(t, db, node, orgID, capabilityID, "form-2", "customer-1", now.Add(-time.Hour))

	usage, err := service.CustomerUsage(context.Background(), "form-1", "customer-1")
	if err != nil {
		t.Fatalf("customer usage: %v", err)
	}

	if usage.GenerationsUsed != 2 {
		t.Fatalf("generations used = %d, want 2 (window excludes 25h-old row, other form)", usage.GenerationsUsed)
	}
	if usage.WindowHours != 24 || usage.Limit != 10 {
		t.Fatalf("policy defaults not applied: %+v", usage)
	}
	if usage.LimitReached {
		t.Fatal("limit must not be reached at 2/10")
	}
}

func TestCustomerUsageLimitReached(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	service, db, node := setupUsageService(t, clk)

	orgID := node.Generate()
	capabilityID := node.Generate()
	for i := 0; i < 10; i++ {
		insertConsumption(t, db, node, orgID, capabilityID, "form-1", "customer-1", now.Add(-time.Minute*time.Duration(i+1)))
	}

	usage, err := service.CustomerUsage(context.Background(), "form-1", "customer-1")
	if err != nil {
		t.Fatalf("customer usage: %v", err)
	}
	if !usage.LimitReached {
		t.Fatalf("limit must be reached at %d/%d", usage.GenerationsUsed, usage.Limit)
	}
}

func TestCustomerUsageUnattributed(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC))
	service, _, _ := setupUsageService(t, clk)

	usage, err := service.CustomerUsage(context.Background(), "", "customer-1")
	if err != nil {
		t.Fatalf("customer usage: %v", err)
	}
	if usage.GenerationsUsed != 0 || usage.LimitReached {
		t.Fatalf("unattributed consumption must not be limited: %+v", usage)
	}
}
