package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	obscontext "github.com/formlane/creditledger/internal/observability/context"
)

type auditPayload struct {
	UserID           *string `json:"user_id,omitempty"`
	UserEmail        *string `json:"user_email,omitempty"`
	FormID           *string `json:"form_id,omitempty"`
	FormName         *string `json:"form_name,omitempty"`
	CustomerGoogleID *string `json:"customer_google_id,omitempty"`
}

func (a auditPayload) toDomain() creditdomain.AuditContext {
	return creditdomain.AuditContext{
		UserID:           a.UserID,
		UserEmail:        a.UserEmail,
		FormID:           a.FormID,
		FormName:         a.FormName,
		CustomerGoogleID: a.CustomerGoogleID,
	}
}

type providerPayload struct {
	ProviderID      string  `json:"provider_id,omitempty"`
	ModelID         string  `json:"model_id,omitempty"`
	InputTokens     int64   `json:"input_tokens,omitempty"`
	OutputTokens    int64   `json:"output_tokens,omitempty"`
	ProviderCostUSD float64 `json:"provider_cost_usd,omitempty"`
}

func (p providerPayload) toDomain() creditdomain.ProviderUsage {
	return creditdomain.ProviderUsage{
		ProviderID:      p.ProviderID,
		ModelID:         p.ModelID,
		InputTokens:     p.InputTokens,
		OutputTokens:    p.OutputTokens,
		ProviderCostUSD: p.ProviderCostUSD,
	}
}

// GetBalance returns the derived balance snapshot for an organization.
func (s *Server) GetBalance(c *gin.Context) {
	orgID, ok := s.queryOrgID(c)
	if !ok {
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

// ListTransactions pages through the organization's ledger, newest first.
func (s *Server) ListTransactions(c *gin.Context) {
	orgID, ok := s.queryOrgID(c)
	if !ok {
		return
	}

	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be an integer"))
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		AbortWithError(c, newValidationError("offset", "invalid_offset", "offset must be an integer"))
		return
	}

	transactions, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		OrganizationID: orgID,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetLimits reports hourly/daily caps and current usage for one capability.
func (s *Server) GetLimits(c *gin.Context) {
	orgID, ok := s.queryOrgID(c)
	if !ok {
		return
	}

	capability := strings.TrimSpace(c.Query("capability"))
	if capability == "" {
		AbortWithError(c, newValidationError("capability", "invalid_capability", "capability is required"))
		return
	}
	c.Set("capability", capability)

	access, err := s.gateSvc.CheckAccess(orgContext(c, orgID), capabilitydomain.AccessRequest{
		OrganizationID: orgID,
		Capability:     capability,
		QualityLevel:   strings.TrimSpace(c.Query("quality_level")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"capability":     capability,
		"can_proceed":    access.CanProceed,
		"reason":         access.Reason,
		"hourly_limit":   access.HourlyLimit,
		"daily_limit":    access.DailyLimit,
		"used_this_hour": access.UsedThisHour,
		"used_today":     access.UsedToday,
	})
}

type checkAccessRequest struct {
	OrganizationID string `json:"organization_id" binding:"required"`
	Capability     string `json:"capability" binding:"required"`
	QualityLevel   string `json:"quality_level"`
}

// CheckAccess runs the capability gate without reserving anything. Denials
// are normal responses with can_proceed=false, not errors.
func (s *Server) CheckAccess(c *gin.Context) {
	var req checkAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgID, ok := s.parseOrgID(c, req.OrganizationID)
	if !ok {
		return
	}
	c.Set("capability", req.Capability)

	access, err := s.gateSvc.CheckAccess(orgContext(c, orgID), capabilitydomain.AccessRequest{
		OrganizationID: orgID,
		Capability:     req.Capability,
		QualityLevel:   req.QualityLevel,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, access)
}

type reserveRequest struct {
	OrganizationID   string       `json:"organization_id" binding:"required"`
	CapabilityID     string       `json:"capability_id" binding:"required"`
	QualityLevelID   string       `json:"quality_level_id" binding:"required"`
	EstimatedCredits float64      `json:"estimated_credits"`
	IdempotencyKey   string       `json:"idempotency_key" binding:"required"`
	ExpiresInSeconds int          `json:"expires_in_seconds"`
	Audit            auditPayload `json:"audit"`
}

// Reserve places a time-boxed hold against the organization's balance.
func (s *Server) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgID, ok := s.parseOrgID(c, req.OrganizationID)
	if !ok {
		return
	}
	capabilityID, ok := s.parseID(c, "capability_id", req.CapabilityID)
	if !ok {
		return
	}
	qualityLevelID, ok := s.parseID(c, "quality_level_id", req.QualityLevelID)
	if !ok {
		return
	}

	if !s.allowOrgRequest(c, req.OrganizationID) {
		return
	}

	reservation, err := s.creditSvc.Reserve(orgContext(c, orgID), creditdomain.ReserveRequest{
		OrganizationID:   orgID,
		EstimatedCredits: req.EstimatedCredits,
		CapabilityID:     capabilityID,
		QualityLevelID:   qualityLevelID,
		IdempotencyKey:   req.IdempotencyKey,
		ExpiresIn:        time.Duration(req.ExpiresInSeconds) * time.Second,
		Audit:            req.Audit.toDomain(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reservation)
}

type settleRequest struct {
	ReservationID string          `json:"reservation_id" binding:"required"`
	ActualCredits float64         `json:"actual_credits"`
	Description   string          `json:"description"`
	Provider      providerPayload `json:"provider"`
}

// Settle converts a pending hold into a permanent ledger movement.
func (s *Server) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reservationID, ok := s.parseID(c, "reservation_id", req.ReservationID)
	if !ok {
		return
	}

	settlement, err := s.creditSvc.Settle(c.Request.Context(), creditdomain.SettleRequest{
		ReservationID: reservationID,
		ActualCredits: req.ActualCredits,
		Description:   req.Description,
		Provider:      req.Provider.toDomain(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, settlement)
}

type releaseRequest struct {
	ReservationID string `json:"reservation_id" binding:"required"`
	Reason        string `json:"reason"`
}

// Release returns a pending hold to the spendable pool. Releasing an
// already-released reservation succeeds idempotently.
func (s *Server) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reservationID, ok := s.parseID(c, "reservation_id", req.ReservationID)
	if !ok {
		return
	}

	release, err := s.creditSvc.Release(c.Request.Context(), creditdomain.ReleaseRequest{
		ReservationID: reservationID,
		Reason:        req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, release)
}

// GetCustomerUsage reports end-customer consumption on one form within the
// rolling window.
func (s *Server) GetCustomerUsage(c *gin.Context) {
	formID := strings.TrimSpace(c.Query("form_id"))
	customerGoogleID := strings.TrimSpace(c.Query("customer_google_id"))

	usage, err := s.usageSvc.CustomerUsage(c.Request.Context(), formID, customerGoogleID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

func (s *Server) allowOrgRequest(c *gin.Context, orgID string) bool {
	if !s.limiter.Enabled() {
		return true
	}

	result, err := s.limiter.AllowOrg(c.Request.Context(), orgID)
	if err != nil {
		// The throttle is advisory; a broken redis never blocks the ledger.
		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), orgID, c.FullPath())
		return true
	}
	if result.Allowed {
		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), orgID, c.FullPath())
		return true
	}

	s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), orgID, c.FullPath(), "org_bucket_exhausted")
	retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
		Type:    "rate_limited",
		Message: "too many requests",
	}})
	return false
}

func (s *Server) queryOrgID(c *gin.Context) (snowflake.ID, bool) {
	return s.parseOrgID(c, c.Query("organization_id"))
}

func (s *Server) parseOrgID(c *gin.Context, raw string) (snowflake.ID, bool) {
	id, ok := s.parseID(c, "organization_id", raw)
	if !ok {
		return 0, false
	}
	c.Set("org_id", id.String())
	return id, true
}

func (s *Server) parseID(c *gin.Context, field, raw string) (snowflake.ID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		AbortWithError(c, newValidationError(field, "invalid_"+field, field+" is required"))
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError(field, "invalid_"+field, field+" must be a valid id"))
		return 0, false
	}
	return id, true
}

func orgContext(c *gin.Context, orgID snowflake.ID) context.Context {
	return obscontext.WithOrgID(c.Request.Context(), orgID.String())
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
