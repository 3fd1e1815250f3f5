package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aimerfeng/AgentPay/internal/budget"
	apierrors "github.com/aimerfeng/AgentPay/internal/errors"
	"github.com/aimerfeng/AgentPay/internal/monitoring"
	"github.com/aimerfeng/AgentPay/internal/settlement"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, apierrors.NewValidationError("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// --- Agents ---

type registerAgentRequest struct {
	PublicKey              string `json:"public_key" binding:"required"`
	DefaultRatePer1kTokens int64  `json:"default_rate_per_1k_tokens"`
}

func (s *APIServer) handleRegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	a, err := s.svc.Agent.Register(c.Request.Context(), req.PublicKey, req.DefaultRatePer1kTokens)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	monitoring.RecordAgentRegistered()
	c.JSON(http.StatusCreated, a)
}

func (s *APIServer) handleGetAgent(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	a, err := s.svc.Agent.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *APIServer) handleGetAgentByPublicKey(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		respondError(c, apierrors.NewValidationError("public key is required"))
		return
	}

	a, err := s.svc.Agent.GetByPublicKey(c.Request.Context(), key)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *APIServer) handleGetBalance(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	balance, err := s.svc.Ledger.GetBalance(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":           id,
		"available_lamports": balance.AvailableLamports,
		"reserved_lamports":  balance.ReservedLamports,
		"pending_lamports":   balance.PendingLamports,
		"total_lamports":     balance.Total(),
	})
}

type amountRequest struct {
	AmountLamports int64 `json:"amount_lamports" binding:"required"`
}

func (s *APIServer) handleTopUp(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	if err := s.svc.Ledger.TopUp(c.Request.Context(), id, req.AmountLamports); err != nil {
		respondServiceError(c, err)
		return
	}

	balance, err := s.svc.Ledger.GetBalance(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *APIServer) handleWithdraw(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	if err := s.svc.Ledger.Withdraw(c.Request.Context(), id, req.AmountLamports); err != nil {
		respondServiceError(c, err)
		return
	}

	balance, err := s.svc.Ledger.GetBalance(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

type rateRequest struct {
	RatePer1kTokens int64 `json:"rate_per_1k_tokens"`
}

func (s *APIServer) handleSetDefaultRate(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	if err := s.svc.Agent.SetDefaultRate(c.Request.Context(), id, req.RatePer1kTokens); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "rate_per_1k_tokens": req.RatePer1kTokens})
}

func (s *APIServer) handleListTools(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	tools, err := s.svc.Agent.ListTools(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (s *APIServer) handleSetToolRate(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	tool, err := s.svc.Agent.SetToolRate(c.Request.Context(), id, c.Param("name"), req.RatePer1kTokens)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool)
}

func (s *APIServer) handleClearToolRate(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := s.svc.Agent.ClearToolRate(c.Request.Context(), id, c.Param("name")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *APIServer) handleSuspendAgent(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.svc.Agent.Suspend(c.Request.Context(), id, req.Reason); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "status": "suspended"})
}

func (s *APIServer) handleReactivateAgent(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := s.svc.Agent.Reactivate(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "status": "active"})
}

func (s *APIServer) handleGetUsage(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	limit, offset := pagination(c)

	usage, err := s.svc.Metering.GetUsageHistory(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	todaySpend, err := s.svc.Metering.TodaySpend(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage, "today_spend_lamports": todaySpend})
}

func (s *APIServer) handleGetEarnings(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	limit, offset := pagination(c)

	earnings, err := s.svc.Metering.GetEarningsHistory(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"earnings": earnings})
}

// --- Pricing ---

type quoteRequest struct {
	CalleeID       uuid.UUID `json:"callee_id" binding:"required"`
	ToolName       string    `json:"tool_name" binding:"required"`
	TokensEstimate int64     `json:"tokens_estimate"`
}

func (s *APIServer) handleIssueQuote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	quote, err := s.svc.Pricing.IssueQuote(c.Request.Context(), req.CalleeID, req.ToolName, req.TokensEstimate)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, quote)
}

func (s *APIServer) handleGetQuote(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	quote, err := s.svc.Pricing.GetQuote(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if quote.Expired(time.Now()) {
		respondError(c, apierrors.ErrQuoteExpiredError)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// --- Executions ---

type executeRequest struct {
	CallerID   uuid.UUID  `json:"caller_id" binding:"required"`
	CalleeID   uuid.UUID  `json:"callee_id" binding:"required"`
	ToolName   string     `json:"tool_name" binding:"required"`
	TokensUsed int64      `json:"tokens_used"`
	QuoteID    *uuid.UUID `json:"quote_id,omitempty"`
}

func (s *APIServer) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	result, err := s.svc.Metering.Execute(c.Request.Context(),
		req.CallerID, req.CalleeID, req.ToolName, req.TokensUsed, req.QuoteID)
	if err != nil {
		monitoring.RecordExecution("", "error", 0, 0)
		respondServiceError(c, err)
		return
	}

	monitoring.RecordExecution(string(result.PricingSource), "ok", result.CostLamports, req.TokensUsed)
	c.JSON(http.StatusOK, result)
}

// --- Reservations ---

type reserveRequest struct {
	CallerID        uuid.UUID `json:"caller_id" binding:"required"`
	CalleeID        uuid.UUID `json:"callee_id" binding:"required"`
	ToolName        string    `json:"tool_name" binding:"required"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	TimeoutMs       int64     `json:"timeout_ms,omitempty"`
}

func (s *APIServer) handleReserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	r, err := s.svc.Reservations.Reserve(c.Request.Context(),
		req.CallerID, req.CalleeID, req.ToolName, req.EstimatedTokens,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	monitoring.RecordReservationCreated(r.ReservedLamports)
	c.JSON(http.StatusCreated, gin.H{
		"reservation_id":    r.ID,
		"reserved_lamports": r.ReservedLamports,
		"expires_at":        r.ExpiresAt,
	})
}

func (s *APIServer) handleGetReservation(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	r, err := s.svc.Reservations.GetReservation(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type captureRequest struct {
	ActualTokens int64 `json:"actual_tokens"`
}

func (s *APIServer) handleCapture(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	result, err := s.svc.Reservations.Capture(c.Request.Context(), id, req.ActualTokens)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	monitoring.RecordReservationCaptured(result.RefundedLamports)
	c.JSON(http.StatusOK, result)
}

func (s *APIServer) handleRelease(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	released, err := s.svc.Reservations.Release(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	if released {
		monitoring.RecordReservationReleased()
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (s *APIServer) handleSweep(c *gin.Context) {
	expired, err := s.svc.Reservations.ExpireSweep(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	monitoring.RecordReservationsExpired(expired)
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// --- Budget ---

func (s *APIServer) handleAuthorizeSpend(c *gin.Context) {
	var req budget.AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	if req.AgentID == uuid.Nil {
		respondError(c, apierrors.NewValidationError("agent_id is required"))
		return
	}

	result, err := s.svc.Budget.AuthorizeSpend(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	codes := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		codes = append(codes, v.Code)
	}
	monitoring.RecordAuthorization(result.Authorized, codes)
	c.JSON(http.StatusOK, result)
}

type forecastRequest struct {
	AgentID uuid.UUID     `json:"agent_id" binding:"required"`
	Calls   []budget.Call `json:"calls" binding:"required"`
}

func (s *APIServer) handleForecastSpend(c *gin.Context) {
	var req forecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	result, err := s.svc.Budget.ForecastSpend(c.Request.Context(), req.AgentID, req.Calls)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"can_execute":    result.Authorized,
		"estimated_cost": result.RequestedLamports,
		"violations":     result.Violations,
	})
}

func (s *APIServer) handleSetSpendLimits(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req budget.SpendLimits
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	if err := s.svc.Budget.SetSpendLimits(c.Request.Context(), id, req); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "updated": true})
}

func (s *APIServer) handlePauseSpending(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.svc.Budget.PauseSpending(c.Request.Context(), id, req.Reason); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "is_paused": true})
}

func (s *APIServer) handleResumeSpending(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := s.svc.Budget.ResumeSpending(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "is_paused": false})
}

// --- Settlements ---

type settleRequest struct {
	AgentID uuid.UUID `json:"agent_id" binding:"required"`
}

func (s *APIServer) handleSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	settled, err := s.svc.Settlement.SettleAgent(c.Request.Context(), req.AgentID)
	if err != nil {
		monitoring.RecordSettlement("failed", 0, 0)
		respondServiceError(c, err)
		return
	}

	monitoring.RecordSettlement("confirmed", settled.NetLamports, settled.PlatformFeeLamports)
	c.JSON(http.StatusOK, settled)
}

func (s *APIServer) handleGetSettlement(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	settled, err := s.svc.Settlement.GetSettlement(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, settled)
}

func (s *APIServer) handleSettleBatch(c *gin.Context) {
	var result *settlement.BatchResult
	var err error
	if s.svc.Scheduler != nil {
		// Through the scheduler so its last-run bookkeeping stays accurate.
		result, err = s.svc.Scheduler.RunNow(c.Request.Context())
	} else {
		result, err = s.svc.Settlement.SettleEligible(c.Request.Context())
	}
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *APIServer) handleCheckEligibility(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	eligible, err := s.svc.Settlement.CheckEligibility(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "eligible": eligible})
}

func (s *APIServer) handleGetSettlementHistory(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	limit, offset := pagination(c)

	history, err := s.svc.Settlement.GetHistory(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": history})
}

func (s *APIServer) handleGetSettlementSummary(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	summary, err := s.svc.Settlement.GetSummary(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *APIServer) handleGetPlatformRevenue(c *gin.Context) {
	revenue, err := s.svc.Settlement.GetPlatformRevenue(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, revenue)
}
