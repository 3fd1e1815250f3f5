package server

import (
	"errors"
	"net/http"

	"github.com/aimerfeng/AgentPay/internal/agent"
	"github.com/aimerfeng/AgentPay/internal/budget"
	"github.com/aimerfeng/AgentPay/internal/config"
	apierrors "github.com/aimerfeng/AgentPay/internal/errors"
	"github.com/aimerfeng/AgentPay/internal/identity"
	"github.com/aimerfeng/AgentPay/internal/ledger"
	"github.com/aimerfeng/AgentPay/internal/logging"
	"github.com/aimerfeng/AgentPay/internal/metering"
	"github.com/aimerfeng/AgentPay/internal/middleware"
	"github.com/aimerfeng/AgentPay/internal/monitoring"
	"github.com/aimerfeng/AgentPay/internal/pricing"
	"github.com/aimerfeng/AgentPay/internal/reservation"
	"github.com/aimerfeng/AgentPay/internal/settlement"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Services bundles the domain services the API exposes. Sweeper and
// Scheduler are the background workers; they may be nil when the server
// runs without them (tests, tooling).
type Services struct {
	Agent        *agent.Service
	Ledger       *ledger.Service
	Pricing      *pricing.Service
	Metering     *metering.Service
	Reservations *reservation.Service
	Budget       *budget.Service
	Settlement   *settlement.Service
	Sweeper      *reservation.Sweeper
	Scheduler    *settlement.Scheduler
}

// APIServer represents the main API server
type APIServer struct {
	config *config.Config
	router *gin.Engine
	db     *pgxpool.Pool
	svc    Services
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, db *pgxpool.Pool, svc Services) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config: cfg,
		router: router,
		db:     db,
		svc:    svc,
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET("/metrics", monitoring.GinHandler())
	}

	v1 := s.router.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.POST("", s.handleRegisterAgent)
			agents.GET("/:id", s.handleGetAgent)
			agents.GET("/by-key/:key", s.handleGetAgentByPublicKey)
			agents.GET("/:id/balance", s.handleGetBalance)
			agents.POST("/:id/topup", s.handleTopUp)
			agents.POST("/:id/withdraw", s.handleWithdraw)
			agents.PUT("/:id/rate", s.handleSetDefaultRate)
			agents.GET("/:id/tools", s.handleListTools)
			agents.PUT("/:id/tools/:name/rate", s.handleSetToolRate)
			agents.DELETE("/:id/tools/:name/rate", s.handleClearToolRate)
			agents.POST("/:id/suspend", s.handleSuspendAgent)
			agents.POST("/:id/reactivate", s.handleReactivateAgent)
			agents.GET("/:id/usage", s.handleGetUsage)
			agents.GET("/:id/earnings", s.handleGetEarnings)
			agents.PUT("/:id/limits", s.handleSetSpendLimits)
			agents.POST("/:id/pause", s.handlePauseSpending)
			agents.POST("/:id/resume", s.handleResumeSpending)
			agents.GET("/:id/settlements", s.handleGetSettlementHistory)
			agents.GET("/:id/settlements/summary", s.handleGetSettlementSummary)
			agents.GET("/:id/settlements/eligibility", s.handleCheckEligibility)
		}

		pricingGroup := v1.Group("/pricing")
		{
			pricingGroup.POST("/quote", s.handleIssueQuote)
			pricingGroup.GET("/quotes/:id", s.handleGetQuote)
		}

		v1.POST("/executions", s.handleExecute)

		reservations := v1.Group("/reservations")
		{
			reservations.POST("", s.handleReserve)
			reservations.GET("/:id", s.handleGetReservation)
			reservations.POST("/:id/capture", s.handleCapture)
			reservations.POST("/:id/release", s.handleRelease)
			reservations.POST("/sweep", s.handleSweep)
		}

		budgetGroup := v1.Group("/budget")
		{
			budgetGroup.POST("/authorize", s.handleAuthorizeSpend)
			budgetGroup.POST("/forecast", s.handleForecastSpend)
		}

		settlements := v1.Group("/settlements")
		{
			settlements.POST("", s.handleSettle)
			settlements.GET("/:id", s.handleGetSettlement)
			settlements.POST("/run", s.handleSettleBatch)
		}

		v1.GET("/platform/revenue", s.handleGetPlatformRevenue)
	}
}

// Health check handler
func (s *APIServer) healthCheck(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"service": "api",
	}
	if s.svc.Sweeper != nil {
		resp["sweeper"] = gin.H{
			"running":  s.svc.Sweeper.IsRunning(),
			"last_run": s.svc.Sweeper.LastRun(),
		}
	}
	if s.svc.Scheduler != nil {
		resp["settlement_scheduler"] = gin.H{
			"running":     s.svc.Scheduler.IsRunning(),
			"last_run":    s.svc.Scheduler.LastRun(),
			"last_result": s.svc.Scheduler.LastResult(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: middleware.GetRequestIDFromContext(c),
	})
}

// respondServiceError maps domain sentinel errors onto the API error
// taxonomy. Unrecognized errors become an opaque 500.
func respondServiceError(c *gin.Context, err error) {
	var payoutErr *settlement.PayoutError
	if errors.As(err, &payoutErr) {
		respondError(c, apierrors.NewPayoutFailedError(payoutErr.CorrelationID))
		return
	}

	switch {
	case errors.Is(err, ledger.ErrAgentNotFound),
		errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, pricing.ErrAgentNotFound):
		respondError(c, apierrors.ErrAgentNotFoundError)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		respondError(c, apierrors.ErrInsufficientBalanceError)
	case errors.Is(err, ledger.ErrInsufficientPending),
		errors.Is(err, settlement.ErrNotEligible):
		respondError(c, apierrors.ErrInsufficientPendingError)
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, pricing.ErrNegativeTokens),
		errors.Is(err, pricing.ErrNegativeRate),
		errors.Is(err, pricing.ErrTokensOverLimit),
		errors.Is(err, pricing.ErrCostOverflow),
		errors.Is(err, reservation.ErrInvalidTokens),
		errors.Is(err, reservation.ErrInvalidTimeout),
		errors.Is(err, agent.ErrInvalidRate),
		errors.Is(err, budget.ErrNoSpendRequested),
		errors.Is(err, budget.ErrCalleeRequired),
		errors.Is(err, identity.ErrInvalidPublicKey):
		respondError(c, apierrors.NewValidationError(err.Error()))
	case errors.Is(err, pricing.ErrQuoteNotFound):
		respondError(c, apierrors.ErrQuoteNotFoundError)
	case errors.Is(err, reservation.ErrReservationNotFound):
		respondError(c, apierrors.ErrReservationNotFoundError)
	case errors.Is(err, reservation.ErrReservationExpired):
		respondError(c, apierrors.ErrReservationExpiredError)
	case errors.Is(err, reservation.ErrReservationNotActive):
		respondError(c, apierrors.NewInvalidRequestError("Reservation is no longer active"))
	case errors.Is(err, settlement.ErrSettlementInFlight):
		respondError(c, apierrors.ErrSettlementInFlightError)
	case errors.Is(err, settlement.ErrSettlementNotFound):
		respondError(c, apierrors.ErrSettlementNotFoundError)
	case errors.Is(err, metering.ErrCallerPaused),
		errors.Is(err, reservation.ErrCallerPaused):
		respondError(c, apierrors.NewSpendDeniedError("Spending is paused for this agent"))
	case errors.Is(err, metering.ErrCalleeSuspended),
		errors.Is(err, reservation.ErrCalleeSuspended),
		errors.Is(err, agent.ErrAgentSuspended):
		respondError(c, apierrors.NewInvalidRequestError("Agent is suspended"))
	case errors.Is(err, agent.ErrAgentNotSuspended):
		respondError(c, apierrors.NewInvalidRequestError("Agent is not suspended"))
	case errors.Is(err, agent.ErrPublicKeyTaken):
		respondError(c, apierrors.NewInvalidRequestError("Public key already registered"))
	default:
		respondError(c, apierrors.ErrInternalServerError)
	}
}
