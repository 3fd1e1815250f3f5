package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimerfeng/AgentPay/internal/activity"
	"github.com/aimerfeng/AgentPay/internal/agent"
	"github.com/aimerfeng/AgentPay/internal/budget"
	"github.com/aimerfeng/AgentPay/internal/config"
	"github.com/aimerfeng/AgentPay/internal/database"
	"github.com/aimerfeng/AgentPay/internal/identity"
	"github.com/aimerfeng/AgentPay/internal/ledger"
	"github.com/aimerfeng/AgentPay/internal/logging"
	"github.com/aimerfeng/AgentPay/internal/metering"
	"github.com/aimerfeng/AgentPay/internal/monitoring"
	"github.com/aimerfeng/AgentPay/internal/pricing"
	"github.com/aimerfeng/AgentPay/internal/reservation"
	"github.com/aimerfeng/AgentPay/internal/server"
	"github.com/aimerfeng/AgentPay/internal/settlement"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting AgentPay API server")

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	monitoring.Init()

	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	events := activity.NewPublisher(newRedisClient(cfg.Redis.URL), logging.NewLogger("activity"))

	ledgerSvc := ledger.NewService(db.Pool, logging.NewLogger("ledger"))
	pricingSvc := pricing.NewService(db.Pool)
	reservationSvc := reservation.NewService(db.Pool, pricingSvc, ledgerSvc, events, cfg.Reservation.DefaultTimeout, logging.NewLogger("reservation"))
	meteringSvc := metering.NewService(db.Pool, pricingSvc, ledgerSvc, events, logging.NewLogger("metering"))
	budgetSvc := budget.NewService(db.Pool, pricingSvc, meteringSvc, reservationSvc, events, logging.NewLogger("budget"))
	settlementSvc := settlement.NewService(db.Pool, ledgerSvc, devnetPayout, settlement.Config{
		PlatformFeeBps:    cfg.Settlement.PlatformFeeBps,
		MinPayoutLamports: cfg.Settlement.MinPayoutLamports,
	}, events, logging.NewLogger("settlement"))
	agentSvc := agent.NewService(db.Pool, identity.NewStaticVerifier(logging.NewLogger("identity")), logging.NewLogger("agent"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Monitoring.PrometheusEnabled {
		go pollPoolStats(ctx, db)
	}

	sweeper := reservation.NewSweeper(reservationSvc, cfg.Reservation.SweepInterval, logging.NewLogger("sweeper"))
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start reservation sweeper")
	}
	defer sweeper.Stop()

	scheduler := settlement.NewScheduler(settlementSvc, cfg.Settlement.SchedulerInterval, logging.NewLogger("scheduler"))
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start settlement scheduler")
	}
	defer scheduler.Stop()

	srv := server.NewAPIServer(cfg, db.Pool, server.Services{
		Agent:        agentSvc,
		Ledger:       ledgerSvc,
		Pricing:      pricingSvc,
		Metering:     meteringSvc,
		Reservations: reservationSvc,
		Budget:       budgetSvc,
		Settlement:   settlementSvc,
		Sweeper:      sweeper,
		Scheduler:    scheduler,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

// newRedisClient builds the activity pub/sub client. Redis is optional:
// a bad URL disables event publishing rather than failing startup.
func newRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid REDIS_URL, activity events disabled")
		return nil
	}
	return redis.NewClient(opts)
}

// devnetPayout is the payout function wired in this binary. It simulates
// a chain transfer and returns a synthetic signature. Production
// deployments inject a real gateway here.
func devnetPayout(ctx context.Context, agentID uuid.UUID, lamports int64) (string, error) {
	log.Info().
		Str("agent_id", agentID.String()).
		Int64("lamports", lamports).
		Msg("Simulated payout")
	return "devnet-" + uuid.New().String(), nil
}

// pollPoolStats exports connection-pool gauges until ctx is cancelled.
func pollPoolStats(ctx context.Context, db *database.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := db.Pool.Stat()
			monitoring.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))
		}
	}
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Int("port", port).Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
