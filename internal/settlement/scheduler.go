package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler periodically settles every eligible agent.
type Scheduler struct {
	service    *Service
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
	lastRun    time.Time
	lastResult *BatchResult
	log        zerolog.Logger
}

// NewScheduler creates a settlement scheduler running at the given
// interval.
func NewScheduler(service *Service, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		stopCh:   make(chan struct{}),
		log:      log,
	}
}

// Start begins the scheduled settlement loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().Dur("interval", s.interval).Msg("Settlement scheduler started")
	return nil
}

// Stop stops the loop and waits for an in-flight batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info().Msg("Settlement scheduler stopped")
}

// IsRunning returns whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns the time of the last completed batch.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// LastResult returns the result of the last completed batch.
func (s *Scheduler) LastResult() *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runBatch(ctx)
		}
	}
}

func (s *Scheduler) runBatch(ctx context.Context) {
	result, err := s.service.SettleEligible(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Settlement batch failed")
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	if result.Eligible > 0 {
		s.log.Info().
			Int("eligible", result.Eligible).
			Int("settled", result.Settled).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Int64("net_total_lamports", result.NetTotal).
			Int64("fee_total_lamports", result.FeeTotal).
			Msg("Settlement batch completed")
	}
}

// RunNow triggers an immediate settlement batch.
func (s *Scheduler) RunNow(ctx context.Context) (*BatchResult, error) {
	result, err := s.service.SettleEligible(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	return result, nil
}
