package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Resetter is a cache that can be cleared wholesale.
type Resetter interface {
	Reset()
}

// Scheduler periodically clears the config and wordlist caches and re-fetches
// the configured tenants.
type Scheduler struct {
	loader      *Loader
	caches      []Resetter
	every       time.Duration
	refreshKeys []string
	logger      *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a Scheduler that runs every interval. Besides the
// loader's memory cache, each of caches is reset on every run.
func NewScheduler(loader *Loader, every time.Duration, refreshKeys []string, logger *zap.Logger, caches ...Resetter) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		loader:      loader,
		caches:      caches,
		every:       every,
		refreshKeys: refreshKeys,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start schedules the job. The scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.every <= 0 {
		return fmt.Errorf("cache invalidation interval must be positive, got %s", s.every)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.every), func() { s.Run(ctx) }); err != nil {
		return fmt.Errorf("schedule cache invalidation: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("cache invalidation scheduled", zap.Duration("every", s.every), zap.Int("refresh_keys", len(s.refreshKeys)))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Run performs one invalidation and refresh cycle.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Debug("clearing config and wordlist caches")
	s.loader.Reset()
	for _, c := range s.caches {
		c.Reset()
	}
	if len(s.refreshKeys) > 0 {
		s.loader.Refresh(ctx, s.refreshKeys)
	}
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("cache invalidation stopped")
}
