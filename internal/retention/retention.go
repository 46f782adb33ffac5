// Package retention prunes registry rows for rooms nobody has used in a
// while.
package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/db"
)

type Config struct {
	Interval  time.Duration
	IdleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Minute,
		IdleAfter: 30 * 24 * time.Hour,
	}
}

type Service struct {
	registry db.Registry
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New(registry db.Registry, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("retention service started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("idle_after", s.config.IdleAfter))
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("retention service stopped")
}

// Run blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.Start()
	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	s.Stop()
	return nil
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.pruneOnce()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *Service) pruneOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.PruneNow(ctx); err != nil {
		s.logger.Error("retention: prune failed", zap.Error(err))
	}
}

// PruneNow deletes every room idle for longer than IdleAfter.
func (s *Service) PruneNow(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.IdleAfter)
	n, err := s.registry.PruneIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned idle rooms", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
