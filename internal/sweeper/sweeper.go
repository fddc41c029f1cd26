// Package sweeper runs periodic maintenance: expiring stuck credit
// reservations, moving idle assets to cold storage and pruning replay rows.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/stagecoord/internal/ledger"
	"github.com/p-blackswan/stagecoord/internal/lifecycle"
	"github.com/p-blackswan/stagecoord/internal/metrics"
)

// Config controls the sweep cadence.
type Config struct {
	Interval       time.Duration
	AssetColdAfter time.Duration
}

// Retainer prunes rows past their retention window.
type Retainer interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// Result summarizes one sweep.
type Result struct {
	Expired int   `json:"reservations_expired"`
	Cold    int   `json:"assets_cold"`
	Pruned  int64 `json:"rows_pruned"`
}

// Sweeper owns the maintenance loop.
type Sweeper struct {
	cfg      Config
	ledger   ledger.Ledger
	assets   *lifecycle.Governor
	retainer Retainer
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sweeps int
}

// New creates a sweeper. retainer and m may be nil.
func New(cfg Config, led ledger.Ledger, assets *lifecycle.Governor, retainer Retainer, m *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AssetColdAfter <= 0 {
		cfg.AssetColdAfter = time.Hour
	}
	return &Sweeper{
		cfg:      cfg,
		ledger:   led,
		assets:   assets,
		retainer: retainer,
		metrics:  m,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start launches the loop in a background goroutine and returns immediately.
// Stop, or cancelling ctx, ends it.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("sweeper: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("asset_cold_after", s.cfg.AssetColdAfter).Msg("sweeper starting")
	go s.run(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweeps returns how many sweeps have completed.
func (s *Sweeper) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.logger.Info().Msg("sweeper stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep. Each step runs even when an earlier one fails;
// the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)

	expired, err := s.ledger.CleanupExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup reservations: %w", err))
	}
	res.Expired = expired

	cold, err := s.assets.Transition(ctx, s.cfg.AssetColdAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("transition assets: %w", err))
	}
	res.Cold = cold

	if s.retainer != nil {
		pruned, err := s.retainer.PruneExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("retention: %w", err))
		}
		res.Pruned = pruned
	}

	if s.metrics != nil {
		if res.Expired > 0 {
			s.metrics.RecordReservations(string(ledger.StatusExpired), res.Expired)
		}
		if res.Cold > 0 {
			s.metrics.RecordAssetsCold(res.Cold)
		}
		if total, err := s.ledger.TotalActiveReservations(ctx); err == nil {
			s.metrics.SetActiveReservations(total)
		}
	}

	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()

	if res.Expired > 0 || res.Cold > 0 || res.Pruned > 0 {
		s.logger.Info().Int("expired", res.Expired).Int("cold", res.Cold).Int64("pruned", res.Pruned).Msg("sweep finished")
	}
	return res, errors.Join(errs...)
}
