// Package lifecycle governs the hot/cold state of generated assets.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

// Asset is the lifecycle row for one generated artifact.
// Invariants: Pinned implies !Ephemeral, and Cold never reverts to false.
type Asset struct {
	AssetID          string     `json:"asset_id"`
	ExecutionID      string     `json:"execution_id,omitempty"`
	Pinned           bool       `json:"pinned"`
	Ephemeral        bool       `json:"ephemeral"`
	Cold             bool       `json:"cold"`
	CreatedAt        time.Time  `json:"created_at"`
	LastAccessedAt   time.Time  `json:"last_accessed_at"`
	ColdTransitionAt *time.Time `json:"cold_transition_at,omitempty"`
}

// Eligible reports whether the asset should go cold under maxAge. Eligibility
// uses the access-to-creation delta, not the age relative to now.
func (a Asset) Eligible(maxAge time.Duration) bool {
	return !a.Cold && !a.Pinned && a.Ephemeral && a.LastAccessedAt.Sub(a.CreatedAt) >= maxAge
}

// Repository persists asset lifecycle rows.
type Repository interface {
	// InsertAssetIfAbsent stores a and reports whether a new row was created.
	InsertAssetIfAbsent(ctx context.Context, a Asset) (bool, error)
	GetAsset(ctx context.Context, assetID string) (Asset, error)
	// PinAsset sets pinned and clears ephemeral in one write.
	PinAsset(ctx context.Context, assetID string) error
	TouchAsset(ctx context.Context, assetID string, at time.Time) error
	// ListWarmAssets returns every asset that is not cold.
	ListWarmAssets(ctx context.Context) ([]Asset, error)
	// MarkAssetCold flips cold to true if the asset is still warm and unpinned.
	MarkAssetCold(ctx context.Context, assetID string, at time.Time) (bool, error)
}

// Governor applies lifecycle rules over a Repository.
type Governor struct {
	repo   Repository
	now    func() time.Time
	logger zerolog.Logger
}

// NewGovernor creates a governor.
func NewGovernor(repo Repository, logger zerolog.Logger) *Governor {
	return &Governor{
		repo:   repo,
		now:    time.Now,
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Register records a freshly generated asset as ephemeral and unpinned unless a
// row for assetID already exists.
func (g *Governor) Register(ctx context.Context, assetID, executionID string) (bool, error) {
	if assetID == "" {
		return false, fmt.Errorf("asset id: %w", perrors.ErrInvalidInput)
	}
	now := g.now().UTC()
	created, err := g.repo.InsertAssetIfAbsent(ctx, Asset{
		AssetID:        assetID,
		ExecutionID:    executionID,
		Ephemeral:      true,
		CreatedAt:      now,
		LastAccessedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("register asset %s: %w", assetID, err)
	}
	if created {
		g.logger.Debug().Str("asset_id", assetID).Str("execution_id", executionID).Msg("asset registered")
	}
	return created, nil
}

// Pin excludes the asset from cold transitions permanently.
func (g *Governor) Pin(ctx context.Context, assetID string) (Asset, error) {
	if err := g.repo.PinAsset(ctx, assetID); err != nil {
		return Asset{}, fmt.Errorf("pin asset %s: %w", assetID, err)
	}
	g.logger.Info().Str("asset_id", assetID).Msg("asset pinned")
	return g.repo.GetAsset(ctx, assetID)
}

// Touch records an access.
func (g *Governor) Touch(ctx context.Context, assetID string) (Asset, error) {
	if err := g.repo.TouchAsset(ctx, assetID, g.now().UTC()); err != nil {
		return Asset{}, fmt.Errorf("touch asset %s: %w", assetID, err)
	}
	return g.repo.GetAsset(ctx, assetID)
}

func (g *Governor) Get(ctx context.Context, assetID string) (Asset, error) {
	return g.repo.GetAsset(ctx, assetID)
}

// Transition marks every eligible warm asset cold and returns how many flipped.
func (g *Governor) Transition(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age %s: %w", maxAge, perrors.ErrInvalidInput)
	}
	assets, err := g.repo.ListWarmAssets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list warm assets: %w", err)
	}

	now := g.now().UTC()
	count := 0
	for _, a := range assets {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}
		if !a.Eligible(maxAge) {
			continue
		}
		flipped, err := g.repo.MarkAssetCold(ctx, a.AssetID, now)
		if err != nil {
			g.logger.Error().Err(err).Str("asset_id", a.AssetID).Msg("failed to mark asset cold")
			continue
		}
		if flipped {
			count++
		}
	}

	if count > 0 {
		g.logger.Info().Int("count", count).Dur("max_age", maxAge).Msg("assets moved to cold")
	}
	return count, nil
}
