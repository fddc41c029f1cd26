package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo Repository, id string, pinned bool, accessDelta time.Duration) {
	t.Helper()
	_, err := repo.InsertAssetIfAbsent(context.Background(), Asset{
		AssetID:        id,
		Pinned:         pinned,
		Ephemeral:      !pinned,
		CreatedAt:      base,
		LastAccessedAt: base.Add(accessDelta),
	})
	require.NoError(t, err)
}

func TestTransition_AccessDelta(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	g := NewGovernor(repo, zerolog.Nop())

	seed(t, repo, "stale", false, 3700*time.Second)
	seed(t, repo, "pinned", true, 3700*time.Second)
	seed(t, repo, "fresh", false, 10*time.Second)

	n, err := g.Transition(ctx, 3600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := g.Get(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, a.Cold)
	assert.NotNil(t, a.ColdTransitionAt)

	p, _ := g.Get(ctx, "pinned")
	assert.False(t, p.Cold)
	f, _ := g.Get(ctx, "fresh")
	assert.False(t, f.Cold)

	n, err = g.Transition(ctx, 3600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep finds nothing new")
}

func TestTransition_RejectsNonPositiveAge(t *testing.T) {
	g := NewGovernor(NewMemoryRepository(), zerolog.Nop())
	_, err := g.Transition(context.Background(), 0)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestRegister_Idempotent(t *testing.T) {
	ctx := context.Background()
	g := NewGovernor(NewMemoryRepository(), zerolog.Nop())

	created, err := g.Register(ctx, "asset-1", "exe_1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = g.Register(ctx, "asset-1", "exe_2")
	require.NoError(t, err)
	assert.False(t, created)

	a, err := g.Get(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "exe_1", a.ExecutionID)
	assert.True(t, a.Ephemeral)
	assert.False(t, a.Pinned)
	assert.False(t, a.Cold)

	_, err = g.Register(ctx, "", "exe_3")
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestPin_ClearsEphemeralAndBlocksCold(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	g := NewGovernor(repo, zerolog.Nop())
	seed(t, repo, "a", false, 2*time.Hour)

	a, err := g.Pin(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.Pinned)
	assert.False(t, a.Ephemeral)

	n, err := g.Transition(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = g.Pin(ctx, "missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestTouch_ExtendsAccessDelta(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	g := NewGovernor(repo, zerolog.Nop())
	g.now = func() time.Time { return base.Add(2 * time.Hour) }
	seed(t, repo, "a", false, 0)

	n, _ := g.Transition(ctx, time.Hour)
	assert.Equal(t, 0, n)

	a, err := g.Touch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Hour), a.LastAccessedAt)

	n, _ = g.Transition(ctx, time.Hour)
	assert.Equal(t, 1, n)
}

func TestColdIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seed(t, repo, "a", false, 2*time.Hour)

	flipped, err := repo.MarkAssetCold(ctx, "a", base)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = repo.MarkAssetCold(ctx, "a", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, flipped)

	a, _ := repo.GetAsset(ctx, "a")
	assert.Equal(t, base, *a.ColdTransitionAt)

	require.NoError(t, repo.PinAsset(ctx, "a"))
	a, _ = repo.GetAsset(ctx, "a")
	assert.True(t, a.Cold, "pinning never reverts cold")
}

func TestEligible(t *testing.T) {
	a := Asset{Ephemeral: true, CreatedAt: base, LastAccessedAt: base.Add(time.Hour)}
	assert.True(t, a.Eligible(time.Hour))
	assert.False(t, a.Eligible(time.Hour+time.Second))

	a.Pinned = true
	assert.False(t, a.Eligible(time.Minute))
}
