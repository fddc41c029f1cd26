package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/stagecoord/internal/audit"
	"github.com/p-blackswan/stagecoord/internal/budget"
	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/lifecycle"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "stagecoord.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, project string, st stage.StageType, success bool, finished time.Time) stage.StageExecutionRecord {
	rec := stage.StageExecutionRecord{
		ExecutionID:  id,
		UserID:       "u1",
		Plan:         stage.StagePlan{ProjectID: project, StageType: st, Inputs: map[string]any{"prompt": "p-" + id}},
		Success:      success,
		ProviderUsed: "runway",
		StartedAt:    finished.Add(-time.Second),
		FinishedAt:   finished,
	}
	if !success {
		msg := "adapter_failed"
		rec.Error = &msg
	}
	return rec
}

func TestNew_CreatesDB(t *testing.T) {
	s := newTestStore(t)

	tables := []string{
		"execution_records", "project_state", "asset_lifecycle",
		"audit_entries", "idempotency_responses", "meta",
	}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	require.NoError(t, s.db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&version))
	assert.Equal(t, "2", version)
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.SaveExecution(context.Background(), record("exe_1", "p1", stage.Shot, true, time.Now())))
	require.NoError(t, s.Close())

	s, err = New(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	n, err := s.CountExecutions(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecutions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := record(fmt.Sprintf("exe_%d", i), "p1", stage.Shot, i%2 == 0, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.SaveExecution(ctx, rec))
	}
	require.NoError(t, s.SaveExecution(ctx, record("exe_other", "p2", stage.Voice, true, base)))

	recent, err := s.RecentExecutions(ctx, "p1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "exe_4", recent[0].ExecutionID, "newest first")
	assert.Equal(t, "exe_2", recent[2].ExecutionID)
	assert.Equal(t, "p-exe_4", recent[0].Plan.Inputs["prompt"])

	got, err := s.GetExecution(ctx, "exe_1")
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Equal(t, "adapter_failed", got.ErrorString())

	_, err = s.GetExecution(ctx, "exe_missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	err = s.SaveExecution(ctx, record("exe_1", "p1", stage.Shot, true, base))
	assert.ErrorIs(t, err, perrors.ErrConflict, "execution ids are unique")
}

func TestProjectState_Upsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetProjectState(ctx, "p1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	require.NoError(t, s.UpsertProjectState(ctx, budget.ProjectState{ProjectID: "p1", BudgetRemaining: 98, StagesExecuted: 1, StagesSuccess: 1}))
	require.NoError(t, s.UpsertProjectState(ctx, budget.ProjectState{ProjectID: "p1", BudgetRemaining: 48, StagesExecuted: 3, StagesSuccess: 2, StagesError: 1}))
	require.NoError(t, s.UpsertProjectState(ctx, budget.ProjectState{ProjectID: "p1", BudgetRemaining: 73, StagesExecuted: 2, StagesSuccess: 2}),
		"a late writer with an older snapshot")

	st, err := s.GetProjectState(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 48.0, st.BudgetRemaining)
	assert.Equal(t, int64(3), st.StagesExecuted)
	assert.Equal(t, int64(1), st.StagesError)
}

func TestAssets_GovernorOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := lifecycle.NewGovernor(s, zerolog.Nop())
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, a := range []lifecycle.Asset{
		{AssetID: "stale", Ephemeral: true, CreatedAt: created, LastAccessedAt: created.Add(3700 * time.Second)},
		{AssetID: "pinned", Pinned: true, Ephemeral: true, CreatedAt: created, LastAccessedAt: created.Add(3700 * time.Second)},
		{AssetID: "fresh", Ephemeral: true, CreatedAt: created, LastAccessedAt: created.Add(time.Minute)},
	} {
		inserted, err := s.InsertAssetIfAbsent(ctx, a)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	inserted, err := s.InsertAssetIfAbsent(ctx, lifecycle.Asset{AssetID: "stale", Ephemeral: true, CreatedAt: created, LastAccessedAt: created})
	require.NoError(t, err)
	assert.False(t, inserted)

	pinned, err := s.GetAsset(ctx, "pinned")
	require.NoError(t, err)
	assert.False(t, pinned.Ephemeral, "pinned rows are never ephemeral")

	n, err := g.Transition(ctx, 3600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := s.GetAsset(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, stale.Cold)
	require.NotNil(t, stale.ColdTransitionAt)

	warm, err := s.ListWarmAssets(ctx)
	require.NoError(t, err)
	assert.Len(t, warm, 2)

	flipped, err := s.MarkAssetCold(ctx, "stale", time.Now())
	require.NoError(t, err)
	assert.False(t, flipped, "cold is write-once")
	flipped, err = s.MarkAssetCold(ctx, "pinned", time.Now())
	require.NoError(t, err)
	assert.False(t, flipped)

	require.NoError(t, s.PinAsset(ctx, "fresh"))
	fresh, err := s.GetAsset(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.Pinned)
	assert.False(t, fresh.Ephemeral)

	at := created.Add(2 * time.Hour)
	require.NoError(t, s.TouchAsset(ctx, "fresh", at))
	fresh, _ = s.GetAsset(ctx, "fresh")
	assert.True(t, at.Equal(fresh.LastAccessedAt))

	assert.ErrorIs(t, s.PinAsset(ctx, "nope"), perrors.ErrNotFound)
	assert.ErrorIs(t, s.TouchAsset(ctx, "nope", at), perrors.ErrNotFound)
	_, err = s.GetAsset(ctx, "nope")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestAuditChainOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chain := audit.NewChain(s, zerolog.Nop())

	head, err := s.LastAuditEntry(ctx, audit.KindExecutionModeration)
	require.NoError(t, err)
	assert.Nil(t, head)

	for i := 0; i < 4; i++ {
		_, err := chain.Append(ctx, audit.KindExecutionModeration, audit.RefTypeStageExecution,
			fmt.Sprintf("exe_%d", i), map[string]any{"executionId": fmt.Sprintf("exe_%d", i), "success": true})
		require.NoError(t, err)
	}

	entries, err := s.ListAuditEntries(ctx, audit.KindExecutionModeration)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, audit.Genesis, entries[0].PrevHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, int64(i), entries[i].ChainIndex)
		assert.Equal(t, entries[i-1].PayloadHash, entries[i].PrevHash)
	}

	report, err := chain.Verify(ctx, audit.KindExecutionModeration)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	dup := entries[3]
	err = s.InsertAuditEntry(ctx, dup)
	assert.ErrorIs(t, err, perrors.ErrConflict)

	_, err = s.db.Exec(`UPDATE audit_entries SET payload = '{"tampered":true}' WHERE chain_index = 2`)
	require.NoError(t, err)
	report, err = chain.Verify(ctx, audit.KindExecutionModeration)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotNil(t, report.BrokenAt)
	assert.Equal(t, int64(2), *report.BrokenAt)
}

func TestIdempotentResponses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetIdempotentResponse(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := s.SaveIdempotentResponse(ctx, "k1", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(stored))

	stored, err = s.SaveIdempotentResponse(ctx, "k1", []byte(`{"n":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(stored), "first response wins")

	got, ok, err := s.GetIdempotentResponse(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"n":1}`, string(got))
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SaveIdempotentResponse(ctx, "fresh", []byte("a"))
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO idempotency_responses (idem_key, response, created_at) VALUES ('old', 'b', ?)`,
		time.Now().Add(-48*time.Hour).UnixMilli())
	require.NoError(t, err)

	n, err := s.RunRetention(ctx, DefaultRetention())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, _ := s.GetIdempotentResponse(ctx, "old")
	assert.False(t, ok)
	_, ok, _ = s.GetIdempotentResponse(ctx, "fresh")
	assert.True(t, ok)
}

func TestDBSize(t *testing.T) {
	s := newTestStore(t)
	size, err := s.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestPruneExpired_UsesConfiguredRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.db.Exec(`INSERT INTO idempotency_responses (idem_key, response, created_at) VALUES ('hour-old', 'x', ?)`,
		time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)

	n, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	s.SetRetention(Retention{IdempotentResponses: 30 * time.Minute})
	n, err = s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
