package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/ledger"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

type memResponses struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memResponses) GetIdempotentResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memResponses) SaveIdempotentResponse(_ context.Context, key string, resp []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.data[key]; ok {
		return b, nil
	}
	m.data[key] = resp
	return resp, nil
}

func newCoordinator(t *testing.T) (*Coordinator, *harness, *memResponses) {
	t.Helper()
	h := newHarness(t, ledger.DefaultConfig())
	responses := &memResponses{data: map[string][]byte{}}
	c := NewCoordinator(h.planner, h.exec, responses, DefaultCoordinatorConfig(), zerolog.Nop())
	c.SetMetrics(h.metrics)
	return c, h, responses
}

func TestRun_PlansAndExecutes(t *testing.T) {
	c, h, _ := newCoordinator(t)

	resp, err := c.Run(context.Background(), Request{ProjectID: h.projectID, UserID: h.userID, StageType: stage.Storyboard})
	require.NoError(t, err)
	assert.False(t, resp.Replayed)

	rec, err := resp.Record()
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, h.projectID, rec.Plan.ProjectID)
	assert.Equal(t, int64(1), rec.Plan.PlanVersion)
}

func TestRun_Validation(t *testing.T) {
	c, _, _ := newCoordinator(t)
	for name, req := range map[string]Request{
		"no project": {UserID: "u", StageType: stage.Shot},
		"no user":    {ProjectID: "p", StageType: stage.Shot},
		"bad stage":  {ProjectID: "p", UserID: "u", StageType: "HOLOGRAM"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Run(context.Background(), req)
			assert.ErrorIs(t, err, perrors.ErrInvalidInput)
		})
	}
}

func TestIdempotency_ReplaysBytes(t *testing.T) {
	c, h, responses := newCoordinator(t)
	req := Request{ProjectID: h.projectID, UserID: h.userID, StageType: stage.Shot, IdempotencyKey: "req-42"}

	first, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := c.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Body, second.Body)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, h.recorder.count(), "one record for one key")
	assert.Equal(t, 50.0, 100-h.budget(t), "charged once")

	// a fresh coordinator over the same response store still replays
	c2 := NewCoordinator(h.planner, h.exec, responses, DefaultCoordinatorConfig(), zerolog.Nop())
	third, err := c2.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, first.Body, third.Body)
}

func TestIdempotency_ConcurrentSameKey(t *testing.T) {
	c, h, _ := newCoordinator(t)
	req := Request{ProjectID: h.projectID, UserID: h.userID, StageType: stage.Storyboard, IdempotencyKey: "burst"}

	var wg sync.WaitGroup
	bodies := make([][]byte, 10)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Run(context.Background(), req)
			assert.NoError(t, err)
			bodies[i] = resp.Body
		}(i)
	}
	wg.Wait()

	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
	assert.Equal(t, 1, h.recorder.count())
	assert.Equal(t, 0, c.locks.size(), "key locks are released")
}

func TestIdempotency_DistinctKeysExecuteSeparately(t *testing.T) {
	c, h, _ := newCoordinator(t)
	for _, key := range []string{"a", "b"} {
		_, err := c.Run(context.Background(), Request{ProjectID: h.projectID, UserID: h.userID, StageType: stage.Storyboard, IdempotencyKey: key})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.recorder.count())
	assert.Equal(t, 96.0, h.budget(t))
}

func TestIdempotency_KeysAreScopedPerUser(t *testing.T) {
	c, h, responses := newCoordinator(t)
	req := Request{ProjectID: h.projectID, UserID: "alice", StageType: stage.Storyboard, IdempotencyKey: "shared"}

	first, err := c.Run(context.Background(), req)
	require.NoError(t, err)

	req.UserID = "bob"
	second, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Body, second.Body)

	rec, err := second.Record()
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.UserID)
	assert.Equal(t, 2, h.recorder.count())
	assert.Len(t, responses.data, 2)

	req.UserID = "alice"
	again, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Body, again.Body)
}

func TestScopedKey(t *testing.T) {
	assert.NotEqual(t, scopedKey("a:b", "c"), scopedKey("a", "b:c"))
	assert.Equal(t, "5:alice:k1", scopedKey("alice", "k1"))
}

func TestExecuteIdempotent_EmptyKey(t *testing.T) {
	c, h, _ := newCoordinator(t)
	_, err := c.ExecuteIdempotent(context.Background(), " ", Request{ProjectID: h.projectID, UserID: h.userID, StageType: stage.Storyboard})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}
