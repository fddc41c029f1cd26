package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("ledger", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
	assert.Equal(t, map[string]Status{"db": StatusOK, "ledger": StatusOK}, c.Last())
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("ledger", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db_size", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
	assert.Empty(t, c.Last())
}

func TestPingCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, PingCheck(pinger{})(ctx))
	assert.Equal(t, StatusDown, PingCheck(pinger{err: errors.New("closed")})(ctx))
}

func TestSizeCheck(t *testing.T) {
	ctx := context.Background()
	size := func(n int64, err error) func() (int64, error) {
		return func() (int64, error) { return n, err }
	}
	assert.Equal(t, StatusOK, SizeCheck(size(10, nil), 100)(ctx))
	assert.Equal(t, StatusOK, SizeCheck(size(1<<30, nil), 0)(ctx))
	assert.Equal(t, StatusDegraded, SizeCheck(size(101, nil), 100)(ctx))
	assert.Equal(t, StatusDown, SizeCheck(size(0, errors.New("stat")), 100)(ctx))
}

func TestProbeCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, ProbeCheck(func(context.Context) error { return nil })(ctx))
	assert.Equal(t, StatusDown, ProbeCheck(func(context.Context) error { return errors.New("x") })(ctx))
}
