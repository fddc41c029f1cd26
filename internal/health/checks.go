package health

import (
	"context"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingCheck is down when the database does not answer a ping.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// SizeCheck is degraded once size reports more than limit bytes, and down
// when size fails. A limit of 0 only checks that size succeeds.
func SizeCheck(size func() (int64, error), limit int64) CheckFunc {
	return func(context.Context) Status {
		n, err := size()
		if err != nil {
			return StatusDown
		}
		if limit > 0 && n > limit {
			return StatusDegraded
		}
		return StatusOK
	}
}

// ProbeCheck maps any error from probe to StatusDown.
func ProbeCheck(probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}
