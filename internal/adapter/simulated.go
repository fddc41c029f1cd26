package adapter

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

// Simulated is an in-process adapter that always produces a new asset unless
// the provider has been marked as failing. It backs local runs and tests.
type Simulated struct {
	cap  stage.Capability
	cost func(stage.Provider) float64

	mu      sync.RWMutex
	failing map[stage.Provider]bool
}

// NewSimulated creates a simulated adapter. cost may be nil, in which case
// the cost estimate is 0 and the executor charges the reservation amount.
func NewSimulated(c stage.Capability, cost func(stage.Provider) float64) *Simulated {
	return &Simulated{cap: c, cost: cost, failing: make(map[stage.Provider]bool)}
}

// SetFailing makes every call for provider fail, or succeed again.
func (s *Simulated) SetFailing(provider stage.Provider, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[provider] = failing
}

func (s *Simulated) Capability() stage.Capability { return s.cap }

func (s *Simulated) Execute(ctx context.Context, provider stage.Provider, params stage.Params) Outcome {
	if err := ctx.Err(); err != nil {
		return Failure{Reason: "cancelled", Err: err}
	}
	s.mu.RLock()
	failing := s.failing[provider]
	s.mu.RUnlock()
	if failing {
		return Failure{Reason: "simulated provider outage: " + string(provider)}
	}

	payload := map[string]any{
		"asset_id":   "asset_" + ulid.Make().String(),
		"provider":   string(provider),
		"capability": string(s.cap),
		"stage_type": string(params.StageType()),
	}
	for k, v := range params.Named() {
		payload[k] = v
	}
	var cost float64
	if s.cost != nil {
		cost = s.cost(provider)
	}
	return Success{Payload: payload, CostEstimate: cost}
}
