// Package adapter defines the contract between the executor and the media
// generation backends, and the registry that resolves a capability to its
// adapter.
package adapter

import (
	"context"
	"fmt"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

// Outcome is the result of one adapter call: either Success or Failure.
type Outcome interface {
	outcome()
}

// Success carries the generated result.
type Success struct {
	Payload      map[string]any
	CostEstimate float64
}

// Failure explains why the call produced nothing usable.
type Failure struct {
	Reason string
	Err    error
}

func (Success) outcome() {}
func (Failure) outcome() {}

func (f Failure) Error() string {
	if f.Err != nil {
		return f.Reason + ": " + f.Err.Error()
	}
	return f.Reason
}

// MediaAdapter executes one capability against a named provider.
type MediaAdapter interface {
	Capability() stage.Capability
	Execute(ctx context.Context, provider stage.Provider, params stage.Params) Outcome
}

// Invoke calls a.Execute and converts a panic or a nil outcome into Failure.
func Invoke(ctx context.Context, a MediaAdapter, provider stage.Provider, params stage.Params) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failure{Reason: fmt.Sprintf("adapter panic: %v", r)}
		}
	}()
	out = a.Execute(ctx, provider, params)
	if out == nil {
		return Failure{Reason: "adapter returned no result"}
	}
	return out
}

// Registry maps each capability to exactly one adapter.
type Registry struct {
	adapters map[stage.Capability]MediaAdapter
}

// NewRegistry builds a registry, rejecting unknown or duplicate capabilities.
func NewRegistry(adapters ...MediaAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[stage.Capability]MediaAdapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a. It fails if a's capability is unknown or already taken.
func (r *Registry) Register(a MediaAdapter) error {
	c := a.Capability()
	if !c.Known() {
		return fmt.Errorf("adapter: unknown capability %q", c)
	}
	if _, dup := r.adapters[c]; dup {
		return fmt.Errorf("adapter: capability %q registered twice", c)
	}
	r.adapters[c] = a
	return nil
}

// Lookup returns the adapter for c.
func (r *Registry) Lookup(c stage.Capability) (MediaAdapter, bool) {
	a, ok := r.adapters[c]
	return a, ok
}

// Capabilities lists the registered capabilities in stage-type order.
func (r *Registry) Capabilities() []stage.Capability {
	out := make([]stage.Capability, 0, len(r.adapters))
	for _, st := range stage.StageTypes {
		c, _ := st.Capability()
		if _, ok := r.adapters[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Func adapts a function to MediaAdapter.
type Func struct {
	Cap stage.Capability
	Fn  func(ctx context.Context, provider stage.Provider, params stage.Params) Outcome
}

func (f Func) Capability() stage.Capability { return f.Cap }

func (f Func) Execute(ctx context.Context, provider stage.Provider, params stage.Params) Outcome {
	return f.Fn(ctx, provider, params)
}
