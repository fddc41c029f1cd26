package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/metrics"
	"github.com/p-blackswan/stagecoord/internal/planner"
	"github.com/p-blackswan/stagecoord/internal/stage"
	"github.com/p-blackswan/stagecoord/pkg/lru"
)

// Request is one caller submission.
type Request struct {
	ProjectID      string          `json:"project_id"`
	UserID         string          `json:"user_id"`
	StageType      stage.StageType `json:"stage_type"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Validate checks the fields every request needs.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.ProjectID) == "":
		return fmt.Errorf("project_id is required: %w", perrors.ErrInvalidInput)
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("user_id is required: %w", perrors.ErrInvalidInput)
	case !r.StageType.Valid():
		return fmt.Errorf("unknown stage type %q: %w", r.StageType, perrors.ErrInvalidInput)
	}
	return nil
}

// Response is the serialized execution record returned to a caller. Replays
// of an idempotency key return the same Body bytes.
type Response struct {
	Body     []byte
	Replayed bool
}

// Record decodes Body.
func (r Response) Record() (stage.StageExecutionRecord, error) {
	var rec stage.StageExecutionRecord
	if err := json.Unmarshal(r.Body, &rec); err != nil {
		return stage.StageExecutionRecord{}, fmt.Errorf("decode response: %w", err)
	}
	return rec, nil
}

// ResponseStore persists idempotent responses across restarts and instances.
type ResponseStore interface {
	GetIdempotentResponse(ctx context.Context, key string) ([]byte, bool, error)
	// SaveIdempotentResponse stores resp unless the key already has one and
	// returns the stored bytes.
	SaveIdempotentResponse(ctx context.Context, key string, resp []byte) ([]byte, error)
}

// CoordinatorConfig tunes the idempotency cache.
type CoordinatorConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultCoordinatorConfig returns production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{CacheSize: 1024, CacheTTL: 24 * time.Hour}
}

// Coordinator is the request entry point: plan, execute, and answer repeated
// idempotency keys from the first response.
type Coordinator struct {
	planner   *planner.Planner
	executor  *Executor
	responses ResponseStore
	cache     *lru.Cache[string, []byte]
	locks     *keyLocks
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewCoordinator creates a coordinator. responses may be nil, in which case
// idempotent responses live only in the in-process cache.
func NewCoordinator(p *planner.Planner, ex *Executor, responses ResponseStore, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if cfg.CacheSize < 1 {
		cfg.CacheSize = DefaultCoordinatorConfig().CacheSize
	}
	return &Coordinator{
		planner:   p,
		executor:  ex,
		responses: responses,
		cache:     lru.New[string, []byte](cfg.CacheSize, lru.WithTTL(cfg.CacheTTL)),
		locks:     newKeyLocks(),
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
}

// SetMetrics sets the metrics collector.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Run plans and executes req. Requests carrying an idempotency key go through
// ExecuteIdempotent. The returned error is set only for invalid requests or
// when planning itself fails; execution failures are inside the record.
func (c *Coordinator) Run(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	if req.IdempotencyKey != "" {
		return c.ExecuteIdempotent(ctx, req.IdempotencyKey, req)
	}
	body, err := c.execute(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return Response{Body: body}, nil
}

// ExecuteIdempotent runs req at most once per user and key. Concurrent
// callers with the same key wait for the first; later callers get its bytes
// verbatim. Keys of different users never collide.
func (c *Coordinator) ExecuteIdempotent(ctx context.Context, key string, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(key) == "" {
		return Response{}, fmt.Errorf("idempotency key is empty: %w", perrors.ErrInvalidInput)
	}
	key = scopedKey(req.UserID, key)

	unlock := c.locks.lock(key)
	defer unlock()

	if body, ok, err := c.lookup(ctx, key); err != nil {
		return Response{}, err
	} else if ok {
		c.logger.Debug().Str("idempotency_key", key).Msg("replaying stored response")
		if c.metrics != nil {
			c.metrics.RecordReplay()
		}
		return Response{Body: body, Replayed: true}, nil
	}

	body, err := c.execute(ctx, req)
	if err != nil {
		return Response{}, err
	}

	if c.responses != nil {
		stored, err := c.responses.SaveIdempotentResponse(context.WithoutCancel(ctx), key, body)
		if err != nil {
			// the cache still covers this instance
			c.logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotent response not persisted")
		} else {
			body = stored
		}
	}
	body, _ = c.cache.PutIfAbsent(key, body)
	return Response{Body: body}, nil
}

// scopedKey namespaces an idempotency key by user. The length prefix keeps
// user IDs containing the separator unambiguous.
func scopedKey(userID, key string) string {
	return fmt.Sprintf("%d:%s:%s", len(userID), userID, key)
}

func (c *Coordinator) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if body, ok := c.cache.Get(key); ok {
		return body, true, nil
	}
	if c.responses == nil {
		return nil, false, nil
	}
	body, ok, err := c.responses.GetIdempotentResponse(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if ok {
		c.cache.Put(key, body)
	}
	return body, ok, nil
}

func (c *Coordinator) execute(ctx context.Context, req Request) ([]byte, error) {
	plan, err := c.planner.Plan(ctx, req.ProjectID, req.StageType, req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("plan %s for %s: %w", req.StageType, req.ProjectID, err)
	}
	rec := c.executor.Execute(ctx, req.UserID, plan)
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ExecutionID, err)
	}
	return body, nil
}
