package mgmt

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/stagecoord/internal/audit"
	"github.com/p-blackswan/stagecoord/internal/budget"
	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/executor"
	"github.com/p-blackswan/stagecoord/internal/health"
	"github.com/p-blackswan/stagecoord/internal/ledger"
	"github.com/p-blackswan/stagecoord/internal/lifecycle"
	"github.com/p-blackswan/stagecoord/internal/metrics"
	"github.com/p-blackswan/stagecoord/internal/scoring"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

const (
	// HeaderIdempotencyKey overrides the body's idempotency_key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed is "true" on responses served from a stored result.
	HeaderReplayed = "Idempotent-Replayed"

	defaultExecutionLimit = 20
	maxExecutionLimit     = 200
)

// ExecutionReader reads persisted execution records.
type ExecutionReader interface {
	GetExecution(ctx context.Context, executionID string) (stage.StageExecutionRecord, error)
	RecentExecutions(ctx context.Context, projectID string, limit int) ([]stage.StageExecutionRecord, error)
}

// Deps are the components the API fronts. Checker and Metrics may be nil.
type Deps struct {
	Coordinator *executor.Coordinator
	Ledger      ledger.Ledger
	Budgets     *budget.Store
	Assets      *lifecycle.Governor
	Audit       *audit.Chain
	Executions  ExecutionReader
	Scorer      *scoring.Scorer
	Checker     *health.Checker
	Metrics     *metrics.Metrics
}

// RuntimeConfig holds the runtime configuration shown by GET /api/v1/config.
// Only LogLevel is mutable.
type RuntimeConfig struct {
	mu             sync.RWMutex
	Environment    string
	LogLevel       string
	StoreBackend   string
	MgmtListenAddr string
	RateLimitRPS   int
	RateLimitBurst int
	AuthMode       string
	SweepInterval  time.Duration
	AssetColdAfter time.Duration
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps          Deps
	runtimeConfig *RuntimeConfig
	coldAfter     time.Duration
	version       string
	logger        zerolog.Logger
	startTime     time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, rtCfg *RuntimeConfig, cfg ServerConfig, logger zerolog.Logger) *Handlers {
	if rtCfg == nil {
		rtCfg = &RuntimeConfig{}
	}
	return &Handlers{
		deps:          deps,
		runtimeConfig: rtCfg,
		coldAfter:     cfg.AssetColdAfter,
		version:       cfg.Version,
		logger:        logger.With().Str("component", "handlers").Logger(),
		startTime:     time.Now(),
	}
}

// statusFor maps a domain error onto an HTTP status and problem type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, perrors.ErrInvalidInput):
		return fiber.StatusBadRequest, "invalid_input"
	case errors.Is(err, perrors.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, perrors.ErrConflict), errors.Is(err, perrors.ErrInvalidTransition):
		return fiber.StatusConflict, "conflict"
	case errors.Is(err, perrors.ErrBusy), errors.Is(err, perrors.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable, "unavailable"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	status, errType := statusFor(err)
	detail := err.Error()
	if status == fiber.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		detail = "An internal error occurred"
	}
	return problemResponse(c, status, errType, utils.StatusMessage(status), detail)
}

// SubmitStage handles POST /api/v1/stages.
func (h *Handlers) SubmitStage(c *fiber.Ctx) error {
	var req executor.Request
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if key := strings.TrimSpace(c.Get(HeaderIdempotencyKey)); key != "" {
		req.IdempotencyKey = key
	}

	resp, err := h.deps.Coordinator.Run(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}

	if resp.Replayed {
		c.Set(HeaderReplayed, "true")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(fiber.StatusOK).Send(resp.Body)
}

// GetExecution handles GET /api/v1/executions/:id.
func (h *Handlers) GetExecution(c *fiber.Ctx) error {
	rec, err := h.deps.Executions.GetExecution(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(rec)
}

// GetProjectBudget handles GET /api/v1/projects/:id/budget.
func (h *Handlers) GetProjectBudget(c *fiber.Ctx) error {
	st, err := h.deps.Budgets.State(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(BudgetResponse{ProjectState: st, Remaining: st.BudgetRemaining})
}

// ListProjectExecutions handles GET /api/v1/projects/:id/executions.
func (h *Handlers) ListProjectExecutions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultExecutionLimit)
	if limit < 1 || limit > maxExecutionLimit {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_limit", "Bad Request",
			"limit must be between 1 and 200")
	}
	projectID := c.Params("id")
	recs, err := h.deps.Executions.RecentExecutions(c.UserContext(), projectID, limit)
	if err != nil {
		return h.fail(c, err)
	}
	if recs == nil {
		recs = []stage.StageExecutionRecord{}
	}
	return c.JSON(ExecutionListResponse{ProjectID: projectID, Executions: recs, Limit: limit})
}

// GetUserCredits handles GET /api/v1/users/:id/credits.
func (h *Handlers) GetUserCredits(c *fiber.Ctx) error {
	snap, err := h.deps.Ledger.Snapshot(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(snap)
}

// GrantCredits handles POST /api/v1/users/:id/credits with {"amount": N}.
func (h *Handlers) GrantCredits(c *fiber.Ctx) error {
	var req struct {
		Amount int `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	userID := c.Params("id")
	if err := h.deps.Ledger.Grant(c.UserContext(), userID, req.Amount); err != nil {
		return h.fail(c, err)
	}
	h.logger.Info().Str("user_id", userID).Int("amount", req.Amount).Msg("credits granted")
	return h.GetUserCredits(c)
}

// GetAsset handles GET /api/v1/assets/:id.
func (h *Handlers) GetAsset(c *fiber.Ctx) error {
	a, err := h.deps.Assets.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(a)
}

// PinAsset handles POST /api/v1/assets/:id/pin.
func (h *Handlers) PinAsset(c *fiber.Ctx) error {
	a, err := h.deps.Assets.Pin(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(a)
}

// TouchAsset handles POST /api/v1/assets/:id/touch.
func (h *Handlers) TouchAsset(c *fiber.Ctx) error {
	a, err := h.deps.Assets.Touch(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(a)
}

// VerifyAudit handles GET /api/v1/audit/:kind/verify.
func (h *Handlers) VerifyAudit(c *fiber.Ctx) error {
	report, err := h.deps.Audit.Verify(c.UserContext(), c.Params("kind"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(VerifyResponse{Report: report})
}

// ListProviders handles GET /api/v1/providers.
func (h *Handlers) ListProviders(c *fiber.Ctx) error {
	all := h.deps.Scorer.All()
	out := make([]ProviderScore, 0, len(all))
	for p, st := range all {
		out = append(out, ProviderScore{
			Provider:    p,
			Stats:       st,
			Reliability: st.ReliabilityScore(),
			Composite:   st.Composite(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].Provider < out[j].Provider
	})
	return c.JSON(fiber.Map{"providers": out})
}

// CleanupReservations handles POST /api/v1/maintenance/reservations/cleanup.
func (h *Handlers) CleanupReservations(c *fiber.Ctx) error {
	n, err := h.deps.Ledger.CleanupExpired(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if h.deps.Metrics != nil && n > 0 {
		h.deps.Metrics.RecordReservations(string(ledger.StatusExpired), n)
	}
	h.logger.Info().Int("expired", n).Msg("reservation cleanup requested")
	return c.JSON(CleanupResponse{Expired: n})
}

// TransitionAssets handles POST /api/v1/maintenance/assets/transition.
// max_age_seconds defaults to the configured cold-after age.
func (h *Handlers) TransitionAssets(c *fiber.Ctx) error {
	maxAge := h.coldAfter
	if raw := c.Query("max_age_seconds"); raw != "" {
		secs := c.QueryInt("max_age_seconds", -1)
		if secs <= 0 {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_max_age", "Bad Request",
				"max_age_seconds must be a positive integer")
		}
		maxAge = time.Duration(secs) * time.Second
	}
	n, err := h.deps.Assets.Transition(c.UserContext(), maxAge)
	if err != nil {
		return h.fail(c, err)
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordAssetsCold(n)
	}
	return c.JSON(TransitionResponse{MaxAgeSeconds: int64(maxAge / time.Second), Transitioned: n})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	checks := map[string]string{}
	overall := "ok"
	if h.deps.Checker != nil {
		for name, status := range h.deps.Checker.RunAll(c.UserContext()) {
			checks[name] = string(status)
			if status != health.StatusOK {
				overall = "degraded"
			}
		}
	}
	return c.JSON(HealthDetailResponse{
		Status:  overall,
		Checks:  checks,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		Version: h.version,
	})
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	cfg := h.runtimeConfig
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return c.JSON(ConfigResponse{
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
		StoreBackend:   cfg.StoreBackend,
		MgmtListenAddr: cfg.MgmtListenAddr,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		AuthMode:       cfg.AuthMode,
		SweepInterval:  cfg.SweepInterval.String(),
		AssetColdAfter: cfg.AssetColdAfter.String(),
	})
}

// PatchConfig handles PATCH /api/v1/config. A new log level is applied to
// the global zerolog level immediately.
func (h *Handlers) PatchConfig(c *fiber.Ctx) error {
	var req ConfigPatchRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if req.LogLevel != nil {
		level, err := zerolog.ParseLevel(*req.LogLevel)
		if err != nil || *req.LogLevel == "" {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_log_level", "Bad Request",
				"Unknown log level: "+*req.LogLevel)
		}
		zerolog.SetGlobalLevel(level)
		h.runtimeConfig.mu.Lock()
		h.runtimeConfig.LogLevel = level.String()
		h.runtimeConfig.mu.Unlock()
		h.logger.Info().Str("log_level", level.String()).Msg("log level changed")
	}

	return h.GetConfig(c)
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.deps.Checker == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	results := h.deps.Checker.RunAll(c.UserContext())
	if !health.Ready(results) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": results,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": results})
}
