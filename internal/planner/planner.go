// Package planner turns a stage request into an immutable StagePlan.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/stagecoord/internal/budget"
	"github.com/p-blackswan/stagecoord/internal/catalog"
	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/scoring"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

// TruncationMarker ends a history summary that was cut to fit its budget.
const TruncationMarker = "…[truncated]"

// HistorySource supplies recent executions for a project, newest first.
type HistorySource interface {
	RecentExecutions(ctx context.Context, projectID string, limit int) ([]stage.StageExecutionRecord, error)
}

// Config tunes planning.
type Config struct {
	SummaryChars int // history summary budget in characters
	HistoryLimit int // executions scanned for the summary
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SummaryChars: 1500, HistoryLimit: 20}
}

// Planner selects providers and stamps budget metadata.
type Planner struct {
	catalog *catalog.Catalog
	scorer  *scoring.Scorer
	budgets *budget.Store
	history HistorySource
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a planner. history may be nil, in which case DIRECTION and
// SCRIPT plans carry no summary.
func New(cat *catalog.Catalog, scorer *scoring.Scorer, budgets *budget.Store, history HistorySource, cfg Config, logger zerolog.Logger) *Planner {
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = DefaultConfig().SummaryChars
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	return &Planner{
		catalog: cat,
		scorer:  scorer,
		budgets: budgets,
		history: history,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With().Str("component", "planner").Logger(),
	}
}

// Plan builds the plan for one stage of projectID. inputs is not modified.
func (p *Planner) Plan(ctx context.Context, projectID string, st stage.StageType, inputs map[string]any) (stage.StagePlan, error) {
	capability, ok := st.Capability()
	if !ok {
		return stage.StagePlan{}, fmt.Errorf("stage type %q: %w", st, perrors.ErrInvalidInput)
	}
	specs := p.catalog.Providers(capability)
	if len(specs) == 0 {
		return stage.StagePlan{}, fmt.Errorf("no providers for %s: %w", capability, perrors.ErrInvalidInput)
	}

	byName := make(map[stage.Provider]catalog.ProviderSpec, len(specs))
	names := make([]stage.Provider, 0, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
		names = append(names, s.Name)
	}
	ranked := p.scorer.Rank(names)

	fallbacks := make([]stage.FallbackCandidate, 0, len(ranked))
	for _, name := range ranked[1:] {
		fallbacks = append(fallbacks, candidate(capability, byName[name]))
	}
	if fb, ok := p.catalog.Fallback(capability); ok {
		fallbacks = append(fallbacks, candidate(capability, fb))
	}

	remaining, err := p.budgets.Get(ctx, projectID)
	if err != nil {
		return stage.StagePlan{}, fmt.Errorf("resolve budget %s: %w", projectID, err)
	}
	version, err := p.budgets.NextPlanVersion(ctx, projectID)
	if err != nil {
		return stage.StagePlan{}, fmt.Errorf("plan version %s: %w", projectID, err)
	}

	planInputs := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		planInputs[k] = v
	}
	if st == stage.Direction || st == stage.Script {
		if _, given := planInputs[stage.InputHistorySummary]; !given {
			if summary := p.historySummary(ctx, projectID); summary != "" {
				planInputs[stage.InputHistorySummary] = summary
			}
		}
	}

	if err := p.budgets.MarkPlanned(ctx, projectID); err != nil {
		p.logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to count planned stage")
	}

	plan := stage.StagePlan{
		ProjectID:             projectID,
		StageType:             st,
		Inputs:                planInputs,
		PrimaryProvider:       ranked[0],
		PrimaryCapability:     capability,
		Fallbacks:             fallbacks,
		BudgetRemainingAtPlan: remaining,
		PlanVersion:           version,
		CreatedAt:             p.now().UTC(),
	}

	p.logger.Debug().
		Str("project_id", projectID).
		Str("stage_type", string(st)).
		Str("primary", string(plan.PrimaryProvider)).
		Int("fallbacks", len(fallbacks)).
		Int64("plan_version", version).
		Msg("stage planned")
	return plan, nil
}

func candidate(capability stage.Capability, s catalog.ProviderSpec) stage.FallbackCandidate {
	return stage.FallbackCandidate{
		Provider:   s.Name,
		Capability: capability,
		EstQuality: s.EstQuality,
		EstCost:    s.EstCost,
	}
}

var summarizedStages = map[stage.StageType]bool{
	stage.Storyboard: true,
	stage.Shot:       true,
	stage.Script:     true,
}

func (p *Planner) historySummary(ctx context.Context, projectID string) string {
	if p.history == nil {
		return ""
	}
	records, err := p.history.RecentExecutions(ctx, projectID, p.cfg.HistoryLimit)
	if err != nil {
		p.logger.Warn().Err(err).Str("project_id", projectID).Msg("history unavailable, planning without summary")
		return ""
	}

	var lines []string
	for _, r := range records {
		if !summarizedStages[r.Plan.StageType] {
			continue
		}
		outcome := "ok"
		if !r.Success {
			outcome = "failed"
		}
		line := fmt.Sprintf("[%s] %s via %s", r.Plan.StageType, outcome, r.ProviderUsed)
		if prompt, ok := r.Plan.Inputs["prompt"].(string); ok && prompt != "" {
			line += ": " + prompt
		}
		lines = append(lines, line)
	}
	return Summarize(lines, p.cfg.SummaryChars)
}

// Summarize joins lines and cuts the result to at most limit characters,
// ending with TruncationMarker when anything was dropped.
func Summarize(lines []string, limit int) string {
	joined := strings.Join(lines, "\n")
	if utf8.RuneCountInString(joined) <= limit {
		return joined
	}
	keep := limit - utf8.RuneCountInString(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(joined)
	return string(runes[:keep]) + TruncationMarker
}
