// Package executor runs stage plans to a single terminal record: admission,
// credit reservation, the primary adapter call, ordered fallbacks, and the
// finalizing writes (ledger, budget, counters, scoring, audit, assets, events).
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/stagecoord/internal/adapter"
	"github.com/p-blackswan/stagecoord/internal/audit"
	"github.com/p-blackswan/stagecoord/internal/budget"
	"github.com/p-blackswan/stagecoord/internal/catalog"
	perrors "github.com/p-blackswan/stagecoord/internal/errors"
	"github.com/p-blackswan/stagecoord/internal/events"
	"github.com/p-blackswan/stagecoord/internal/ids"
	"github.com/p-blackswan/stagecoord/internal/ledger"
	"github.com/p-blackswan/stagecoord/internal/lifecycle"
	"github.com/p-blackswan/stagecoord/internal/metrics"
	"github.com/p-blackswan/stagecoord/internal/scoring"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

// Config holds admission limits.
type Config struct {
	// PremiumMinBalance is the available credit a user needs before a premium
	// provider is attempted.
	PremiumMinBalance int
	// MaxActive is the simultaneous active reservation cap checked at admission.
	MaxActive int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{PremiumMinBalance: 500, MaxActive: 2}
}

// Recorder persists finished executions and project counters.
type Recorder interface {
	SaveExecution(ctx context.Context, rec stage.StageExecutionRecord) error
	UpsertProjectState(ctx context.Context, st budget.ProjectState) error
}

// Executor runs plans. It is safe for concurrent use; each Execute call runs
// its state machine to completion on the caller's goroutine.
type Executor struct {
	ledger   ledger.Ledger
	budgets  *budget.Store
	adapters *adapter.Registry
	catalog  *catalog.Catalog
	scorer   *scoring.Scorer
	chain    *audit.Chain
	assets   *lifecycle.Governor

	recorder Recorder
	emitter  events.Emitter
	metrics  *metrics.Metrics

	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an executor. Recorder, emitter and metrics are optional and set
// with the Set* methods.
func New(
	led ledger.Ledger,
	budgets *budget.Store,
	adapters *adapter.Registry,
	cat *catalog.Catalog,
	scorer *scoring.Scorer,
	chain *audit.Chain,
	assets *lifecycle.Governor,
	cfg Config,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		ledger:   led,
		budgets:  budgets,
		adapters: adapters,
		catalog:  cat,
		scorer:   scorer,
		chain:    chain,
		assets:   assets,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// SetRecorder sets the persistence sink for records and project state.
func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

// SetEmitter sets the event sink.
func (e *Executor) SetEmitter(em events.Emitter) {
	e.emitter = em
}

// SetMetrics sets the metrics collector.
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// hold is a reservation owned by the current execution.
type hold struct {
	jobID  string
	amount int
}

// run is the mutable state of one execution.
type run struct {
	rec    stage.StageExecutionRecord
	hold   *hold // latest reservation, active or released
	log    zerolog.Logger
	userID string
}

// Execute runs plan for userID and always returns a terminal record. Errors
// never escape; they are carried on the record's Error field.
func (e *Executor) Execute(ctx context.Context, userID string, plan stage.StagePlan) stage.StageExecutionRecord {
	r := &run{
		userID: userID,
		rec: stage.StageExecutionRecord{
			ExecutionID:    ids.NewExecutionID(),
			UserID:         userID,
			Plan:           plan,
			ProviderUsed:   plan.PrimaryProvider,
			CapabilityUsed: plan.PrimaryCapability,
			StartedAt:      e.now().UTC(),
		},
	}
	r.log = e.logger.With().
		Str("execution_id", r.rec.ExecutionID).
		Str("project_id", plan.ProjectID).
		Str("user_id", userID).
		Str("stage_type", string(plan.StageType)).
		Str("request_id", ids.RequestIDFromContext(ctx)).
		Logger()

	premium := e.catalog.IsPremium(plan.PrimaryProvider)
	cost := stage.Cost(plan.StageType, premium)

	if err := e.admit(ctx, r, premium); err != nil {
		return e.reject(ctx, r, err)
	}
	if err := e.reserve(ctx, r, cost); err != nil {
		return e.reject(ctx, r, err)
	}
	if err := e.checkBudget(ctx, r); err != nil {
		e.release(ctx, r)
		return e.reject(ctx, r, err)
	}

	outcome, err := e.attempt(ctx, r, plan.PrimaryProvider, plan.PrimaryCapability)
	if err != nil && len(plan.Fallbacks) > 0 && e.release(ctx, r) {
		outcome, err = e.fallback(ctx, r, cost, err)
	}
	return e.finalize(ctx, r, outcome, err)
}

// admit applies the checks that need no reservation.
func (e *Executor) admit(ctx context.Context, r *run, premium bool) error {
	if premium && e.cfg.PremiumMinBalance > 0 {
		snap, err := e.ledger.Snapshot(ctx, r.userID)
		if err != nil {
			return &perrors.StageError{Kind: perrors.KindAdmission, Code: perrors.CodeDependencyDown, Message: "credit snapshot", Err: err}
		}
		if snap.Available < e.cfg.PremiumMinBalance {
			return perrors.Admission(perrors.CodePremiumMinBalance,
				fmt.Sprintf("available %d below premium minimum %d", snap.Available, e.cfg.PremiumMinBalance))
		}
	}

	if e.cfg.MaxActive > 0 {
		active, err := e.ledger.ActiveReservationCount(ctx, r.userID)
		if err != nil {
			return &perrors.StageError{Kind: perrors.KindAdmission, Code: perrors.CodeDependencyDown, Message: "active reservations", Err: err}
		}
		if active >= e.cfg.MaxActive {
			return perrors.Admission(perrors.CodeSimultaneousJobLimit,
				fmt.Sprintf("%d active reservations (limit %d)", active, e.cfg.MaxActive))
		}
	}
	return nil
}

// reserve places a new hold for amount and makes it the run's current hold.
func (e *Executor) reserve(ctx context.Context, r *run, amount int) error {
	jobID := ids.NewJobID()
	if err := e.ledger.Reserve(ctx, r.userID, jobID, amount); err != nil {
		e.recordReservation("rejected")
		var se *perrors.StageError
		if errors.As(err, &se) {
			return se
		}
		return &perrors.StageError{Kind: perrors.KindReservation, Code: perrors.CodeDependencyDown, Message: "reserve", Err: err}
	}
	e.recordReservation(string(ledger.StatusReserved))

	r.hold = &hold{jobID: jobID, amount: amount}
	r.rec.ReservationJobID = jobID
	r.rec.CreditReserved = intPtr(amount)
	r.rec.CreditCommitted = nil
	r.rec.CreditRolledBack = nil
	r.log.Debug().Str("job_id", jobID).Int("amount", amount).Msg("credit reserved")
	return nil
}

// release rolls back the current hold and reports whether the run holds no
// credit afterwards. The rollback ignores caller cancellation. A hold whose
// rollback fails stays on the record as reserved and is left to expire.
func (e *Executor) release(ctx context.Context, r *run) bool {
	if r.hold == nil || r.rec.CreditRolledBack != nil || r.rec.CreditCommitted != nil {
		return true
	}
	if err := e.ledger.Rollback(context.WithoutCancel(ctx), r.userID, r.hold.jobID); err != nil {
		r.log.Error().Err(err).Str("job_id", r.hold.jobID).Msg("rollback failed")
		e.recordError("ledger", "rollback")
		return false
	}
	e.recordReservation(string(ledger.StatusRolledBack))
	r.rec.CreditRolledBack = intPtr(r.hold.amount)
	return true
}

func (e *Executor) checkBudget(ctx context.Context, r *run) error {
	remaining, err := e.budgets.Get(ctx, r.rec.Plan.ProjectID)
	if err != nil {
		return &perrors.StageError{Kind: perrors.KindAdmission, Code: perrors.CodeDependencyDown, Message: "project budget", Err: err}
	}
	if remaining <= 0 {
		return perrors.Admission(perrors.CodeBudgetExhausted,
			fmt.Sprintf("project %s budget %.2f", r.rec.Plan.ProjectID, remaining))
	}
	return nil
}

// attempt calls the adapter for one provider under the current hold.
func (e *Executor) attempt(ctx context.Context, r *run, provider stage.Provider, capability stage.Capability) (adapter.Success, error) {
	a := stage.Attempt{Provider: provider, Capability: capability}
	if r.hold != nil {
		a.JobID, a.Amount = r.hold.jobID, r.hold.amount
	}
	r.rec.ProviderUsed, r.rec.CapabilityUsed = provider, capability

	finish := func(out adapter.Success, err error, latency time.Duration) (adapter.Success, error) {
		a.Success = err == nil
		a.LatencyMs = latency.Milliseconds()
		if err != nil {
			a.Error = err.Error()
		}
		r.rec.Attempts = append(r.rec.Attempts, a)
		return out, err
	}

	ad, ok := e.adapters.Lookup(capability)
	if !ok {
		return finish(adapter.Success{}, perrors.Adapter(perrors.CodeNoAdapter, string(capability), nil), 0)
	}
	params, err := stage.BuildParams(r.rec.Plan.StageType, r.rec.Plan.Inputs)
	if err != nil {
		return finish(adapter.Success{}, perrors.Adapter(perrors.CodeAdapterFailed, "build params", err), 0)
	}

	start := e.now()
	out := adapter.Invoke(ctx, ad, provider, params)
	latency := e.now().Sub(start)

	switch o := out.(type) {
	case adapter.Success:
		e.observeAdapter(provider, true, latency)
		r.log.Debug().Str("provider", string(provider)).Dur("latency", latency).Msg("adapter succeeded")
		return finish(o, nil, latency)
	case adapter.Failure:
		e.observeAdapter(provider, false, latency)
		r.log.Warn().Str("provider", string(provider)).Str("reason", o.Reason).Err(o.Err).Msg("adapter failed")
		return finish(adapter.Success{}, perrors.Adapter(perrors.CodeAdapterFailed, string(provider)+": "+o.Reason, o.Err), latency)
	}
	return finish(adapter.Success{}, perrors.Adapter(perrors.CodeAdapterFailed, "unknown outcome", nil), latency)
}

// fallback walks the plan's fallbacks in order. Each candidate gets its own
// reduced reservation, released before the next candidate reserves, so at most
// one hold is active at any time. A reservation rejection stops the walk.
func (e *Executor) fallback(ctx context.Context, r *run, primaryCost int, primaryErr error) (adapter.Success, error) {
	amount := stage.FallbackCost(primaryCost)
	lastErr := primaryErr
	for i, fb := range r.rec.Plan.Fallbacks {
		if ctx.Err() != nil {
			r.log.Warn().Err(ctx.Err()).Msg("fallback walk cancelled")
			return adapter.Success{}, perrors.Adapter(perrors.CodeAdapterFailed, "cancelled before fallback", lastErr)
		}
		if err := e.reserve(ctx, r, amount); err != nil {
			r.log.Warn().Err(err).Str("provider", string(fb.Provider)).Msg("fallback reservation rejected")
			return adapter.Success{}, err
		}
		out, err := e.attempt(ctx, r, fb.Provider, fb.Capability)
		if err == nil {
			r.rec.FallbackUsed = true
			r.log.Info().Str("provider", string(fb.Provider)).Int("position", i).Msg("fallback succeeded")
			if e.metrics != nil {
				e.metrics.RecordFallback(string(fb.Capability), string(fb.Provider))
			}
			return out, nil
		}
		lastErr = err
		if !e.release(ctx, r) {
			return adapter.Success{}, perrors.Adapter(perrors.CodeAdapterFailed, "fallback hold not released", lastErr)
		}
	}
	return adapter.Success{}, perrors.Adapter(perrors.CodeFallbacksExhausted,
		fmt.Sprintf("%d fallbacks failed", len(r.rec.Plan.Fallbacks)), lastErr)
}

// reject terminates an execution that never reached an adapter. It persists
// and emits the record but leaves budget, counters, scoring and the audit
// chain untouched.
func (e *Executor) reject(ctx context.Context, r *run, err error) stage.StageExecutionRecord {
	ctx = context.WithoutCancel(ctx)
	r.rec.Success = false
	r.rec.Error = strPtr(err.Error())
	r.rec.FinishedAt = e.now().UTC()

	code := string(perrors.CodeOf(err))
	r.log.Info().Str("code", code).Msg("execution rejected")
	if e.metrics != nil {
		e.metrics.RecordAdmissionRejection(code)
		e.metrics.RecordExecution(string(r.rec.Plan.StageType), false)
	}

	e.persist(ctx, r)
	e.emit(ctx, r)
	return r.rec
}

// finalize settles the reservation and applies every post-execution write.
// Failures here are logged and never change the computed outcome.
func (e *Executor) finalize(ctx context.Context, r *run, out adapter.Success, execErr error) stage.StageExecutionRecord {
	ctx = context.WithoutCancel(ctx)
	plan := r.rec.Plan
	success := execErr == nil

	if success {
		r.rec.ResultPayload = out.Payload
		r.rec.CostActual = out.CostEstimate
		if r.rec.CostActual <= 0 && r.hold != nil {
			r.rec.CostActual = float64(r.hold.amount)
		}
		e.commit(ctx, r)
	} else {
		r.rec.Error = strPtr(execErr.Error())
		e.release(ctx, r)
	}
	r.rec.Success = success
	r.rec.FinishedAt = e.now().UTC()

	if r.rec.CostActual > 0 {
		remaining, err := e.budgets.Decrement(ctx, plan.ProjectID, r.rec.CostActual)
		if err != nil {
			r.log.Error().Err(err).Float64("cost", r.rec.CostActual).Msg("budget decrement failed")
			e.recordError("budget", "decrement")
		} else if e.metrics != nil {
			e.metrics.SetProjectBudget(plan.ProjectID, remaining)
		}
	}

	state, err := e.budgets.RecordExecuted(ctx, plan.ProjectID, success)
	if err != nil {
		r.log.Error().Err(err).Msg("project counters update failed")
		e.recordError("budget", "counters")
	} else if e.recorder != nil {
		if err := e.recorder.UpsertProjectState(ctx, state); err != nil {
			r.log.Warn().Err(err).Msg("project state persistence failed")
			e.recordError("store", "project_state")
		}
	}

	for _, a := range r.rec.Attempts {
		cost := 0.0
		if a.Success {
			cost = r.rec.CostActual
		}
		e.scorer.Record(a.Provider, a.Success, cost, time.Duration(a.LatencyMs)*time.Millisecond)
	}

	e.appendAudit(ctx, r)

	if success {
		if assetID, ok := r.rec.AssetID(); ok {
			if _, err := e.assets.Register(ctx, assetID, r.rec.ExecutionID); err != nil {
				r.log.Warn().Err(err).Str("asset_id", assetID).Msg("asset registration failed")
				e.recordError("lifecycle", "register")
			}
		}
	}

	if e.metrics != nil {
		e.metrics.RecordExecution(string(plan.StageType), success)
	}
	e.persist(ctx, r)
	e.emit(ctx, r)

	r.log.Info().
		Bool("success", success).
		Str("provider", string(r.rec.ProviderUsed)).
		Bool("fallback_used", r.rec.FallbackUsed).
		Float64("cost_actual", r.rec.CostActual).
		Int("attempts", len(r.rec.Attempts)).
		Msg("execution finished")
	return r.rec
}

// commit settles the winning hold. A hold that expired while the adapter ran
// cannot be committed; the success stands and the record shows the credit as
// returned.
func (e *Executor) commit(ctx context.Context, r *run) {
	if r.hold == nil {
		return
	}
	if err := e.ledger.Commit(ctx, r.userID, r.hold.jobID); err != nil {
		r.log.Error().Err(err).Str("job_id", r.hold.jobID).Msg("commit failed, keeping result")
		e.recordError("ledger", "commit")
		r.rec.CreditRolledBack = intPtr(r.hold.amount)
		return
	}
	e.recordReservation(string(ledger.StatusCommitted))
	r.rec.CreditCommitted = intPtr(r.hold.amount)
}

func (e *Executor) appendAudit(ctx context.Context, r *run) {
	if e.chain == nil {
		return
	}
	var errVal any
	if r.rec.Error != nil {
		errVal = *r.rec.Error
	}
	payload := map[string]any{
		"executionId":  r.rec.ExecutionID,
		"projectId":    r.rec.Plan.ProjectID,
		"stageType":    string(r.rec.Plan.StageType),
		"providerUsed": string(r.rec.ProviderUsed),
		"success":      r.rec.Success,
		"error":        errVal,
		"moderationMeta": map[string]any{
			"attempts":     len(r.rec.Attempts),
			"fallbackUsed": r.rec.FallbackUsed,
			"costActual":   r.rec.CostActual,
			"planVersion":  r.rec.Plan.PlanVersion,
		},
	}
	if _, err := e.chain.Append(ctx, audit.KindExecutionModeration, audit.RefTypeStageExecution, r.rec.ExecutionID, payload); err != nil {
		r.log.Error().Err(err).Msg("audit append failed")
		e.recordError("audit", "append")
	}
}

func (e *Executor) persist(ctx context.Context, r *run) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveExecution(ctx, r.rec); err != nil {
		r.log.Error().Err(perrors.Persistence("save execution", err)).Msg("execution record not persisted")
		e.recordError("store", "execution")
	}
}

func (e *Executor) emit(ctx context.Context, r *run) {
	if e.emitter == nil {
		return
	}
	ev, err := events.FromRecord(r.rec)
	if err == nil {
		if reqID := ids.RequestIDFromContext(ctx); reqID != "" {
			ev.Metadata["request_id"] = reqID
		}
		err = e.emitter.Emit(ctx, ev)
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("event emission failed")
		e.recordError("events", "emit")
	}
}

func (e *Executor) observeAdapter(provider stage.Provider, success bool, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveAdapter(string(provider), success, d)
	}
}

func (e *Executor) recordReservation(status string) {
	if e.metrics != nil {
		e.metrics.RecordReservation(status)
	}
}

func (e *Executor) recordError(module, errType string) {
	if e.metrics != nil {
		e.metrics.RecordError(module, errType)
	}
}

func intPtr(v int) *int       { return &v }
func strPtr(s string) *string { return &s }
