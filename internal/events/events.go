// Package events defines the structured events emitted after each stage
// execution and the sinks that receive them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

// Source identifies the component that produced an event.
const SourceExecutor = "executor"

// Type identifiers.
const (
	TypeStageSuccess = "stage.success"
	TypeStageFailure = "stage.failure"
)

// Event is one observability record.
type Event struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Type      string            `json:"type"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// StagePayload is the Payload of stage.success and stage.failure events.
type StagePayload struct {
	ExecutionID  string          `json:"execution_id"`
	ProjectID    string          `json:"project_id"`
	UserID       string          `json:"user_id"`
	StageType    stage.StageType `json:"stage_type"`
	ProviderUsed stage.Provider  `json:"provider_used"`
	FallbackUsed bool            `json:"fallback_used"`
	CostActual   float64         `json:"cost_actual"`
	Error        string          `json:"error,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
}

// NewEvent constructs an Event with a generated ID and current timestamp.
func NewEvent(source, evType string, payload any, meta map[string]string) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        "evt_" + ulid.Make().String(),
		Source:    source,
		Type:      evType,
		Payload:   raw,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FromRecord builds the stage.success or stage.failure event for rec.
func FromRecord(rec stage.StageExecutionRecord) (Event, error) {
	evType := TypeStageSuccess
	if !rec.Success {
		evType = TypeStageFailure
	}
	return NewEvent(SourceExecutor, evType, StagePayload{
		ExecutionID:  rec.ExecutionID,
		ProjectID:    rec.Plan.ProjectID,
		UserID:       rec.UserID,
		StageType:    rec.Plan.StageType,
		ProviderUsed: rec.ProviderUsed,
		FallbackUsed: rec.FallbackUsed,
		CostActual:   rec.CostActual,
		Error:        rec.ErrorString(),
		DurationMs:   rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
	}, map[string]string{"project_id": rec.Plan.ProjectID})
}

// Emitter delivers events to a sink.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// LogEmitter writes events as structured log lines.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "events").Logger()}
}

func (l *LogEmitter) Emit(_ context.Context, ev Event) error {
	level := zerolog.InfoLevel
	if ev.Type == TypeStageFailure {
		level = zerolog.WarnLevel
	}
	l.logger.WithLevel(level).
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		RawJSON("payload", ev.Payload).
		Msg("stage event")
	return nil
}

// Multi fans an event out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
