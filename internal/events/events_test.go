package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/stagecoord/internal/events"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

func sampleRecord(success bool) stage.StageExecutionRecord {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := stage.StageExecutionRecord{
		ExecutionID:  "exe_1",
		UserID:       "u1",
		Plan:         stage.StagePlan{ProjectID: "p1", StageType: stage.Shot},
		Success:      success,
		ProviderUsed: "runway",
		CostActual:   50,
		StartedAt:    start,
		FinishedAt:   start.Add(1500 * time.Millisecond),
	}
	if !success {
		msg := "adapter_failed: runway"
		rec.Error = &msg
	}
	return rec
}

func TestFromRecord(t *testing.T) {
	ev, err := events.FromRecord(sampleRecord(true))
	require.NoError(t, err)
	assert.Equal(t, events.TypeStageSuccess, ev.Type)
	assert.Equal(t, events.SourceExecutor, ev.Source)
	assert.True(t, strings.HasPrefix(ev.ID, "evt_"))
	assert.Equal(t, "p1", ev.Metadata["project_id"])

	var pl events.StagePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &pl))
	assert.Equal(t, "exe_1", pl.ExecutionID)
	assert.Equal(t, int64(1500), pl.DurationMs)
	assert.Empty(t, pl.Error)

	ev, err = events.FromRecord(sampleRecord(false))
	require.NoError(t, err)
	assert.Equal(t, events.TypeStageFailure, ev.Type)
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	emitter := events.NewLogEmitter(zerolog.New(&buf))
	ev, _ := events.FromRecord(sampleRecord(false))

	require.NoError(t, emitter.Emit(context.Background(), ev))
	assert.Contains(t, buf.String(), `"event_type":"stage.failure"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"execution_id":"exe_1"`)
}

func TestWebhookEmitter_Delivers(t *testing.T) {
	var got events.Event
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Webhook-Secret")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	emitter := events.NewWebhookEmitter(events.WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	ev, _ := events.FromRecord(sampleRecord(true))
	require.NoError(t, emitter.Emit(context.Background(), ev))

	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, events.TypeStageSuccess, got.Type)
}

func TestWebhookEmitter_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	emitter := events.NewWebhookEmitter(events.WebhookConfig{URL: srv.URL})
	ev, _ := events.FromRecord(sampleRecord(true))
	assert.Error(t, emitter.Emit(context.Background(), ev))
}

type failing struct{}

func (failing) Emit(context.Context, events.Event) error { return errors.New("sink down") }

func TestMulti_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	m := events.Multi{events.NewLogEmitter(zerolog.New(&buf)), failing{}}
	ev, _ := events.FromRecord(sampleRecord(true))

	err := m.Emit(context.Background(), ev)
	assert.ErrorContains(t, err, "sink down")
	assert.NotEmpty(t, buf.String(), "earlier sinks still receive the event")
}
