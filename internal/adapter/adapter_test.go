package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

var shot = stage.ShotParams{Prompt: "sunrise", DurationSeconds: 4, Resolution: "1280x720"}

func TestRegistry(t *testing.T) {
	video := NewSimulated(stage.CapVideoGeneration, nil)
	voice := NewSimulated(stage.CapVoiceClone, nil)
	r, err := NewRegistry(video, voice)
	require.NoError(t, err)

	a, ok := r.Lookup(stage.CapVideoGeneration)
	require.True(t, ok)
	assert.Same(t, video, a)

	_, ok = r.Lookup(stage.CapMusicGeneration)
	assert.False(t, ok)
	assert.Equal(t, []stage.Capability{stage.CapVideoGeneration, stage.CapVoiceClone}, r.Capabilities())
}

func TestRegistry_RejectsDuplicateAndUnknown(t *testing.T) {
	_, err := NewRegistry(NewSimulated(stage.CapVoiceClone, nil), NewSimulated(stage.CapVoiceClone, nil))
	assert.Error(t, err)

	_, err = NewRegistry(NewSimulated(stage.Capability("telepathy"), nil))
	assert.Error(t, err)
}

func TestInvoke_RecoversPanicAndNil(t *testing.T) {
	panicky := Func{Cap: stage.CapVideoGeneration, Fn: func(context.Context, stage.Provider, stage.Params) Outcome {
		panic("boom")
	}}
	out := Invoke(context.Background(), panicky, "runway", shot)
	f, ok := out.(Failure)
	require.True(t, ok)
	assert.Contains(t, f.Reason, "boom")

	nilAdapter := Func{Cap: stage.CapVideoGeneration, Fn: func(context.Context, stage.Provider, stage.Params) Outcome {
		return nil
	}}
	_, ok = Invoke(context.Background(), nilAdapter, "runway", shot).(Failure)
	assert.True(t, ok)
}

func TestSimulated(t *testing.T) {
	s := NewSimulated(stage.CapVideoGeneration, func(p stage.Provider) float64 {
		if p == "runway" {
			return 50
		}
		return 5
	})

	out := s.Execute(context.Background(), "runway", shot)
	ok, isSuccess := out.(Success)
	require.True(t, isSuccess)
	assert.Equal(t, 50.0, ok.CostEstimate)
	assert.NotEmpty(t, ok.Payload["asset_id"])
	assert.Equal(t, "sunrise", ok.Payload["prompt"])

	s.SetFailing("runway", true)
	_, isFailure := s.Execute(context.Background(), "runway", shot).(Failure)
	assert.True(t, isFailure)

	_, isSuccess = s.Execute(context.Background(), "pika", shot).(Success)
	assert.True(t, isSuccess)
}

func TestHTTPAdapter_Success(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payload":       map[string]any{"asset_id": "a1", "url": "s3://bucket/a1.mp4"},
			"cost_estimate": 42.5,
		})
	}))
	defer srv.Close()

	h := NewHTTPAdapter(HTTPConfig{Capability: stage.CapVideoGeneration, Endpoint: srv.URL, APIKey: "k"})
	out := h.Execute(context.Background(), "runway", shot)
	s, ok := out.(Success)
	require.True(t, ok, "%#v", out)
	assert.Equal(t, 42.5, s.CostEstimate)
	assert.Equal(t, "a1", s.Payload["asset_id"])

	assert.Equal(t, stage.Provider("runway"), got.Provider)
	assert.Equal(t, stage.Shot, got.StageType)
	assert.Equal(t, "1280x720", got.Params["resolution"])
}

func TestHTTPAdapter_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream quota"}`))
		},
		"garbage": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		},
		"empty payload": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"payload":{},"cost_estimate":1}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			h := NewHTTPAdapter(HTTPConfig{Capability: stage.CapVideoGeneration, Endpoint: srv.URL})
			_, ok := h.Execute(context.Background(), "runway", shot).(Failure)
			assert.True(t, ok)
		})
	}
}

func TestHTTPAdapter_ProviderOverrideAndTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	h := NewHTTPAdapter(HTTPConfig{
		Capability:        stage.CapVideoGeneration,
		ProviderEndpoints: map[stage.Provider]string{"pika": slow.URL},
		Timeout:           50 * time.Millisecond,
	})

	f, ok := h.Execute(context.Background(), "runway", shot).(Failure)
	require.True(t, ok)
	assert.Contains(t, f.Reason, "no endpoint")

	_, ok = h.Execute(context.Background(), "pika", shot).(Failure)
	assert.True(t, ok, "timeout maps to Failure")
}
