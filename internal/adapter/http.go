package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

// maxResponseBytes bounds an adapter response body.
const maxResponseBytes = 8 << 20

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Capability stage.Capability
	// Endpoint receives every request unless the provider has an override.
	Endpoint string
	// ProviderEndpoints overrides Endpoint per provider.
	ProviderEndpoints map[stage.Provider]string
	// Timeout per call. Default: 2m.
	Timeout time.Duration
	// APIKey, when set, is sent as a bearer token.
	APIKey string
}

type httpRequest struct {
	Provider   stage.Provider   `json:"provider"`
	Capability stage.Capability `json:"capability"`
	StageType  stage.StageType  `json:"stage_type"`
	Params     map[string]any   `json:"params"`
}

type httpResponse struct {
	Payload      map[string]any `json:"payload"`
	CostEstimate float64        `json:"cost_estimate"`
	Error        string         `json:"error,omitempty"`
}

// HTTPAdapter POSTs the stage's named parameters as JSON and decodes
// {payload, cost_estimate}. Transport errors, non-2xx responses and empty
// payloads are reported as Failure.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPAdapter creates an HTTPAdapter.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPAdapter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (h *HTTPAdapter) Capability() stage.Capability { return h.cfg.Capability }

func (h *HTTPAdapter) endpoint(provider stage.Provider) string {
	if u, ok := h.cfg.ProviderEndpoints[provider]; ok && u != "" {
		return u
	}
	return h.cfg.Endpoint
}

func (h *HTTPAdapter) Execute(ctx context.Context, provider stage.Provider, params stage.Params) Outcome {
	url := h.endpoint(provider)
	if url == "" {
		return Failure{Reason: fmt.Sprintf("no endpoint for %s/%s", h.cfg.Capability, provider)}
	}

	body, err := json.Marshal(httpRequest{
		Provider:   provider,
		Capability: h.cfg.Capability,
		StageType:  params.StageType(),
		Params:     params.Named(),
	})
	if err != nil {
		return Failure{Reason: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failure{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Failure{Reason: "request " + string(provider), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Failure{Reason: "read response", Err: err}
	}

	var decoded httpResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := fmt.Sprintf("%s returned %d", provider, resp.StatusCode)
		if decodeErr == nil && decoded.Error != "" {
			reason += ": " + decoded.Error
		}
		return Failure{Reason: reason}
	}
	if decodeErr != nil {
		return Failure{Reason: "decode response", Err: decodeErr}
	}
	if len(decoded.Payload) == 0 {
		return Failure{Reason: fmt.Sprintf("%s returned an empty payload", provider)}
	}
	return Success{Payload: decoded.Payload, CostEstimate: decoded.CostEstimate}
}
