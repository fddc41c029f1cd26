// Package mgmt provides the management API for the stage coordinator.
package mgmt

import (
	"github.com/p-blackswan/stagecoord/internal/audit"
	"github.com/p-blackswan/stagecoord/internal/budget"
	"github.com/p-blackswan/stagecoord/internal/scoring"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// BudgetResponse is returned by GET /api/v1/projects/:id/budget.
type BudgetResponse struct {
	budget.ProjectState
	Remaining float64 `json:"remaining"`
}

// ExecutionListResponse is returned by GET /api/v1/projects/:id/executions.
type ExecutionListResponse struct {
	ProjectID  string                       `json:"project_id"`
	Executions []stage.StageExecutionRecord `json:"executions"`
	Limit      int                          `json:"limit"`
}

// CleanupResponse is returned by the reservation cleanup endpoint.
type CleanupResponse struct {
	Expired int `json:"expired"`
}

// TransitionResponse is returned by the asset transition endpoint.
type TransitionResponse struct {
	MaxAgeSeconds int64 `json:"max_age_seconds"`
	Transitioned  int   `json:"transitioned"`
}

// VerifyResponse wraps an audit chain report.
type VerifyResponse struct {
	audit.Report
}

// ProviderScore is one entry of GET /api/v1/providers.
type ProviderScore struct {
	Provider    stage.Provider `json:"provider"`
	Stats       scoring.Stats  `json:"stats"`
	Reliability float64        `json:"reliability"`
	Composite   float64        `json:"composite"`
}

// HealthDetailResponse is returned by GET /api/v1/health.
type HealthDetailResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version"`
}

// ConfigResponse is returned by GET /api/v1/config.
type ConfigResponse struct {
	Environment    string `json:"environment"`
	LogLevel       string `json:"log_level"`
	StoreBackend   string `json:"store_backend"`
	MgmtListenAddr string `json:"mgmt_listen_addr"`
	RateLimitRPS   int    `json:"rate_limit_rps"`
	RateLimitBurst int    `json:"rate_limit_burst"`
	AuthMode       string `json:"auth_mode"`
	SweepInterval  string `json:"sweep_interval"`
	AssetColdAfter string `json:"asset_cold_after"`
}

// ConfigPatchRequest is the body of PATCH /api/v1/config.
type ConfigPatchRequest struct {
	LogLevel *string `json:"log_level,omitempty"`
}
