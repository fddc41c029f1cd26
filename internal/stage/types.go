// Package stage defines the shared vocabulary of the pipeline coordinator:
// stage types, capabilities, plans and execution records.
package stage

import (
	"fmt"
	"strings"
	"time"
)

// StageType identifies one kind of generative work a caller can request.
type StageType string

const (
	Storyboard  StageType = "STORYBOARD"
	Shot        StageType = "SHOT"
	Voice       StageType = "VOICE"
	Music       StageType = "MUSIC"
	Composite   StageType = "COMPOSITE"
	Inpaint     StageType = "INPAINT"
	Upscale     StageType = "UPSCALE"
	Consistency StageType = "CONSISTENCY"
	Script      StageType = "SCRIPT"
	Direction   StageType = "DIRECTION"
)

// StageTypes lists every known stage type.
var StageTypes = []StageType{
	Storyboard, Shot, Voice, Music, Composite, Inpaint, Upscale, Consistency, Script, Direction,
}

// Capability is a named kind of generation work one or more providers can fulfil.
type Capability string

const (
	CapImageGeneration Capability = "image_generation"
	CapVideoGeneration Capability = "video_generation"
	CapVoiceClone      Capability = "voice_clone"
	CapMusicGeneration Capability = "music_generation"
	CapImageComposite  Capability = "image_composite"
	CapImageInpaint    Capability = "image_inpaint"
	CapImageUpscale    Capability = "image_upscale"
	CapConsistency     Capability = "consistency_pass"
	CapScriptWriting   Capability = "script_writing"
	CapSceneDirection  Capability = "scene_direction"
)

var capabilityByStage = map[StageType]Capability{
	Storyboard:  CapImageGeneration,
	Shot:        CapVideoGeneration,
	Voice:       CapVoiceClone,
	Music:       CapMusicGeneration,
	Composite:   CapImageComposite,
	Inpaint:     CapImageInpaint,
	Upscale:     CapImageUpscale,
	Consistency: CapConsistency,
	Script:      CapScriptWriting,
	Direction:   CapSceneDirection,
}

// Provider names a concrete generation backend, e.g. "runway".
type Provider string

// ParseStageType converts a caller-supplied string to a StageType.
func ParseStageType(s string) (StageType, error) {
	st := StageType(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage type %q", s)
	}
	return st, nil
}

// Valid reports whether st is a known stage type.
func (st StageType) Valid() bool {
	_, ok := capabilityByStage[st]
	return ok
}

// Capability returns the capability that fulfils st.
func (st StageType) Capability() (Capability, bool) {
	c, ok := capabilityByStage[st]
	return c, ok
}

// Known reports whether c is one of the declared capabilities.
func (c Capability) Known() bool {
	for _, known := range capabilityByStage {
		if c == known {
			return true
		}
	}
	return false
}

// FallbackCandidate is an alternate (provider, capability) pair tried after
// the primary fails.
type FallbackCandidate struct {
	Provider   Provider   `json:"provider"`
	Capability Capability `json:"capability"`
	EstQuality float64    `json:"est_quality"`
	EstCost    float64    `json:"est_cost"`
}

// StagePlan is the immutable output of planning. Execution consumes it once.
type StagePlan struct {
	ProjectID             string              `json:"project_id"`
	StageType             StageType           `json:"stage_type"`
	Inputs                map[string]any      `json:"inputs"`
	PrimaryProvider       Provider            `json:"primary_provider"`
	PrimaryCapability     Capability          `json:"primary_capability"`
	Fallbacks             []FallbackCandidate `json:"fallbacks"`
	BudgetRemainingAtPlan float64             `json:"budget_remaining_at_plan"`
	PlanVersion           int64               `json:"plan_version"`
	CreatedAt             time.Time           `json:"created_at"`
}

// Attempt records one adapter invocation within an execution.
type Attempt struct {
	Provider   Provider   `json:"provider"`
	Capability Capability `json:"capability"`
	JobID      string     `json:"job_id,omitempty"`
	Amount     int        `json:"amount"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	LatencyMs  int64      `json:"latency_ms"`
}

// StageExecutionRecord is the single terminal outcome of executing a plan.
// One is produced for every execution, including admission rejections.
type StageExecutionRecord struct {
	ExecutionID      string         `json:"execution_id"`
	UserID           string         `json:"user_id"`
	Plan             StagePlan      `json:"plan"`
	Success          bool           `json:"success"`
	ResultPayload    map[string]any `json:"result_payload"`
	CostActual       float64        `json:"cost_actual"`
	ProviderUsed     Provider       `json:"provider_used"`
	CapabilityUsed   Capability     `json:"capability_used"`
	FallbackUsed     bool           `json:"fallback_used"`
	Error            *string        `json:"error"`
	ReservationJobID string         `json:"reservation_job_id,omitempty"`
	CreditReserved   *int           `json:"credit_reserved"`
	CreditCommitted  *int           `json:"credit_committed"`
	CreditRolledBack *int           `json:"credit_rolled_back"`
	Attempts         []Attempt      `json:"attempts,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
}

// ErrorString returns the record's error, or "" on success.
func (r StageExecutionRecord) ErrorString() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// AssetID returns the generated artifact id from the result payload, if any.
func (r StageExecutionRecord) AssetID() (string, bool) {
	if r.ResultPayload == nil {
		return "", false
	}
	id, ok := r.ResultPayload["asset_id"].(string)
	return id, ok && id != ""
}
