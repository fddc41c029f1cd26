package stage

import (
	"fmt"
	"strconv"
)

// Params is the named parameter shape an adapter receives for a stage type.
// Each stage type maps to exactly one concrete Params type.
type Params interface {
	StageType() StageType
	Named() map[string]any
}

// ImageParams drives STORYBOARD.
type ImageParams struct {
	Prompt string
	Width  int
	Height int
}

func (ImageParams) StageType() StageType { return Storyboard }

func (p ImageParams) Named() map[string]any {
	return map[string]any{"prompt": p.Prompt, "width": p.Width, "height": p.Height}
}

// ShotParams drives SHOT.
type ShotParams struct {
	Prompt          string
	DurationSeconds int
	Resolution      string
}

func (ShotParams) StageType() StageType { return Shot }

func (p ShotParams) Named() map[string]any {
	return map[string]any{
		"prompt":           p.Prompt,
		"duration_seconds": p.DurationSeconds,
		"resolution":       p.Resolution,
	}
}

// AudioParams drives VOICE and MUSIC.
type AudioParams struct {
	Stage              StageType
	TranscriptOrPrompt string
	Style              string
}

func (p AudioParams) StageType() StageType { return p.Stage }

func (p AudioParams) Named() map[string]any {
	return map[string]any{"transcript_or_prompt": p.TranscriptOrPrompt, "style": p.Style}
}

// EditParams drives UPSCALE, COMPOSITE and INPAINT.
type EditParams struct {
	Stage       StageType
	BaseAssetID string
	Operations  []string
}

func (p EditParams) StageType() StageType { return p.Stage }

func (p EditParams) Named() map[string]any {
	return map[string]any{"base_asset_id": p.BaseAssetID, "operations": p.Operations}
}

// ConsistencyParams drives CONSISTENCY.
type ConsistencyParams struct {
	AssetVersionIDs []string
	Mode            string
}

func (ConsistencyParams) StageType() StageType { return Consistency }

func (p ConsistencyParams) Named() map[string]any {
	return map[string]any{"asset_version_ids": p.AssetVersionIDs, "mode": p.Mode}
}

// TextParams drives SCRIPT and DIRECTION. HistorySummary carries the bounded
// digest of prior stages added at planning time.
type TextParams struct {
	Stage          StageType
	Prompt         string
	HistorySummary string
}

func (p TextParams) StageType() StageType { return p.Stage }

func (p TextParams) Named() map[string]any {
	return map[string]any{"prompt": p.Prompt, "history_summary": p.HistorySummary}
}

// InputHistorySummary is the plan input key holding the prior-stage digest.
const InputHistorySummary = "history_summary"

// BuildParams maps a plan's free-form inputs onto the parameter shape of st.
func BuildParams(st StageType, inputs map[string]any) (Params, error) {
	in := inputMap(inputs)
	switch st {
	case Storyboard:
		return ImageParams{
			Prompt: in.text("prompt", ""),
			Width:  in.number("width", 1024),
			Height: in.number("height", 576),
		}, nil
	case Shot:
		return ShotParams{
			Prompt:          in.text("prompt", ""),
			DurationSeconds: in.number("duration_seconds", 4),
			Resolution:      in.text("resolution", "1280x720"),
		}, nil
	case Voice, Music:
		text := in.text("transcript", "")
		if text == "" {
			text = in.text("prompt", "")
		}
		return AudioParams{Stage: st, TranscriptOrPrompt: text, Style: in.text("style", "neutral")}, nil
	case Upscale, Composite, Inpaint:
		return EditParams{
			Stage:       st,
			BaseAssetID: in.text("base_asset_id", ""),
			Operations:  in.list("operations"),
		}, nil
	case Consistency:
		return ConsistencyParams{
			AssetVersionIDs: in.list("asset_version_ids"),
			Mode:            in.text("mode", "strict"),
		}, nil
	case Script, Direction:
		return TextParams{
			Stage:          st,
			Prompt:         in.text("prompt", ""),
			HistorySummary: in.text(InputHistorySummary, ""),
		}, nil
	}
	return nil, fmt.Errorf("no parameter shape for stage type %q", st)
}

type inputMap map[string]any

func (m inputMap) text(key, def string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

func (m inputMap) number(key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (m inputMap) list(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return []string{}
}
