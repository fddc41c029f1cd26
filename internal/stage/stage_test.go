package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStageType(t *testing.T) {
	st, err := ParseStageType(" shot ")
	require.NoError(t, err)
	assert.Equal(t, Shot, st)

	_, err = ParseStageType("TRAILER")
	assert.Error(t, err)
}

func TestEveryStageHasCapability(t *testing.T) {
	for _, st := range StageTypes {
		c, ok := st.Capability()
		assert.True(t, ok, "stage %s", st)
		assert.True(t, c.Known())
	}
	assert.False(t, Capability("teleport").Known())
}

func TestCost(t *testing.T) {
	assert.Equal(t, 2, Cost(Storyboard, false))
	assert.Equal(t, 2, Cost(Script, true))
	assert.Equal(t, 2, Cost(Direction, false))
	assert.Equal(t, 5, Cost(Voice, false))
	assert.Equal(t, 50, Cost(Shot, true))
	assert.Equal(t, 5, Cost(Shot, false))
}

func TestFallbackCost(t *testing.T) {
	assert.Equal(t, 25, FallbackCost(50))
	assert.Equal(t, 1, FallbackCost(2))
	assert.Equal(t, 1, FallbackCost(1))
}

func TestBuildParams_Shot(t *testing.T) {
	p, err := BuildParams(Shot, map[string]any{"prompt": "a fox", "duration_seconds": float64(6)})
	require.NoError(t, err)
	shot, ok := p.(ShotParams)
	require.True(t, ok)
	assert.Equal(t, "a fox", shot.Prompt)
	assert.Equal(t, 6, shot.DurationSeconds)
	assert.Equal(t, "1280x720", shot.Resolution)
	assert.Equal(t, Shot, p.StageType())
}

func TestBuildParams_Shapes(t *testing.T) {
	cases := []struct {
		stage StageType
		keys  []string
	}{
		{Storyboard, []string{"prompt", "width", "height"}},
		{Voice, []string{"transcript_or_prompt", "style"}},
		{Music, []string{"transcript_or_prompt", "style"}},
		{Upscale, []string{"base_asset_id", "operations"}},
		{Composite, []string{"base_asset_id", "operations"}},
		{Inpaint, []string{"base_asset_id", "operations"}},
		{Consistency, []string{"asset_version_ids", "mode"}},
		{Script, []string{"prompt", "history_summary"}},
		{Direction, []string{"prompt", "history_summary"}},
	}
	for _, tc := range cases {
		t.Run(string(tc.stage), func(t *testing.T) {
			p, err := BuildParams(tc.stage, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.stage, p.StageType())
			named := p.Named()
			assert.Len(t, named, len(tc.keys))
			for _, k := range tc.keys {
				assert.Contains(t, named, k)
			}
		})
	}
}

func TestBuildParams_OperationsFromJSON(t *testing.T) {
	p, err := BuildParams(Inpaint, map[string]any{
		"base_asset_id": "asset-1",
		"operations":    []any{"mask", "fill", 3},
	})
	require.NoError(t, err)
	edit := p.(EditParams)
	assert.Equal(t, "asset-1", edit.BaseAssetID)
	assert.Equal(t, []string{"mask", "fill"}, edit.Operations)
}

func TestRecordHelpers(t *testing.T) {
	var r StageExecutionRecord
	assert.Equal(t, "", r.ErrorString())
	_, ok := r.AssetID()
	assert.False(t, ok)

	msg := "adapter_failed"
	r.Error = &msg
	r.ResultPayload = map[string]any{"asset_id": "a-1"}
	assert.Equal(t, "adapter_failed", r.ErrorString())
	id, ok := r.AssetID()
	assert.True(t, ok)
	assert.Equal(t, "a-1", id)
}
