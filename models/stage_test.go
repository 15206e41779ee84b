package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidStage(t *testing.T) {
	for _, s := range StageOrder {
		assert.True(t, IsValidStage(s), s)
	}
	assert.False(t, IsValidStage("color_grading"))
	assert.False(t, IsValidStage(""))
	assert.False(t, IsValidStage("Rewrite"))
}

func TestStageDisplay(t *testing.T) {
	assert.Equal(t, "Image Generation", StageDisplay(StageTypeImageGeneration))
	assert.Equal(t, "Rewrite", StageDisplay(StageTypeRewrite))
	// unknown names pass through unchanged
	assert.Equal(t, "whatever", StageDisplay("whatever"))
}

func TestStagesFrom(t *testing.T) {
	assert.Equal(t, StageOrder, StagesFrom(StageTypeRewrite))
	assert.Equal(t, []string{StageTypeVideoGeneration}, StagesFrom(StageTypeVideoGeneration))
	assert.Equal(t, []string{
		StageTypeImageGeneration,
		StageTypeCameraMovement,
		StageTypeVideoGeneration,
	}, StagesFrom(StageTypeImageGeneration))
	assert.Nil(t, StagesFrom("color_grading"))
}

func TestStagesFromReturnsACopy(t *testing.T) {
	out := StagesFrom(StageTypeRewrite)
	require.Len(t, out, len(StageOrder))
	out[0] = "mutated"
	assert.Equal(t, StageTypeRewrite, StageOrder[0])
}

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"resource_url": "http://w/x.png", "count": float64(3)}
	v, err := m.Value()
	require.NoError(t, err)

	var back JSONMap
	require.NoError(t, back.Scan(v))
	assert.Equal(t, m, back)

	var empty JSONMap
	require.NoError(t, empty.Scan(nil))
	assert.Nil(t, empty)
}
