package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineState_NextPhase(t *testing.T) {
	tests := []struct {
		state PipelineState
		want  Phase
		ok    bool
	}{
		{StateCreated, PhasePlan, true},
		{StatePlanned, PhaseBuild, true},
		{StateBuilt, PhaseVerify, true},
		{StateVerified, PhaseReview, true},
		{StateReviewed, PhasePublish, true},
		{StatePublished, PhaseShip, true},
		{StateShipped, "", false},
		{StateFailed, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got, ok := tt.state.NextPhase()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestRange(t *testing.T) {
	assert.Equal(t, []Phase{PhaseBuild, PhaseVerify, PhaseReview}, Range(PhaseBuild, PhaseReview))
	assert.Equal(t, Pipeline, Range(PhasePlan, PhaseShip))
	assert.Nil(t, Range(PhaseShip, PhasePlan))
	assert.Nil(t, Range(PhaseClassify, PhaseShip))
}

func TestLookupPipeline(t *testing.T) {
	phases, err := LookupPipeline("plan_build_review")
	assert.NoError(t, err)
	assert.Equal(t, []Phase{PhasePlan, PhaseBuild, PhaseReview}, phases)

	_, err = LookupPipeline("nope")
	assert.Error(t, err)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("")
	assert.NoError(t, err)
	assert.Equal(t, TierStandard, tier)

	tier, err = ParseTier("elevated")
	assert.NoError(t, err)
	assert.Equal(t, TierElevated, tier)

	_, err = ParseTier("heavy")
	assert.Error(t, err)
}
