package rolling

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanNoPendingChunkAppendCapable(t *testing.T) {
	p := Policy{MaxLength: 100}
	steps := p.Plan(0, false, true, 250)
	require.Equal(t, []Step{
		{NewChunk: true, Length: 100},
		{NewChunk: true, Length: 100},
		{NewChunk: true, Length: 50},
	}, steps)
}

func TestPlanContinuesExistingChunk(t *testing.T) {
	p := Policy{MaxLength: 100}
	steps := p.Plan(40, true, true, 30)
	require.Equal(t, []Step{{NewChunk: false, Length: 30}}, steps)
}

func TestPlanSealsFullChunkBeforeNewOne(t *testing.T) {
	p := Policy{MaxLength: 100}
	steps := p.Plan(100, true, true, 50)
	require.Equal(t, []Step{{NewChunk: true, Length: 50}}, steps)
}

func TestPlanNonAppendBackendAlwaysOpensNewChunk(t *testing.T) {
	p := Policy{MaxLength: 10}
	steps := p.Plan(5, true, false, 25)
	require.Equal(t, []Step{
		{NewChunk: true, Length: 10},
		{NewChunk: true, Length: 10},
		{NewChunk: true, Length: 5},
	}, steps)
}

func TestPlanZeroLengthWrite(t *testing.T) {
	p := Policy{MaxLength: 10}
	require.Nil(t, p.Plan(0, false, true, 0))
}

func TestPlanFallsBackToDefaultMaxLength(t *testing.T) {
	p := Policy{}
	steps := p.Plan(0, false, true, 10)
	require.Len(t, steps, 1)
	require.True(t, steps[0].NewChunk)
	require.Equal(t, int64(10), steps[0].Length)
}
