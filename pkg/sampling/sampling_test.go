package sampling

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSampleDeterministic(t *testing.T) {
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("credit/env-%d/3", i)
		first := ShouldSample("seed-a", key, 500)
		for j := 0; j < 3; j++ {
			assert.Equal(t, first, ShouldSample("seed-a", key, 500), "key %s", key)
		}
	}
}

func TestShouldSampleHardBounds(t *testing.T) {
	// Bounds dominate everything, including a key that would otherwise
	// fail closed.
	assert.False(t, ShouldSample("seed-a", "credit/env-1/1", 0))
	assert.False(t, ShouldSample("seed-a", "credit/env-1/1", -5))
	assert.True(t, ShouldSample("seed-a", "", 10000))
	assert.True(t, ShouldSample("seed-a", "credit/env-1/1", 20000))
}

func TestShouldSampleEmptyKeyFailsClosed(t *testing.T) {
	assert.False(t, ShouldSample("seed-a", "", 9999))
	assert.False(t, ShouldSample("seed-a", "  \t ", 9999))
}

func TestShouldSampleNormalizesKey(t *testing.T) {
	// "é" precomposed vs "e" + combining acute land in the same bucket.
	composed := "credit/café/1"
	decomposed := "credit/café/1"
	for _, rate := range []int{100, 2500, 5000, 9000} {
		assert.Equal(t, ShouldSample("seed-a", composed, rate), ShouldSample("seed-a", decomposed, rate))
	}
}

func TestShouldSampleRateRoughlyProportional(t *testing.T) {
	const keys = 5000
	hits := 0
	for i := 0; i < keys; i++ {
		if ShouldSample("seed-a", fmt.Sprintf("k-%d", i), 2500) {
			hits++
		}
	}
	// 25% +- 5 points over 5000 uniform keys.
	assert.InDelta(t, 0.25, float64(hits)/keys, 0.05)
}

func TestPolicyUsesPerRiskRates(t *testing.T) {
	p := DefaultPolicy("seed-a")
	assert.False(t, p.ShouldSample("credit/env-1/1", RiskLow))
	assert.True(t, p.ShouldSample("credit/env-1/1", RiskHigh))
}

func TestDeriveSeed(t *testing.T) {
	a, err := DeriveSeed("master", "lane:ac_credit")
	require.NoError(t, err)
	assert.Len(t, a, 64)

	again, err := DeriveSeed("master", "lane:ac_credit")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := DeriveSeed("master", "lane:sa_lifecycle")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
