package costmeter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostExactModelMatch(t *testing.T) {
	m := New(nil)
	cost := m.Cost("gpt-4o-mini", 1_000_000, 0, 0)
	assert.InDelta(t, 0.15, cost, 1e-9)
}

func TestCostSubstringFallback(t *testing.T) {
	m := New(nil)
	cost := m.Cost("gpt-4o-mini-2024-07-18", 1_000_000, 1_000_000, 0)
	assert.InDelta(t, 0.15+0.60, cost, 1e-9)
}

func TestCostUnknownModelUsesDefault(t *testing.T) {
	m := New(nil)
	cost := m.Cost("some-future-model", 1_000_000, 0, 0)
	assert.InDelta(t, defaultPricing.input, cost, 1e-9)
}

func TestCostCachedTokensDiscounted(t *testing.T) {
	m := New(nil)
	full := m.Cost("gpt-4o", 1_000_000, 0, 0)
	cached := m.Cost("gpt-4o", 1_000_000, 0, 1_000_000)
	assert.Less(t, cached, full)
}

func TestCostOverridesPricing(t *testing.T) {
	m := New(map[string][3]float64{"custom-model": {1, 2, 0.5}})
	cost := m.Cost("custom-model", 1_000_000, 1_000_000, 0)
	require.InDelta(t, 3.0, cost, 1e-9)
}

func TestEstimateTokensNonEmptyContent(t *testing.T) {
	n := EstimateTokens("the quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 0)
}

func TestEstimateTokensEmptyContent(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
}

func TestServiceRoundTrip(t *testing.T) {
	s := Service{ServiceType: ServiceOpenAI, Breakdown: map[string]any{"prompt_tokens": float64(10)}, EstimatedCostUSD: 0.0000005}
	d := s.ToDict()
	back := FromDict(d)
	assert.Equal(t, ServiceOpenAI, back.ServiceType)
}
