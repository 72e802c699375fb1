package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPopulation(t *testing.T) *Population {
	t.Helper()
	return NewPopulation(testStore(1.01, nil), nil, nil, PopulationConfig{})
}

func TestPopulationDefaults(t *testing.T) {
	pop := newTestPopulation(t)

	all := pop.All()
	require.Len(t, all, 8)

	seen := make(map[Specialization]bool)
	for _, agent := range all {
		state := agent.Snapshot()
		seen[state.Specialization] = true
		assert.True(t, state.Active)
		assert.NotEmpty(t, state.PreferredIndicators)
		assert.InDelta(t, 0.65, state.AdaptiveParams.ConfidenceThreshold, 1e-9)
	}
	assert.Len(t, seen, 8, "one agent per specialization")
}

func TestPopulationActiveFiltering(t *testing.T) {
	pop := newTestPopulation(t)
	all := pop.All()

	require.True(t, pop.SetActive(all[0].ID(), false))
	all[1].Update(func(s *AgentState) { s.DailyLossBreached = true })

	active := pop.Active()
	assert.Len(t, active, 6)
	for _, agent := range active {
		assert.NotEqual(t, all[0].ID(), agent.ID())
		assert.NotEqual(t, all[1].ID(), agent.ID())
	}

	assert.False(t, pop.SetActive("no-such-agent", true))
}

func TestPopulationRandomEligible(t *testing.T) {
	pop := newTestPopulation(t)

	agent, ok := pop.RandomEligible()
	require.True(t, ok)
	assert.True(t, agent.Snapshot().Active)

	for _, a := range pop.All() {
		pop.SetActive(a.ID(), false)
	}
	_, ok = pop.RandomEligible()
	assert.False(t, ok)
}

func TestPopulationResetDaily(t *testing.T) {
	pop := newTestPopulation(t)
	agent := pop.All()[0]
	agent.Update(func(s *AgentState) {
		s.DailyPnL = -0.08
		s.DailyLossBreached = true
	})

	pop.ResetDaily()

	state := agent.Snapshot()
	assert.Zero(t, state.DailyPnL)
	assert.False(t, state.DailyLossBreached)
}
