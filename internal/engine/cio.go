package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/events"
	"github.com/quantfold/tradeswarm/internal/metrics"
)

const (
	cioInterval  = 5 * time.Minute
	cioMinTrades = 10
	minLeverage  = 1
	maxLeverage  = 50

	actionTune     = "TUNE"
	actionBoost    = "BOOST"
	actionCooldown = "COOLDOWN"
	actionRevert   = "REVERT"
)

// interventionRecord remembers one intervention and the state it was
// issued against, so the next cycle can judge whether it helped
type interventionRecord struct {
	action       string
	winRate      float64
	totalPnL     float64
	prevParams   agents.AdaptiveParams
	prevLeverage int
	prevRisk     float64
}

// cio is the slow supervisory loop over the agent population. It
// issues bounded parameter interventions and reverts the ones that
// made an agent worse.
type cio struct {
	population *agents.Population
	publish    func(events.Type, string, any)
	interval   time.Duration

	mu   sync.Mutex
	last map[string]interventionRecord
}

func newCIO(population *agents.Population, publish func(events.Type, string, any)) *cio {
	return &cio{
		population: population,
		publish:    publish,
		interval:   cioInterval,
		last:       make(map[string]interventionRecord),
	}
}

func (c *cio) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.review()
		}
	}
}

// review walks the population once and applies at most one
// intervention per agent
func (c *cio) review() {
	for _, agent := range c.population.All() {
		state := agent.Snapshot()
		if state.TotalTrades < cioMinTrades {
			continue
		}
		action, feedback := c.decide(state)
		if action == "" {
			continue
		}
		c.apply(agent, state, action, feedback)
	}
}

// decide picks the intervention for an agent, judging the previous one
// first: an intervention followed by a worse win rate is reverted
func (c *cio) decide(state agents.AgentState) (action, feedback string) {
	c.mu.Lock()
	prev, intervened := c.last[state.ID]
	c.mu.Unlock()

	if intervened && prev.action != actionRevert {
		if state.WinRate() < prev.winRate && state.TotalPnL < prev.totalPnL {
			return actionRevert, fmt.Sprintf("%s degraded win rate %.2f -> %.2f", prev.action, prev.winRate, state.WinRate())
		}
		feedback = fmt.Sprintf("%s held, win rate %.2f -> %.2f", prev.action, prev.winRate, state.WinRate())
	}

	switch {
	case state.MaxLeverageLimit < minLeverage || state.MaxLeverageLimit > maxLeverage ||
		state.RiskTolerance < 0 || state.RiskTolerance > 1:
		return actionTune, feedback
	case state.WinRate() < 0.35:
		return actionCooldown, feedback
	case state.WinRate() > 0.60:
		return actionBoost, feedback
	}
	return "", feedback
}

func (c *cio) apply(agent agents.Agent, before agents.AgentState, action, feedback string) {
	c.mu.Lock()
	prev := c.last[agent.ID()]
	c.mu.Unlock()

	agent.Update(func(s *agents.AgentState) {
		switch action {
		case actionTune:
			s.MaxLeverageLimit = clampInt(s.MaxLeverageLimit, minLeverage, maxLeverage)
			s.RiskTolerance = clampFloat(s.RiskTolerance, 0, 1)
		case actionBoost:
			s.MaxLeverageLimit = clampInt(s.MaxLeverageLimit*2, minLeverage, maxLeverage)
			s.AdaptiveParams.ConfidenceThreshold = clampFloat(s.AdaptiveParams.ConfidenceThreshold-0.02, 0.60, 0.90)
		case actionCooldown:
			s.MaxLeverageLimit = clampInt(s.MaxLeverageLimit/2, minLeverage, maxLeverage)
			s.AdaptiveParams.ConfidenceThreshold = clampFloat(s.AdaptiveParams.ConfidenceThreshold+0.05, 0.60, 0.90)
			s.AdaptiveParams.PositionSizePct /= 2
		case actionRevert:
			s.AdaptiveParams = prev.prevParams
			s.MaxLeverageLimit = clampInt(prev.prevLeverage, minLeverage, maxLeverage)
			s.RiskTolerance = prev.prevRisk
		}
		s.LastIntervention = action
		if feedback != "" {
			s.LastIntervention = action + ": " + feedback
		}
	})

	c.mu.Lock()
	c.last[agent.ID()] = interventionRecord{
		action:       action,
		winRate:      before.WinRate(),
		totalPnL:     before.TotalPnL,
		prevParams:   before.AdaptiveParams,
		prevLeverage: before.MaxLeverageLimit,
		prevRisk:     before.RiskTolerance,
	}
	c.mu.Unlock()

	metrics.CIOInterventions.WithLabelValues(action).Inc()
	log.Info().
		Str("agent_id", agent.ID()).
		Str("action", action).
		Str("feedback", feedback).
		Float64("win_rate", before.WinRate()).
		Msg("CIO intervention issued")
	if c.publish != nil {
		c.publish(events.TypeIntervention, "", map[string]any{
			"agent_id": agent.ID(),
			"action":   action,
			"feedback": feedback,
		})
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
