package agents

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/llm"
	"github.com/quantfold/tradeswarm/internal/market"
)

// archetype seeds one default agent
type archetype struct {
	specialization Specialization
	personality    Personality
	indicators     []string
	regimes        []string
	llmBacked      bool
}

var defaultArchetypes = []archetype{
	{SpecTechnical, PersonalityAnalytical, []string{"rsi", "macd", "bollinger", "ema_20", "ema_50"}, []string{"MARKUP", "MARKDOWN"}, true},
	{SpecSentiment, PersonalityContrarian, []string{"sentiment", "vsop", "change_pct_24h"}, nil, true},
	{SpecHybrid, PersonalityAnalytical, []string{"rsi", "sentiment", "macd", "adx"}, nil, true},
	{SpecPredictive, PersonalityAggressive, []string{"macd", "adx", "obv", "cci"}, []string{"MARKUP"}, true},
	{SpecMicrostructure, PersonalityAnalytical, []string{"bid_pressure", "spread_pct", "obv"}, nil, false},
	{SpecMarketMaking, PersonalityConservative, []string{"spread_pct", "bid_pressure", "atr_pct"}, []string{"NEUTRAL"}, false},
	{SpecSwing, PersonalityConservative, []string{"ema_50", "bollinger", "wyckoff_phase", "rsi"}, []string{"ACCUMULATION", "DISTRIBUTION"}, false},
	{SpecMomentum, PersonalityAggressive, []string{"rsi", "macd", "stochastic", "trend"}, []string{"MARKUP"}, false},
}

// Population manages the set of trading agents
type Population struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
	rng    *rand.Rand
}

// PopulationConfig controls default population construction
type PopulationConfig struct {
	ExplorationRate     float64
	ConfidenceThreshold float64
	MaxLeverageLimit    int
	LLMTimeout          time.Duration
}

// NewPopulation creates the default agent roster. When completer is nil
// every agent runs rule-based.
func NewPopulation(store *market.Store, sink OutcomeSink, completer llm.Completer, cfg PopulationConfig) *Population {
	if cfg.ExplorationRate == 0 {
		cfg.ExplorationRate = 0.2
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.65
	}
	if cfg.MaxLeverageLimit == 0 {
		cfg.MaxLeverageLimit = 10
	}

	p := &Population{
		agents: make(map[string]Agent),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for i, arch := range defaultArchetypes {
		state := AgentState{
			ID:                  fmt.Sprintf("agent-%02d-%s", i+1, arch.specialization),
			Specialization:      arch.specialization,
			Personality:         arch.personality,
			PreferredIndicators: append([]string(nil), arch.indicators...),
			IndicatorScores:     seedScores(arch.indicators),
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			ExplorationRate:     cfg.ExplorationRate,
			AdaptiveParams: AdaptiveParams{
				ConfidenceThreshold: cfg.ConfidenceThreshold,
				Leverage:            3,
				PositionSizePct:     0.05,
			},
			MaxLeverageLimit: cfg.MaxLeverageLimit,
			RiskTolerance:    0.5,
			PreferredRegimes: append([]string(nil), arch.regimes...),
			Active:           true,
		}

		var agent Agent
		if arch.llmBacked && completer != nil {
			agent = NewLLMAgent(state, store, sink, completer, cfg.LLMTimeout)
		} else {
			agent = NewBaseAgent(state, store, sink)
		}
		p.add(agent)
	}

	log.Info().Int("agents", len(p.agents)).Msg("Agent population initialized")
	return p
}

func seedScores(indicators []string) map[string]float64 {
	scores := make(map[string]float64, len(indicators))
	for _, name := range indicators {
		scores[name] = 0.5
	}
	return scores
}

func (p *Population) add(agent Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[agent.ID()] = agent
	p.order = append(p.order, agent.ID())
}

// Add registers an externally built agent
func (p *Population) Add(agent Agent) { p.add(agent) }

// Get returns an agent by ID
func (p *Population) Get(id string) (Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	agent, ok := p.agents[id]
	return agent, ok
}

// All returns all agents in creation order
func (p *Population) All() []Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Agent, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.agents[id])
	}
	return out
}

// Active returns agents that are enabled and not daily-loss breached
func (p *Population) Active() []Agent {
	var out []Agent
	for _, agent := range p.All() {
		state := agent.Snapshot()
		if state.Active && !state.DailyLossBreached {
			out = append(out, agent)
		}
	}
	return out
}

// RandomEligible picks a uniformly random active agent
func (p *Population) RandomEligible() (Agent, bool) {
	active := p.Active()
	if len(active) == 0 {
		return nil, false
	}
	p.mu.Lock()
	idx := p.rng.Intn(len(active))
	p.mu.Unlock()
	return active[idx], true
}

// SetActive enables or disables an agent
func (p *Population) SetActive(id string, active bool) bool {
	agent, ok := p.Get(id)
	if !ok {
		return false
	}
	agent.Update(func(s *AgentState) { s.Active = active })
	log.Info().Str("agent_id", id).Bool("active", active).Msg("Agent availability changed")
	return true
}

// ResetDaily clears daily PnL state on every agent
func (p *Population) ResetDaily() {
	for _, agent := range p.All() {
		agent.Update(func(s *AgentState) {
			s.DailyPnL = 0
			s.DailyLossBreached = false
		})
	}
}

// States returns a snapshot of every agent's state
func (p *Population) States() []AgentState {
	agents := p.All()
	out := make([]AgentState, 0, len(agents))
	for _, agent := range agents {
		out = append(out, agent.Snapshot())
	}
	return out
}
