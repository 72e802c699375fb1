package consensus

import (
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
)

// Decision is the fused outcome of a set of theses
type Decision struct {
	Signal         agents.Signal `json:"signal"`
	Confidence     float64       `json:"confidence"`
	AgreementLevel float64       `json:"agreement_level"`
	Reasoning      string        `json:"reasoning"`
	Contributors   []string      `json:"contributors"`
}

// Engine fuses agent theses into a single decision, weighting each
// thesis by the owning agent's confidence and track record.
type Engine struct {
	sigmoidWeighting bool
}

// New creates a consensus engine. sigmoidWeighting selects the stricter
// sigmoid weight curve instead of the experience boost.
func New(sigmoidWeighting bool) *Engine {
	return &Engine{sigmoidWeighting: sigmoidWeighting}
}

// weight computes one thesis's vote weight from confidence and win rate
func (e *Engine) weight(confidence, winRate float64) float64 {
	if e.sigmoidWeighting {
		return 1 / (1 + math.Exp(-5*(confidence*winRate-0.5)))
	}
	return confidence * (0.5 + 0.5*winRate)
}

// Decide fuses theses into a decision. winRates maps agent ID to live
// win rate; missing agents weigh in at zero experience. Empty input
// yields HOLD at zero confidence.
func (e *Engine) Decide(theses []*agents.Thesis, winRates map[string]float64) Decision {
	if len(theses) == 0 {
		return Decision{Signal: agents.SignalHold}
	}

	scores := make(map[agents.Signal]float64)
	reasons := make(map[agents.Signal][]string)
	contributors := make(map[agents.Signal][]string)
	var total float64

	for _, thesis := range theses {
		w := e.weight(thesis.Confidence, winRates[thesis.AgentID])
		scores[thesis.Signal] += w
		total += w
		if thesis.Reasoning != "" {
			reasons[thesis.Signal] = append(reasons[thesis.Signal], thesis.Reasoning)
		}
		contributors[thesis.Signal] = append(contributors[thesis.Signal], thesis.AgentID)
	}

	winner := winningSignal(scores)
	agreement := 0.0
	if total > 0 {
		agreement = scores[winner] / total
	}
	confidence := scores[winner] / float64(len(theses))

	decision := Decision{
		Signal:         winner,
		Confidence:     confidence,
		AgreementLevel: agreement,
		Reasoning:      strings.Join(reasons[winner], " | "),
		Contributors:   contributors[winner],
	}

	log.Debug().
		Str("signal", string(decision.Signal)).
		Float64("confidence", decision.Confidence).
		Float64("agreement", decision.AgreementLevel).
		Int("theses", len(theses)).
		Msg("Consensus reached")
	return decision
}

// winningSignal picks the highest-scored signal; HOLD wins any tie
func winningSignal(scores map[agents.Signal]float64) agents.Signal {
	ordered := make([]agents.Signal, 0, len(scores))
	for signal := range scores {
		ordered = append(ordered, signal)
	}
	// HOLD first so that equal scores resolve to HOLD
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i] == agents.SignalHold {
			return true
		}
		if ordered[j] == agents.SignalHold {
			return false
		}
		return ordered[i] < ordered[j]
	})

	winner := agents.SignalHold
	best := math.Inf(-1)
	for _, signal := range ordered {
		if scores[signal] > best {
			best = scores[signal]
			winner = signal
		}
	}
	return winner
}
