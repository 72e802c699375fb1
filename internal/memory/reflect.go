package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/llm"
)

// Reflector produces post-trade reflections for closed episodes,
// preferring an LLM and falling back to rule-derived lessons.
type Reflector struct {
	completer llm.Completer
	store     *EpisodeStore
	timeout   time.Duration
}

// NewReflector creates a reflector. A nil completer always uses rules.
func NewReflector(completer llm.Completer, store *EpisodeStore) *Reflector {
	return &Reflector{
		completer: completer,
		store:     store,
		timeout:   30 * time.Second,
	}
}

// Reflect generates and attaches a reflection for a completed episode
func (r *Reflector) Reflect(ctx context.Context, episodeID string) {
	episode, ok := r.store.GetByID(episodeID)
	if !ok || episode.Outcome == nil {
		return
	}

	reflection, err := r.generate(ctx, episode)
	if err != nil {
		log.Debug().Err(err).Str("episode_id", episodeID).Msg("LLM reflection failed, using rules")
		reflection = ruleReflection(episode)
	}
	r.store.AddReflection(episodeID, reflection)
}

func (r *Reflector) generate(ctx context.Context, episode *Episode) (Reflection, error) {
	if r.completer == nil {
		return Reflection{}, fmt.Errorf("no completer configured")
	}

	llmCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	system := "You review closed cryptocurrency trades. Respond with a JSON object " +
		`{"what_worked": "...", "what_failed": "...", "lesson": "..."} ` +
		"where each field is exactly one sentence."
	user := fmt.Sprintf(
		"Trade: %s %s at %.4f, qty %.6f\nReasoning at entry: %s\nOutcome: pnl %.4f (%.2f%%), exit %s, held %.0fs, max profit %.2f%%, max drawdown %.2f%%",
		episode.Signal, episode.Symbol, episode.EntryPrice, episode.Quantity,
		episode.Reasoning,
		episode.Outcome.PnL, episode.Outcome.PnLPct*100, episode.Outcome.ExitReason,
		episode.Outcome.HoldDurationS, episode.Outcome.MaxProfit*100, episode.Outcome.MaxDrawdown*100)

	content, err := r.completer.CompleteWithSystem(llmCtx, system, user)
	if err != nil {
		return Reflection{}, err
	}

	var reflection Reflection
	if err := llm.ParseJSONResponse(content, &reflection); err != nil {
		return Reflection{}, err
	}
	if reflection.WhatWorked == "" || reflection.WhatFailed == "" || reflection.Lesson == "" {
		return Reflection{}, fmt.Errorf("reflection incomplete: what_worked, what_failed, and lesson are all required")
	}
	return reflection, nil
}

// ruleReflection synthesizes a reflection without an LLM
func ruleReflection(episode *Episode) Reflection {
	o := episode.Outcome
	direction := "Buying"
	if strings.EqualFold(episode.Signal, "SELL") {
		direction = "Shorting"
	}

	switch {
	case o.Success:
		failed := "Nothing material, entry and exit both stayed within plan"
		if o.MaxProfit > o.PnLPct {
			failed = fmt.Sprintf("The exit left some of the %.2f%% peak on the table", o.MaxProfit*100)
		}
		return Reflection{
			WhatWorked: fmt.Sprintf("%s %s at %.4f captured %.2f%%", direction, episode.Symbol, episode.EntryPrice, o.PnLPct*100),
			WhatFailed: failed,
			Lesson:     fmt.Sprintf("%s %s at this level can work in this regime", direction, episode.Symbol),
		}
	case o.ExitReason == ExitStopLoss:
		return Reflection{
			WhatWorked: fmt.Sprintf("The stop capped the loss at %.2f%%", o.PnLPct*100),
			WhatFailed: fmt.Sprintf("Stopped out of %s at a %.2f%% loss", episode.Symbol, o.PnLPct*100),
			Lesson:     fmt.Sprintf("Be cautious with %s, consider wider stops or smaller size", episode.Symbol),
		}
	case o.MaxProfit > 2*o.PnLPct && o.MaxProfit > 0:
		return Reflection{
			WhatWorked: fmt.Sprintf("The entry thesis was right, reaching %.2f%% unrealized", o.MaxProfit*100),
			WhatFailed: fmt.Sprintf("Peak unrealized profit was %.2f%% but the trade closed at %.2f%%", o.MaxProfit*100, o.PnLPct*100),
			Lesson:     "Gave back too much profit, tighten the trail once well in the money",
		}
	default:
		return Reflection{
			WhatWorked: "Position sizing kept the downside bounded",
			WhatFailed: fmt.Sprintf("%s %s closed at %.2f%% via %s", direction, episode.Symbol, o.PnLPct*100, o.ExitReason),
			Lesson:     "Review entry criteria against the regime before repeating this setup",
		}
	}
}
