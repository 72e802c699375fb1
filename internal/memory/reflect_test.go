package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCompleter struct {
	response string
	err      error
	lastUser string
}

func (c *scriptedCompleter) CompleteWithSystem(_ context.Context, _, user string) (string, error) {
	c.lastUser = user
	return c.response, c.err
}

func closedEpisode(t *testing.T, store *EpisodeStore, outcome Outcome) string {
	t.Helper()
	ep := newEpisode("BTCUSDT", "BUY", "rsi oversold", time.Now())
	ep.Reasoning = "RSI bounce off support"
	id := store.Store(ep)
	require.True(t, store.UpdateOutcome(id, outcome))
	return id
}

func TestReflectUsesLLMResponse(t *testing.T) {
	store := NewEpisodeStore(10)
	id := closedEpisode(t, store, Outcome{Success: true, PnL: 120, PnLPct: 0.02, ExitReason: ExitTakeProfit})

	completer := &scriptedCompleter{
		response: "```json\n{\"what_worked\": \"entered on confirmed bounce\", \"what_failed\": \"exit was a touch early\", \"lesson\": \"oversold bounces on BTC pay off in markup\"}\n```",
	}
	NewReflector(completer, store).Reflect(context.Background(), id)

	episode, _ := store.GetByID(id)
	assert.Equal(t, "oversold bounces on BTC pay off in markup", episode.Lesson)
	assert.Equal(t, "entered on confirmed bounce", episode.WhatWorked)
	assert.Equal(t, "exit was a touch early", episode.WhatFailed)
	assert.Contains(t, completer.lastUser, "BUY BTCUSDT")
	assert.Contains(t, completer.lastUser, "RSI bounce off support")
}

func TestReflectFallsBackOnPartialResponse(t *testing.T) {
	store := NewEpisodeStore(10)
	id := closedEpisode(t, store, Outcome{Success: true, PnL: 90, PnLPct: 0.018, ExitReason: ExitTakeProfit})

	completer := &scriptedCompleter{
		response: `{"what_worked": "good entry", "what_failed": "", "lesson": "keep doing this"}`,
	}
	NewReflector(completer, store).Reflect(context.Background(), id)

	episode, _ := store.GetByID(id)
	assert.Equal(t, "Buying BTCUSDT at this level can work in this regime", episode.Lesson)
	assert.NotEmpty(t, episode.WhatWorked)
	assert.NotEmpty(t, episode.WhatFailed)
}

func TestReflectFallsBackOnLLMError(t *testing.T) {
	store := NewEpisodeStore(10)
	id := closedEpisode(t, store, Outcome{Success: true, PnL: 80, PnLPct: 0.015, ExitReason: ExitTakeProfit})

	NewReflector(&scriptedCompleter{err: errors.New("timeout")}, store).Reflect(context.Background(), id)

	episode, _ := store.GetByID(id)
	assert.Equal(t, "Buying BTCUSDT at this level can work in this regime", episode.Lesson)
}

func TestReflectFallsBackOnMissingLesson(t *testing.T) {
	store := NewEpisodeStore(10)
	id := closedEpisode(t, store, Outcome{Success: false, PnL: -40, PnLPct: -0.01, ExitReason: ExitStopLoss})

	NewReflector(&scriptedCompleter{response: `{"what_worked": "", "what_failed": "", "lesson": ""}`}, store).Reflect(context.Background(), id)

	episode, _ := store.GetByID(id)
	assert.Equal(t, "Be cautious with BTCUSDT, consider wider stops or smaller size", episode.Lesson)
}

func TestReflectSkipsOpenEpisodes(t *testing.T) {
	store := NewEpisodeStore(10)
	id := store.Store(newEpisode("BTCUSDT", "BUY", "rsi oversold", time.Now()))

	NewReflector(nil, store).Reflect(context.Background(), id)

	episode, _ := store.GetByID(id)
	assert.Empty(t, episode.Lesson)
}

func TestRuleReflectionBranches(t *testing.T) {
	base := newEpisode("ETHUSDT", "SELL", "state", time.Now())

	tests := []struct {
		name    string
		outcome Outcome
		lesson  string
	}{
		{
			name:    "profitable short",
			outcome: Outcome{Success: true, PnL: 30, PnLPct: 0.012, ExitReason: ExitTakeProfit},
			lesson:  "Shorting ETHUSDT at this level can work in this regime",
		},
		{
			name:    "stop loss",
			outcome: Outcome{Success: false, PnL: -20, PnLPct: -0.008, ExitReason: ExitStopLoss},
			lesson:  "Be cautious with ETHUSDT, consider wider stops or smaller size",
		},
		{
			name:    "gave back profit",
			outcome: Outcome{Success: false, PnL: -2, PnLPct: 0.001, MaxProfit: 0.025, ExitReason: ExitStagnation},
			lesson:  "Gave back too much profit, tighten the trail once well in the money",
		},
		{
			name:    "default review",
			outcome: Outcome{Success: false, PnL: -5, PnLPct: -0.002, ExitReason: ExitReversal},
			lesson:  "Review entry criteria against the regime before repeating this setup",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ep := *base
			ep.Outcome = &tc.outcome
			got := ruleReflection(&ep)
			assert.Equal(t, tc.lesson, got.Lesson)
			assert.NotEmpty(t, got.WhatWorked)
			assert.NotEmpty(t, got.WhatFailed)
		})
	}
}
