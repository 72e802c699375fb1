package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStructuredThesisWellFormed(t *testing.T) {
	content := `OBSERVE: RSI at 28, price below lower Bollinger band.
REASON: Oversold conditions with strong bid pressure suggest exhaustion.
CONCLUDE: Mean reversion entry is attractive here.
SIGNAL: BUY
CONFIDENCE: 0.82`

	thesis, ok := ParseStructuredThesis(content)
	require.True(t, ok)
	assert.Equal(t, "BUY", thesis.Signal)
	assert.InDelta(t, 0.82, thesis.Confidence, 1e-9)
	assert.Contains(t, thesis.Observe, "RSI at 28")
	assert.Contains(t, thesis.Reason, "Oversold")
}

func TestParseStructuredThesisMarkdownAndPercent(t *testing.T) {
	content := `Here is my analysis:

**OBSERVE**: Strong downtrend on the 1h chart.
**REASON**: MACD histogram widening, no support nearby.
**CONCLUDE**: Momentum favors shorts.
**SIGNAL**: SHORT
**CONFIDENCE**: 75%`

	thesis, ok := ParseStructuredThesis(content)
	require.True(t, ok)
	assert.Equal(t, "SELL", thesis.Signal)
	assert.InDelta(t, 0.75, thesis.Confidence, 1e-9)
}

func TestParseStructuredThesisMultilineSections(t *testing.T) {
	content := `OBSERVE: Price consolidating.
Volume declining over the last six candles.
SIGNAL: HOLD
CONFIDENCE: 0.4`

	thesis, ok := ParseStructuredThesis(content)
	require.True(t, ok)
	assert.Equal(t, "HOLD", thesis.Signal)
	assert.Contains(t, thesis.Observe, "Volume declining")
}

func TestParseStructuredThesisGarbageYieldsHold(t *testing.T) {
	thesis, ok := ParseStructuredThesis("I cannot provide financial advice.")
	assert.False(t, ok)
	assert.Equal(t, "HOLD", thesis.Signal)
	assert.Zero(t, thesis.Confidence)
}

func TestParseConfidenceClamped(t *testing.T) {
	assert.InDelta(t, 1.0, parseConfidence("250"), 1e-9)
	assert.InDelta(t, 0.9, parseConfidence("roughly 0.9 or so"), 1e-9)
	assert.Zero(t, parseConfidence("unknown"))
}

func TestExtractJSONFromMarkdown(t *testing.T) {
	wrapped := "```json\n{\"lesson\": \"wider stops\"}\n```"
	var out struct {
		Lesson string `json:"lesson"`
	}
	require.NoError(t, ParseJSONResponse(wrapped, &out))
	assert.Equal(t, "wider stops", out.Lesson)

	require.NoError(t, ParseJSONResponse(`{"lesson": "bare"}`, &out))
	assert.Equal(t, "bare", out.Lesson)
}
