package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-signal-pipeline/internal/store"
)

func TestParseLabelledEnter(t *testing.T) {
	raw := "Looking at the chart structure I would enter here.\n" +
		"DECISION: ENTER\n" +
		"CONFIDENCE: 0.8\n" +
		"ENTRY: 50000\n" +
		"STOP_LOSS: 49000\n" +
		"TAKE_PROFIT: 52000\n"

	d := ParseResponse(raw)
	assert.Equal(t, store.DecisionEnter, d.Kind)
	assert.Equal(t, 0.8, d.Confidence)
	require.NotNil(t, d.TradePlan)
	assert.Equal(t, 50000.0, d.TradePlan.Entry)
	assert.Equal(t, 49000.0, d.TradePlan.StopLoss)
	assert.Equal(t, []float64{52000}, d.TradePlan.TakeProfit)
}

func TestParseLabelledCaseInsensitive(t *testing.T) {
	d := ParseResponse("decision: abandon\nconfidence: 0.9\n")
	assert.Equal(t, store.DecisionAbandon, d.Kind)
	assert.Equal(t, 0.9, d.Confidence)
}

func TestParseDefaultsOnMissingLabels(t *testing.T) {
	d := ParseResponse("the market looks unclear to me today")
	assert.Equal(t, store.DecisionContinue, d.Kind)
	assert.Equal(t, 0.5, d.Confidence)
	assert.Nil(t, d.TradePlan)
}

func TestParseJSONBody(t *testing.T) {
	raw := `{"decision":"enter","confidence":0.75,"reasoning":"breakout",
		"trade_plan":{"entry":100,"stop_loss":95,"take_profit":[110,120],"position_size":2}}`

	d := ParseResponse(raw)
	assert.Equal(t, store.DecisionEnter, d.Kind)
	assert.Equal(t, 0.75, d.Confidence)
	assert.Equal(t, "breakout", d.Reasoning)
	require.NotNil(t, d.TradePlan)
	assert.Equal(t, []float64{110, 120}, d.TradePlan.TakeProfit)
	assert.Equal(t, 2.0, d.TradePlan.PositionSize)
}

func TestParseJSONWithSurroundingProse(t *testing.T) {
	raw := "Here is my analysis:\n```json\n{\"decision\": \"close\", \"confidence\": 0.6, \"reasoning\": \"trend broke\"}\n```\nGood luck!"

	d := ParseResponse(raw)
	assert.Equal(t, store.DecisionClose, d.Kind)
	assert.Equal(t, 0.6, d.Confidence)
}

func TestParseJSONScalarTakeProfit(t *testing.T) {
	raw := `{"decision":"adjust_tp","confidence":0.7,"trade_plan":{"take_profit":52000}}`
	d := ParseResponse(raw)
	require.NotNil(t, d.TradePlan)
	assert.Equal(t, []float64{52000}, d.TradePlan.TakeProfit)
}

func TestParseThousandsSeparators(t *testing.T) {
	d := ParseResponse("DECISION: ENTER\nENTRY: 50,000\nSTOP_LOSS: $49,000\nTAKE_PROFIT: 52,000\n")
	require.NotNil(t, d.TradePlan)
	assert.Equal(t, 50000.0, d.TradePlan.Entry)
	assert.Equal(t, 49000.0, d.TradePlan.StopLoss)
	assert.Equal(t, []float64{52000}, d.TradePlan.TakeProfit)
}

func TestParseMultipleTakeProfitLevels(t *testing.T) {
	d := ParseResponse("DECISION: ENTER\nTAKE_PROFIT: 52000, 54000\n")
	require.NotNil(t, d.TradePlan)
	assert.Equal(t, []float64{52000, 54000}, d.TradePlan.TakeProfit)
}

func TestParsePercentConfidence(t *testing.T) {
	d := ParseResponse("DECISION: CONTINUE\nCONFIDENCE: 85%\n")
	assert.Equal(t, 0.85, d.Confidence)
}

func TestParseUnknownKindFallsBack(t *testing.T) {
	d := ParseResponse("DECISION: YOLO\n")
	assert.Equal(t, store.DecisionContinue, d.Kind)
}
