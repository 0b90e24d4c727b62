package trading

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/models"
)

func TestSlippageStressReplaysDay(t *testing.T) {
	policy := newScriptedPolicy().enter("AAA", 0, 9.00)
	params := testParams(t, policy)
	baseline := params.Fills

	fills, err := NewStressFills([]config.SlippageConfig{
		{Model: config.SlippageFixedCents, Cents: 0},
		{Model: config.SlippageFixedCents, Cents: 0.02},
		{Model: config.SlippagePctOfPrice, Pct: 0.01},
	}, 0)
	require.NoError(t, err)

	series := []models.BarSeries{{Ticker: "AAA", Bars: flatBars(0, 1, 2)}}
	results, err := SlippageStress(simDay, series, params, fills)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "Fixed $0.0000/share", results[0].Slippage)
	assert.Equal(t, 1, results[0].Trades)
	assert.Equal(t, 1, results[0].Wins)
	assert.InDelta(t, 10, results[0].TotalPnL, 1e-9)
	assert.InDelta(t, 10010, results[0].EndingEquity, 1e-9)

	// 98 shares from 10.02 to 10.08.
	assert.InDelta(t, 5.88, results[1].TotalPnL, 1e-9)

	// 90 shares from 10.10 to 9.999.
	assert.Equal(t, "1.000% of price", results[2].Slippage)
	assert.InDelta(t, -9.09, results[2].TotalPnL, 1e-6)
	assert.Equal(t, 0, results[2].Wins)

	assert.Same(t, baseline, params.Fills)
}

func TestNewStressFillsRejectsBadScenario(t *testing.T) {
	_, err := NewStressFills([]config.SlippageConfig{{Model: "magic"}}, 0)
	assert.Error(t, err)
}

func TestPipelineSlippageStress(t *testing.T) {
	policy := clockPolicy{
		entries: map[string]string{"GAPR": "09:35"},
		exits:   map[string]string{"GAPR": "09:45"},
		stop:    9.00,
	}
	p, err := NewPipeline(pipelineConfig(), gapProvider(), policy, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.WithSlippageStress([]config.SlippageConfig{
		{Model: config.SlippageFixedCents, Cents: 0},
		{Model: config.SlippageFixedCents, Cents: 0.05},
	}))

	res, err := p.Run(context.Background(), pipelineDay, pipelineDay.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, res.Stress, 2)

	same := res.Stress[0]
	assert.Equal(t, len(res.Trades), same.Trades)
	assert.InDelta(t, res.TotalPnL(), same.TotalPnL, 1e-9)
	assert.InDelta(t, res.EndingEquity, same.EndingEquity, 1e-9)

	// 95 shares from 10.05 to 10.25.
	worse := res.Stress[1]
	assert.Equal(t, 1, worse.Trades)
	assert.InDelta(t, 19, worse.TotalPnL, 1e-9)
	assert.InDelta(t, 10019, worse.EndingEquity, 1e-9)
	assert.Equal(t, 10000.0, worse.StartingEquity)
}
