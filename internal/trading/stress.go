package trading

import (
	"time"

	"github.com/rs/zerolog"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/models"
)

// NewStressFills builds one fill model per slippage scenario, all charging
// the same fee.
func NewStressFills(scenarios []config.SlippageConfig, feePerTrade float64) ([]*FillModel, error) {
	out := make([]*FillModel, 0, len(scenarios))
	for _, sc := range scenarios {
		m, err := NewFillModel(sc, feePerTrade)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SlippageStress replays one day's bars under each fill model with every
// other parameter unchanged. Results are in the order of fills.
func SlippageStress(day time.Time, series []models.BarSeries, params SimulationParams, fills []*FillModel) ([]models.StressResult, error) {
	out := make([]models.StressResult, 0, len(fills))
	for _, m := range fills {
		res, err := replayDay(day, series, params, m)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// replayDay simulates day under fills and condenses the outcome. The replay
// does not log; the baseline run already did.
func replayDay(day time.Time, series []models.BarSeries, params SimulationParams, fills *FillModel) (models.StressResult, error) {
	params.Fills = fills
	params.Logger = zerolog.Nop()

	sim, err := SimulateDay(day, series, params)
	if err != nil {
		return models.StressResult{}, err
	}

	res := models.StressResult{
		Slippage:       fills.Describe(),
		Trades:         len(sim.Trades),
		StartingEquity: params.StartingEquity,
		EndingEquity:   sim.Portfolio.Cash,
	}
	for _, t := range sim.Trades {
		res.TotalPnL += t.PnL
		res.TotalFees += t.Fees
		if t.IsWin() {
			res.Wins++
		}
	}
	return res, nil
}

// stressRun carries one scenario across the days of a pipeline run.
type stressRun struct {
	fills  *FillModel
	equity float64
	total  models.StressResult
}
