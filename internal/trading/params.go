package trading

import (
	"time"

	"github.com/rs/zerolog"

	"smallcap-backtester/internal/config"
)

// NewSimulationParams builds engine parameters from configuration. It fails
// on an invalid fill model so a bad config stops the run before any day is
// simulated.
func NewSimulationParams(cfg *config.Config, session *SessionManager, policy SignalPolicy, logger zerolog.Logger) (SimulationParams, error) {
	fills, err := NewFillModel(cfg.Execution.Slippage, cfg.Execution.FeesPerTrade)
	if err != nil {
		return SimulationParams{}, err
	}

	return SimulationParams{
		Fills:  fills,
		Policy: policy,
		Risk: RiskLimits{
			MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
			MaxDailyLoss:    cfg.MaxDailyLoss(),
			Cooldown:        time.Duration(cfg.Risk.CooldownMinutesAfterStop) * time.Minute,
		},
		Portfolio: PortfolioLimits{
			MaxPositions:      cfg.Portfolio.MaxPositions,
			MaxPositionPct:    cfg.Portfolio.MaxPositionPct,
			MinCashReservePct: cfg.Portfolio.MinCashReservePct,
		},
		StartingEquity:   cfg.Risk.AccountEquity,
		RiskPerTradePct:  cfg.Risk.RiskPerTradePct,
		StarterFraction:  cfg.Strategy.StarterFraction,
		ScaleOutFraction: cfg.Strategy.Exits.ScaleOutFirstFraction,
		StopBufferPct:    cfg.Strategy.Risk.StopBufferPct,
		ForceFlat:        session.ForceFlat(),
		Location:         session.Location(),
		Logger:           logger,
	}, nil
}

// WithStartingEquity returns a copy of p that starts the day with equity and
// scales the daily loss budget to it.
func (p SimulationParams) WithStartingEquity(equity, maxDailyLossPct float64) SimulationParams {
	p.StartingEquity = equity
	p.Risk.MaxDailyLoss = equity * maxDailyLossPct
	return p
}
