// Package report summarizes a backtest and exports its ledgers.
package report

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"smallcap-backtester/internal/models"
)

// tradingDaysPerYear annualizes daily return statistics.
const tradingDaysPerYear = 252

// Ratio is a float that serializes non-finite values as null.
type Ratio float64

// MarshalJSON implements json.Marshaler.
func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// SetupStats is the breakdown for one entry setup.
type SetupStats struct {
	Trades   int     `json:"trades"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
}

// Metrics holds performance statistics over a trade ledger.
type Metrics struct {
	TotalTrades     int     `json:"trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	BreakevenTrades int     `json:"breakeven_trades"`
	WinRate         float64 `json:"win_rate"`

	TotalPnL    float64 `json:"total_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
	MedianPnL   float64 `json:"median_pnl"`
	StdPnL      float64 `json:"std_pnl"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
	LargestWin  float64 `json:"largest_win"`
	LargestLoss float64 `json:"largest_loss"`
	TotalFees   float64 `json:"total_fees"`

	Expectancy     float64 `json:"expectancy"`
	ProfitFactor   Ratio   `json:"profit_factor"`
	AvgHoldMinutes float64 `json:"avg_hold_minutes"`

	StartingEquity float64 `json:"starting_equity"`
	EndingEquity   float64 `json:"ending_equity"`
	TotalReturn    float64 `json:"total_return_pct"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	TradingDays    int     `json:"trading_days"`

	MaxConsecutiveWins   int `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses"`

	BySetup map[string]SetupStats `json:"by_setup"`
}

// ComputeMetrics summarizes trades in exit order. days supplies the
// per-day cash figures used for the daily return series; it may be nil.
func ComputeMetrics(trades []models.Trade, days []models.DayResult, startingEquity float64) Metrics {
	m := Metrics{
		StartingEquity: startingEquity,
		EndingEquity:   startingEquity,
		BySetup:        make(map[string]SetupStats),
	}

	pnls := make([]float64, len(trades))
	var grossProfit, grossLoss float64
	var held time.Duration
	for i, t := range trades {
		pnls[i] = t.PnL
		m.TotalPnL += t.PnL
		m.TotalFees += t.Fees
		held += t.HoldDuration()

		switch {
		case t.PnL > 0:
			m.WinningTrades++
			grossProfit += t.PnL
			if t.PnL > m.LargestWin {
				m.LargestWin = t.PnL
			}
		case t.PnL < 0:
			m.LosingTrades++
			grossLoss -= t.PnL
			if t.PnL < m.LargestLoss {
				m.LargestLoss = t.PnL
			}
		default:
			m.BreakevenTrades++
		}

		setup := t.EntryReason.Setup.String()
		s := m.BySetup[setup]
		s.Trades++
		s.TotalPnL += t.PnL
		if t.IsWin() {
			s.WinRate++
		}
		m.BySetup[setup] = s
	}
	for name, s := range m.BySetup {
		s.WinRate /= float64(s.Trades)
		m.BySetup[name] = s
	}

	m.TotalTrades = len(trades)
	m.EndingEquity = startingEquity + m.TotalPnL
	if startingEquity > 0 {
		m.TotalReturn = m.TotalPnL / startingEquity * 100
	}
	m.SharpeRatio, m.TradingDays = dailySharpe(days)

	if m.TotalTrades == 0 {
		return m
	}

	n := float64(m.TotalTrades)
	m.WinRate = float64(m.WinningTrades) / n
	m.AvgPnL = m.TotalPnL / n
	m.MedianPnL = median(pnls)
	m.AvgHoldMinutes = held.Minutes() / n
	m.StdPnL = sampleStdDev(pnls, m.AvgPnL)

	if m.WinningTrades > 0 {
		m.AvgWin = grossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = -grossLoss / float64(m.LosingTrades)
	}

	lossRate := float64(m.LosingTrades) / n
	m.Expectancy = m.WinRate*m.AvgWin + lossRate*m.AvgLoss

	switch {
	case grossLoss > 0:
		m.ProfitFactor = Ratio(grossProfit / grossLoss)
	case grossProfit > 0:
		m.ProfitFactor = Ratio(math.Inf(1))
	}

	m.MaxDrawdown, m.MaxDrawdownPct = maxDrawdown(pnls, startingEquity)
	m.MaxConsecutiveWins, m.MaxConsecutiveLosses = streaks(pnls)

	return m
}

// EquityCurve is starting equity followed by equity after each trade.
func EquityCurve(trades []models.Trade, startingEquity float64) []float64 {
	curve := make([]float64, 0, len(trades)+1)
	equity := startingEquity
	curve = append(curve, equity)
	for _, t := range trades {
		equity += t.PnL
		curve = append(curve, equity)
	}
	return curve
}

// maxDrawdown returns the deepest peak-to-trough fall of the cumulative
// trade equity as a dollar amount and a fraction of the peak, both <= 0.
func maxDrawdown(pnls []float64, startingEquity float64) (float64, float64) {
	peak := startingEquity
	equity := startingEquity
	var dd, ddPct float64
	for _, p := range pnls {
		equity += p
		if equity > peak {
			peak = equity
		}
		if d := equity - peak; d < dd {
			dd = d
		}
		if peak > 0 {
			if pct := (equity - peak) / peak; pct < ddPct {
				ddPct = pct
			}
		}
	}
	return dd, ddPct
}

// streaks returns the longest runs of wins and of losses. Breakeven
// trades end both runs.
func streaks(pnls []float64) (int, int) {
	var maxWins, maxLosses, wins, losses int
	for _, p := range pnls {
		switch {
		case p > 0:
			wins++
			losses = 0
		case p < 0:
			losses++
			wins = 0
		default:
			wins, losses = 0, 0
		}
		if wins > maxWins {
			maxWins = wins
		}
		if losses > maxLosses {
			maxLosses = losses
		}
	}
	return maxWins, maxLosses
}

// dailySharpe annualizes the mean over the standard deviation of daily
// returns, counting days without trades as zero return.
func dailySharpe(days []models.DayResult) (float64, int) {
	returns := make([]float64, 0, len(days))
	for _, d := range days {
		if d.StartCash <= 0 {
			continue
		}
		returns = append(returns, (d.EndCash-d.StartCash)/d.StartCash)
	}
	if len(returns) < 2 {
		return 0, len(returns)
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	std := sampleStdDev(returns, mean)
	if std == 0 {
		return 0, len(returns)
	}
	return mean / std * math.Sqrt(tradingDaysPerYear), len(returns)
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)-1))
}
