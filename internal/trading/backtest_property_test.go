package trading

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/models"
)

// randomPolicy fires entries, exits and add-ons from a precomputed random
// schedule so repeated evaluation of the same bar gives the same answer.
type randomPolicy struct {
	entries map[string]bool
	exits   map[string]bool
	adds    map[string]bool
	starter map[string]bool
}

func scheduleKey(ticker string, ts time.Time) string {
	return fmt.Sprintf("%s@%d", ticker, ts.Unix())
}

func (p *randomPolicy) EvaluateEntry(ticker string, bar models.Bar, _ InstrumentMemory) (EntrySignal, bool) {
	k := scheduleKey(ticker, bar.Timestamp)
	if !p.entries[k] {
		return EntrySignal{}, false
	}
	ttm := models.TTMStrongBull
	if p.starter[k] {
		ttm = models.TTMWeakBear
	}
	return EntrySignal{
		Reason:    models.EntryReason{Setup: models.SetupMacroMicroConfirmed, TTM: ttm},
		StopBasis: bar.Close * 0.97,
	}, true
}

func (p *randomPolicy) EvaluateExit(ticker string, bar models.Bar, _ *Position) (models.ExitReason, bool) {
	if p.exits[scheduleKey(ticker, bar.Timestamp)] {
		return models.ExitReason{Kind: models.ExitCloseBelowEMA8}, true
	}
	return models.ExitReason{}, false
}

func (p *randomPolicy) EvaluateAdd(ticker string, bar models.Bar, pos *Position) bool {
	return pos.Starter && !pos.Added && p.adds[scheduleKey(ticker, bar.Timestamp)]
}

// randomDay builds random-walk minute bars for a few tickers. Some minutes are
// missing so tickers have gaps and different last bars.
func randomDay(seed int64) ([]models.BarSeries, *randomPolicy) {
	rng := rand.New(rand.NewSource(seed))
	policy := &randomPolicy{
		entries: map[string]bool{},
		exits:   map[string]bool{},
		adds:    map[string]bool{},
		starter: map[string]bool{},
	}

	tickers := []string{"DDD", "AAA", "CCC", "BBB"}
	series := make([]models.BarSeries, 0, len(tickers))
	for _, ticker := range tickers {
		px := 2 + rng.Float64()*18
		n := 20 + rng.Intn(40)
		var bars []models.Bar
		for i := 0; i < n; i++ {
			if rng.Float64() < 0.1 {
				continue
			}
			open := px * (1 + (rng.Float64()-0.5)*0.04)
			close := open * (1 + (rng.Float64()-0.5)*0.06)
			high := math.Max(open, close) * (1 + rng.Float64()*0.03)
			low := math.Min(open, close) * (1 - rng.Float64()*0.03)
			ts := simT0.Add(time.Duration(i) * time.Minute)
			bars = append(bars, models.NewBar(models.Candle{
				Timestamp: ts, Open: open, High: high, Low: low, Close: close, Volume: 1000,
			}))
			k := scheduleKey(ticker, ts)
			policy.entries[k] = rng.Float64() < 0.2
			policy.exits[k] = rng.Float64() < 0.1
			policy.adds[k] = rng.Float64() < 0.3
			policy.starter[k] = rng.Float64() < 0.3
			px = close
		}
		series = append(series, models.BarSeries{Ticker: ticker, Bars: bars})
	}
	return series, policy
}

func propertyParams(policy SignalPolicy, maxPositions, maxTrades int, fee float64) SimulationParams {
	fills, _ := NewFillModel(config.SlippageConfig{
		Model:          config.SlippageTiered,
		TierThresholds: []float64{5, 10, 20},
		TierCents:      []float64{0.02, 0.03, 0.05, 0.10},
	}, fee)
	return SimulationParams{
		Fills:            fills,
		Policy:           policy,
		Risk:             RiskLimits{MaxTradesPerDay: maxTrades, MaxDailyLoss: 500, Cooldown: 2 * time.Minute},
		Portfolio:        PortfolioLimits{MaxPositions: maxPositions, MaxPositionPct: 0.4, MinCashReservePct: 0.1},
		StartingEquity:   25000,
		RiskPerTradePct:  0.01,
		StarterFraction:  0.25,
		ScaleOutFraction: 0.5,
		StopBufferPct:    0.01,
		ForceFlat:        14*time.Hour + 30*time.Minute + 45*time.Minute,
		Location:         time.UTC,
		Logger:           zerolog.Nop(),
	}
}

// Feature: smallcap-backtester, Property 3: No lookahead on entries
//
// Property: every buy fill happens strictly after the bar that signalled it.
func TestProperty_EntriesFillAfterSignal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("buy fill timestamp > signal timestamp", prop.ForAll(
		func(seed int64) bool {
			series, policy := randomDay(seed)
			res, err := SimulateDay(simDay, series, propertyParams(policy, 2, 5, 1))
			if err != nil {
				return false
			}
			for _, f := range res.Fills {
				if f.Side == models.SideBuy && !f.Timestamp.After(f.SignalTimestamp) {
					return false
				}
			}
			for _, tr := range res.Trades {
				if !tr.EntryTime.After(tr.SignalTimestamp) || tr.ExitTime.Before(tr.EntryTime) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// Feature: smallcap-backtester, Property 4: The ledger reconciles
//
// Property: once every position is closed, cash equals starting equity plus
// the sum of trade P&L, and portfolio and risk ledgers agree with it.
func TestProperty_LedgerReconciles(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("cash = start + sum(pnl)", prop.ForAll(
		func(seed int64, fee float64) bool {
			series, policy := randomDay(seed)
			res, err := SimulateDay(simDay, series, propertyParams(policy, 3, 10, fee))
			if err != nil {
				return false
			}
			sum := 0.0
			for _, tr := range res.Trades {
				sum += tr.PnL
			}
			const eps = 1e-6
			return math.Abs(res.Portfolio.Cash-(25000+sum)) < eps &&
				math.Abs(res.Portfolio.RealizedPnL-sum) < eps &&
				math.Abs(res.Risk.RealizedPnL-sum) < eps &&
				res.Portfolio.OpenPositionCount() == 0
		},
		gen.Int64(),
		gen.Float64Range(0, 5),
	))

	properties.TestingRun(t)
}

// Feature: smallcap-backtester, Property 5: Shared limits hold across tickers
//
// Property: concurrent positions never exceed the slot limit and filled
// entries never exceed the daily trade cap.
func TestProperty_SharedLimitsHold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("open positions <= max, entries <= max trades", prop.ForAll(
		func(seed int64, maxPositions, maxTrades int) bool {
			series, policy := randomDay(seed)
			res, err := SimulateDay(simDay, series, propertyParams(policy, maxPositions, maxTrades, 0))
			if err != nil {
				return false
			}
			entries := 0
			for _, f := range res.Fills {
				if f.Side == models.SideBuy && f.Reason.String() != (models.AddReason{}).String() {
					entries++
				}
			}
			return res.MaxOpenPositions <= maxPositions &&
				entries <= maxTrades &&
				entries == res.Risk.TradeCount &&
				len(res.Trades) == entries
		},
		gen.Int64(),
		gen.IntRange(1, 4),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}

// Feature: smallcap-backtester, Property 6: Simulation is deterministic
//
// Property: the same input produces the same fills in the same order, even
// when series are supplied in a different order.
func TestProperty_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("identical fills for permuted input", prop.ForAll(
		func(seed int64) bool {
			series, policy := randomDay(seed)
			a, err := SimulateDay(simDay, series, propertyParams(policy, 2, 5, 1))
			if err != nil {
				return false
			}
			reversed := make([]models.BarSeries, len(series))
			for i, s := range series {
				reversed[len(series)-1-i] = s
			}
			b, err := SimulateDay(simDay, reversed, propertyParams(policy, 2, 5, 1))
			if err != nil || len(a.Fills) != len(b.Fills) {
				return false
			}
			for i := range a.Fills {
				fa, fb := a.Fills[i], b.Fills[i]
				if fa.Ticker != fb.Ticker || !fa.Timestamp.Equal(fb.Timestamp) ||
					fa.Quantity != fb.Quantity || fa.Price != fb.Price {
					return false
				}
			}
			return a.Portfolio.Cash == b.Portfolio.Cash
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
