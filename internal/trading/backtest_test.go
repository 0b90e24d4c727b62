package trading

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/errors"
	"smallcap-backtester/internal/models"
)

var (
	simDay = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	simT0  = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
)

func minute(i int) time.Time {
	return simT0.Add(time.Duration(i) * time.Minute)
}

func ohlc(i int, o, h, l, c float64) models.Bar {
	return models.NewBar(models.Candle{Timestamp: minute(i), Open: o, High: h, Low: l, Close: c, Volume: 1000})
}

// flatBars returns n quiet bars around 10.00 that never touch a 9.00 stop or
// the 10.50 first target.
func flatBars(minutes ...int) []models.Bar {
	bars := make([]models.Bar, 0, len(minutes))
	for _, m := range minutes {
		bars = append(bars, ohlc(m, 10.00, 10.20, 9.90, 10.10))
	}
	return bars
}

func span(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// scriptedPolicy fires signals at fixed (ticker, minute) points.
type scriptedPolicy struct {
	entries map[string]map[int]EntrySignal
	exits   map[string]map[int]models.ExitReason
	adds    map[string]map[int]bool
}

func newScriptedPolicy() *scriptedPolicy {
	return &scriptedPolicy{
		entries: make(map[string]map[int]EntrySignal),
		exits:   make(map[string]map[int]models.ExitReason),
		adds:    make(map[string]map[int]bool),
	}
}

func (p *scriptedPolicy) enter(ticker string, at int, stopBasis float64) *scriptedPolicy {
	return p.enterWith(ticker, at, stopBasis, models.TTMStrongBull)
}

func (p *scriptedPolicy) enterWith(ticker string, at int, stopBasis float64, ttm models.TTMState) *scriptedPolicy {
	if p.entries[ticker] == nil {
		p.entries[ticker] = make(map[int]EntrySignal)
	}
	p.entries[ticker][at] = EntrySignal{
		Reason:    models.EntryReason{Setup: models.SetupPMHBreakout, TTM: ttm},
		StopBasis: stopBasis,
	}
	return p
}

func (p *scriptedPolicy) exit(ticker string, at int) *scriptedPolicy {
	if p.exits[ticker] == nil {
		p.exits[ticker] = make(map[int]models.ExitReason)
	}
	p.exits[ticker][at] = models.ExitReason{Kind: models.ExitCloseBelowEMA8}
	return p
}

func (p *scriptedPolicy) add(ticker string, at int) *scriptedPolicy {
	if p.adds[ticker] == nil {
		p.adds[ticker] = make(map[int]bool)
	}
	p.adds[ticker][at] = true
	return p
}

func minuteOf(ts time.Time) int {
	return int(ts.Sub(simT0) / time.Minute)
}

func (p *scriptedPolicy) EvaluateEntry(ticker string, bar models.Bar, _ InstrumentMemory) (EntrySignal, bool) {
	sig, ok := p.entries[ticker][minuteOf(bar.Timestamp)]
	return sig, ok
}

func (p *scriptedPolicy) EvaluateExit(ticker string, bar models.Bar, _ *Position) (models.ExitReason, bool) {
	r, ok := p.exits[ticker][minuteOf(bar.Timestamp)]
	return r, ok
}

func (p *scriptedPolicy) EvaluateAdd(ticker string, bar models.Bar, _ *Position) bool {
	return p.adds[ticker][minuteOf(bar.Timestamp)]
}

// testParams sizes a 9.00 stop under a 10.00 open to exactly 100 shares.
func testParams(t *testing.T, policy SignalPolicy) SimulationParams {
	t.Helper()
	fills, err := NewFillModel(config.SlippageConfig{Model: config.SlippageFixedCents, Cents: 0}, 0)
	require.NoError(t, err)
	return SimulationParams{
		Fills:            fills,
		Policy:           policy,
		Risk:             RiskLimits{MaxTradesPerDay: 10, MaxDailyLoss: 1000, Cooldown: 0},
		Portfolio:        PortfolioLimits{MaxPositions: 3, MaxPositionPct: 1, MinCashReservePct: 0},
		StartingEquity:   10000,
		RiskPerTradePct:  0.01,
		StarterFraction:  0.25,
		ScaleOutFraction: 0.5,
		StopBufferPct:    0,
		Location:         time.UTC,
		Logger:           zerolog.Nop(),
	}
}

func withFee(t *testing.T, p SimulationParams, fee float64) SimulationParams {
	t.Helper()
	fills, err := NewFillModel(config.SlippageConfig{Model: config.SlippageFixedCents, Cents: 0}, fee)
	require.NoError(t, err)
	p.Fills = fills
	return p
}

func fillsFor(res *SimulationResult, ticker string) []models.Fill {
	var out []models.Fill
	for _, f := range res.Fills {
		if f.Ticker == ticker {
			out = append(out, f)
		}
	}
	return out
}

func TestSimulateDayRoundTripWithFee(t *testing.T) {
	bars := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 10.50, 10.50, 10.40, 10.45),
	}
	policy := newScriptedPolicy().enter("AAA", 0, 9.00).exit("AAA", 1)
	params := withFee(t, testParams(t, policy), 5)

	res, err := SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: bars}}, params)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, 100, tr.Quantity)
	assert.Equal(t, 10.00, tr.EntryPrice)
	assert.Equal(t, 10.50, tr.ExitPrice)
	assert.InDelta(t, 45, tr.PnL, 1e-9)
	assert.Equal(t, 5.0, tr.Fees)
	assert.Equal(t, minute(0), tr.SignalTimestamp)
	assert.Equal(t, minute(1), tr.EntryTime)
	assert.Equal(t, minute(2), tr.ExitTime)
	assert.Equal(t, "close_below_ema8", tr.ExitReason.String())

	assert.InDelta(t, 10045, res.Portfolio.Cash, 1e-9)
	assert.InDelta(t, 45, res.Portfolio.RealizedPnL, 1e-9)
	assert.InDelta(t, 45, res.Risk.RealizedPnL, 1e-9)
	assert.Equal(t, 1, res.Risk.TradeCount)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, models.SideBuy, res.Fills[0].Side)
	assert.True(t, res.Fills[0].Timestamp.After(res.Fills[0].SignalTimestamp))
	assert.Equal(t, minute(1), res.Fills[1].SignalTimestamp)
}

func TestSimulateDaySlippageAndSizing(t *testing.T) {
	bars := flatBars(0, 1, 2)
	policy := newScriptedPolicy().enter("AAA", 0, 9.00)
	params := testParams(t, policy)
	fills, err := NewFillModel(config.SlippageConfig{Model: config.SlippageFixedCents, Cents: 0.02}, 0)
	require.NoError(t, err)
	params.Fills = fills

	res, err := SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: bars}}, params)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	// 100 risk dollars over a 1.02 stop distance.
	assert.Equal(t, 98, tr.Quantity)
	assert.InDelta(t, 10.02, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 10.08, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 10.50, tr.Target1, 1e-9)
	assert.InDelta(t, 10000, tr.EquityAtEntry, 1e-9)
	assert.InDelta(t, 100, tr.RiskDollars, 1e-9)
	assert.Equal(t, "force_flat_end_window", tr.ExitReason.String())
	assert.Equal(t, models.ExitForceFlatEndOfData, tr.ExitReason.Kind)
}

func TestSimulateDayStopCheckedBeforeTarget(t *testing.T) {
	bars := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 9.80, 10.60, 8.90, 9.00),
		ohlc(3, 9.00, 9.10, 8.90, 9.00),
	}
	policy := newScriptedPolicy().enter("AAA", 0, 9.00)

	res, err := SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: bars}}, testParams(t, policy))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "stop_hit", tr.ExitReason.String())
	assert.Equal(t, 9.00, tr.ExitPrice)
	assert.InDelta(t, -100, tr.PnL, 1e-9)
	assert.False(t, tr.Scaled)
	assert.Equal(t, minute(2), res.Risk.LastStopAt)
}

func TestSimulateDayGapThroughStop(t *testing.T) {
	bars := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 8.50, 8.80, 8.20, 8.60),
	}
	policy := newScriptedPolicy().enter("AAA", 0, 9.00)

	res, err := SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: bars}}, testParams(t, policy))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "stop_hit_gap_through", tr.ExitReason.String())
	assert.Equal(t, 8.50, tr.ExitPrice)
	assert.InDelta(t, -150, tr.PnL, 1e-9)
	assert.Equal(t, minute(2), res.Risk.LastStopAt)
}

func TestSimulateDayScaleOutThenBreakevenStop(t *testing.T) {
	bars := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 10.20, 10.60, 10.10, 10.40),
		ohlc(3, 10.30, 10.35, 9.95, 10.00),
	}
	policy := newScriptedPolicy().enter("AAA", 0, 9.00)

	res, err := SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: bars}}, testParams(t, policy))
	require.NoError(t, err)

	require.Len(t, res.Fills, 3)
	scale := res.Fills[1]
	assert.Equal(t, models.SideSell, scale.Side)
	assert.Equal(t, 50, scale.Quantity)
	assert.Equal(t, 10.50, scale.Price)
	assert.Equal(t, "scale_out_target1", scale.Reason.String())

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.True(t, tr.Scaled)
	assert.Equal(t, "stop_hit", tr.ExitReason.String())
	assert.Equal(t, 10.00, tr.ExitPrice)
	assert.Equal(t, 10.00, tr.FinalStop)
	assert.Equal(t, 9.00, tr.Stop)
	assert.Equal(t, 100, tr.Quantity)
	assert.Equal(t, 50, tr.FinalQuantity)
	assert.InDelta(t, 25, tr.ScalePnL, 1e-9)
	assert.InDelta(t, 25, tr.PnL, 1e-9)
	assert.InDelta(t, 10025, res.Portfolio.Cash, 1e-9)
}

func TestSimulateDaySlotContention(t *testing.T) {
	series := []models.BarSeries{
		{Ticker: "BBB", Bars: flatBars(0, 1, 2)},
		{Ticker: "AAA", Bars: flatBars(0, 1, 2)},
	}
	policy := newScriptedPolicy().enter("AAA", 0, 9.00).enter("BBB", 0, 9.00)
	params := testParams(t, policy)
	params.Portfolio.MaxPositions = 1

	res, err := SimulateDay(simDay, series, params)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "AAA", res.Trades[0].Ticker)
	assert.Empty(t, fillsFor(res, "BBB"))
	assert.Equal(t, 1, res.Dropped[DropNoSlot])
	assert.Equal(t, 1, res.MaxOpenPositions)
}

func TestSimulateDayMaxTradesDropsLaterFill(t *testing.T) {
	series := []models.BarSeries{
		{Ticker: "AAA", Bars: flatBars(0, 1, 2)},
		{Ticker: "BBB", Bars: flatBars(0, 1, 2)},
	}
	policy := newScriptedPolicy().enter("AAA", 0, 9.00).enter("BBB", 0, 9.00)
	params := testParams(t, policy)
	params.Risk.MaxTradesPerDay = 1

	res, err := SimulateDay(simDay, series, params)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "AAA", res.Trades[0].Ticker)
	assert.Equal(t, 1, res.Dropped[BlockMaxTrades])
	assert.Equal(t, 1, res.Risk.TradeCount)
}

func TestSimulateDayFlattensEachTickerAtItsLastBar(t *testing.T) {
	series := []models.BarSeries{
		{Ticker: "AAA", Bars: flatBars(span(0, 2)...)},
		{Ticker: "BBB", Bars: flatBars(span(0, 5)...)},
	}
	policy := newScriptedPolicy().enter("AAA", 0, 9.00).enter("BBB", 0, 9.00)

	res, err := SimulateDay(simDay, series, testParams(t, policy))
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	byTicker := map[string]models.Trade{}
	for _, tr := range res.Trades {
		byTicker[tr.Ticker] = tr
		assert.Equal(t, models.ExitForceFlatEndOfData, tr.ExitReason.Kind)
		assert.Equal(t, "force_flat_end_window", tr.ExitReason.String())
		assert.Equal(t, 10.10, tr.ExitPrice)
	}
	assert.Equal(t, minute(2), byTicker["AAA"].ExitTime)
	assert.Equal(t, minute(5), byTicker["BBB"].ExitTime)
	assert.Equal(t, 6, res.Timestamps)
	assert.Equal(t, 2, res.MaxOpenPositions)
}

func TestSimulateDayForceFlatWindow(t *testing.T) {
	series := []models.BarSeries{
		{Ticker: "AAA", Bars: flatBars(span(0, 4)...)},
		{Ticker: "BBB", Bars: flatBars(span(0, 4)...)},
	}
	policy := newScriptedPolicy().
		enter("AAA", 0, 9.00).
		enter("BBB", 1, 9.00).
		enter("BBB", 3, 9.00)
	params := testParams(t, policy)
	params.ForceFlat = 14*time.Hour + 32*time.Minute

	res, err := SimulateDay(simDay, series, params)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "AAA", tr.Ticker)
	assert.Equal(t, "force_flat_end_window", tr.ExitReason.String())
	assert.Equal(t, minute(2), tr.ExitTime)
	assert.Equal(t, 10.10, tr.ExitPrice)

	assert.Empty(t, fillsFor(res, "BBB"))
	assert.Equal(t, 1, res.Dropped[DropAfterForceFlat])
}

func TestSimulateDayDataGapDefersFill(t *testing.T) {
	series := []models.BarSeries{
		{Ticker: "AAA", Bars: flatBars(0, 1, 3, 4)},
		{Ticker: "BBB", Bars: flatBars(span(0, 4)...)},
	}
	policy := newScriptedPolicy().enter("AAA", 1, 9.00)

	res, err := SimulateDay(simDay, series, testParams(t, policy))
	require.NoError(t, err)

	aaa := fillsFor(res, "AAA")
	require.Len(t, aaa, 2)
	assert.Equal(t, minute(3), aaa[0].Timestamp)
	assert.Equal(t, minute(1), aaa[0].SignalTimestamp)
	assert.Equal(t, minute(4), aaa[1].Timestamp)
	assert.Equal(t, 5, res.Timestamps)
}

func TestSimulateDayCooldownAfterStop(t *testing.T) {
	aaa := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 9.50, 9.60, 8.90, 9.00),
	}
	series := []models.BarSeries{
		{Ticker: "AAA", Bars: aaa},
		{Ticker: "BBB", Bars: flatBars(span(0, 9)...)},
	}
	policy := newScriptedPolicy().
		enter("AAA", 0, 9.00).
		enter("BBB", 3, 9.00).
		enter("BBB", 7, 9.00)
	params := testParams(t, policy)
	params.Risk.Cooldown = 5 * time.Minute

	res, err := SimulateDay(simDay, series, params)
	require.NoError(t, err)

	bbb := fillsFor(res, "BBB")
	require.Len(t, bbb, 2)
	assert.Equal(t, models.SideBuy, bbb[0].Side)
	assert.Equal(t, minute(8), bbb[0].Timestamp)
	assert.Equal(t, minute(7), bbb[0].SignalTimestamp)
}

func TestSimulateDayStarterThenAdd(t *testing.T) {
	bars := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 10.10, 10.20, 10.00, 10.15),
		ohlc(3, 10.15, 10.25, 10.05, 10.20),
	}
	policy := newScriptedPolicy().
		enterWith("AAA", 0, 9.00, models.TTMWeakBear).
		add("AAA", 1)

	res, err := SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: bars}}, testParams(t, policy))
	require.NoError(t, err)

	require.Len(t, res.Fills, 3)
	assert.Equal(t, 25, res.Fills[0].Quantity)
	assert.Equal(t, 75, res.Fills[1].Quantity)
	assert.Equal(t, 10.10, res.Fills[1].Price)
	assert.Equal(t, "starter_add_on_bull_flip", res.Fills[1].Reason.String())

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.True(t, tr.Added)
	assert.Equal(t, 100, tr.Quantity)
	assert.InDelta(t, 10.075, tr.EntryPrice, 1e-9)
	assert.Equal(t, "pmh_breakout|ttm=weak_bear", tr.EntryReason.String())
	assert.Equal(t, 1, res.Risk.TradeCount)
}

func TestSimulateDayAddBlockedAfterDailyLoss(t *testing.T) {
	aaa := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 9.50, 9.60, 8.90, 9.00),
		ohlc(3, 9.00, 9.10, 8.95, 9.05),
		ohlc(4, 9.05, 9.10, 9.00, 9.05),
	}
	series := []models.BarSeries{
		{Ticker: "AAA", Bars: aaa},
		// No BBB bar at minute 2, so its add fills after AAA's stop.
		{Ticker: "BBB", Bars: flatBars(0, 1, 3, 4)},
	}
	policy := newScriptedPolicy().
		enter("AAA", 0, 9.00).
		enterWith("BBB", 0, 9.00, models.TTMWeakBear).
		add("BBB", 1)
	params := testParams(t, policy)
	params.Risk.MaxDailyLoss = 50

	res, err := SimulateDay(simDay, series, params)
	require.NoError(t, err)

	assert.InDelta(t, -100, res.Trades[0].PnL, 1e-9)
	assert.Equal(t, minute(2), res.Risk.LastStopAt)

	bbb := fillsFor(res, "BBB")
	require.Len(t, bbb, 2)
	assert.Equal(t, models.SideBuy, bbb[0].Side)
	assert.Equal(t, models.SideSell, bbb[1].Side)
	assert.Equal(t, 1, res.Dropped[BlockMaxDailyLoss])

	require.Len(t, res.Trades, 2)
	tr := res.Trades[1]
	assert.Equal(t, "BBB", tr.Ticker)
	assert.False(t, tr.Added)
	assert.Equal(t, bbb[0].Quantity, tr.Quantity)
}

func TestSimulateDayAddIgnoresTradeCount(t *testing.T) {
	bars := []models.Bar{
		ohlc(0, 9.90, 10.00, 9.85, 9.95),
		ohlc(1, 10.00, 10.20, 9.90, 10.10),
		ohlc(2, 10.10, 10.20, 10.00, 10.15),
		ohlc(3, 10.15, 10.25, 10.05, 10.20),
	}
	policy := newScriptedPolicy().
		enterWith("AAA", 0, 9.00, models.TTMWeakBear).
		add("AAA", 1)
	params := testParams(t, policy)
	params.Risk.MaxTradesPerDay = 1

	res, err := SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: bars}}, params)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Added)
	assert.Equal(t, 100, res.Trades[0].Quantity)
}

func TestSimulateDayDropsUnfillableEntries(t *testing.T) {
	series := []models.BarSeries{
		{Ticker: "AAA", Bars: flatBars(0, 1, 2)},
		{Ticker: "BBB", Bars: flatBars(0, 1, 2)},
	}
	policy := newScriptedPolicy().enter("AAA", 0, 10.50).enter("BBB", 0, 9.00)
	params := testParams(t, policy)
	params.Portfolio.MinCashReservePct = 1

	res, err := SimulateDay(simDay, series, params)
	require.NoError(t, err)

	assert.Empty(t, res.Fills)
	assert.Equal(t, 1, res.Dropped[DropStopAboveEntry])
	assert.Equal(t, 1, res.Dropped[DropNoCapital])
	assert.Equal(t, 0, res.Risk.TradeCount)
	assert.Equal(t, 10000.0, res.Portfolio.Cash)
}

func TestSimulateDayEmptyInput(t *testing.T) {
	res, err := SimulateDay(simDay, nil, testParams(t, newScriptedPolicy()))
	require.NoError(t, err)
	assert.Zero(t, res.Timestamps)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 10000.0, res.Portfolio.Cash)
}

func TestSimulateDayRejectsMalformedInput(t *testing.T) {
	params := testParams(t, newScriptedPolicy())

	_, err := SimulateDay(simDay, []models.BarSeries{
		{Ticker: "AAA", Bars: flatBars(0, 1)},
		{Ticker: "AAA", Bars: flatBars(0, 1)},
	}, params)
	var derr *errors.DataError
	assert.True(t, errors.As(err, &derr))

	_, err = SimulateDay(simDay, []models.BarSeries{{Ticker: "AAA", Bars: flatBars(1, 0)}}, params)
	assert.True(t, errors.As(err, &derr))

	bad := params
	bad.Policy = nil
	_, err = SimulateDay(simDay, nil, bad)
	var verr *errors.ValidationError
	assert.True(t, errors.As(err, &verr))
}
