// Package trading provides the backtest event engine and its ledgers.
package trading

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"smallcap-backtester/internal/errors"
	"smallcap-backtester/internal/logging"
	"smallcap-backtester/internal/models"
)

// Reasons a pending entry is dropped at fill time, beyond the risk gates.
const (
	DropNoSlot           = "max_positions_reached"
	DropNoCapital        = "insufficient_capital"
	DropStopAboveEntry   = "stop_not_below_entry"
	DropAfterForceFlat   = "after_force_flat"
	DropNothingToAdd     = "add_on_size_zero"
	DropAddPositionFlat  = "add_on_position_flat"
	DropExitPositionFlat = "exit_position_flat"
)

// SimulationParams configures one day of simulation.
type SimulationParams struct {
	Fills  *FillModel
	Policy SignalPolicy

	Risk      RiskLimits
	Portfolio PortfolioLimits

	StartingEquity   float64
	RiskPerTradePct  float64
	StarterFraction  float64
	ScaleOutFraction float64
	StopBufferPct    float64

	// ForceFlat is the time of day, as an offset from midnight in Location,
	// at or after which open positions are flattened. Zero disables it.
	ForceFlat time.Duration
	Location  *time.Location

	Logger zerolog.Logger
}

// SimulationResult is everything one simulated day produced.
type SimulationResult struct {
	Fills            []models.Fill
	Trades           []models.Trade
	Portfolio        *PortfolioState
	Risk             *DayRiskState
	Timestamps       int
	MaxOpenPositions int
	Dropped          map[string]int
}

// engine carries the shared state of one simulated day. It is single-threaded
// and visits tickers in lexicographic order within every phase.
type engine struct {
	day    time.Time
	params SimulationParams
	log    zerolog.Logger

	portfolio *PortfolioState
	risk      *DayRiskState
	result    *SimulationResult

	series  map[string][]models.Bar
	index   map[string]map[int64]int
	tickers []string
}

// SimulateDay walks the union of all tickers' bar timestamps for one day.
// At each timestamp it executes pending signals at the open, resolves stops,
// targets and force-flat inside the bar, then evaluates new signals at the
// close. Signals always execute on a later bar than the one that produced
// them. Each ticker still open after its last bar is flattened at that bar.
func SimulateDay(day time.Time, series []models.BarSeries, params SimulationParams) (*SimulationResult, error) {
	if params.Fills == nil {
		return nil, errors.NewValidationError("fills", nil, "fill model is required")
	}
	if params.Policy == nil {
		return nil, errors.NewValidationError("policy", nil, "signal policy is required")
	}
	if params.Location == nil {
		params.Location = time.UTC
	}

	e := &engine{
		day:       day,
		params:    params,
		log:       logging.WithDay(params.Logger, day),
		portfolio: NewPortfolioState(params.StartingEquity, params.Portfolio),
		risk:      NewDayRiskState(),
		series:    make(map[string][]models.Bar, len(series)),
		index:     make(map[string]map[int64]int, len(series)),
	}
	e.result = &SimulationResult{
		Portfolio: e.portfolio,
		Risk:      e.risk,
		Dropped:   make(map[string]int),
	}

	if err := e.load(series); err != nil {
		return nil, err
	}

	timeline := e.timeline()
	e.result.Timestamps = len(timeline)

	for _, ts := range timeline {
		e.executePending(ts)
		e.resolveIntrabar(ts)
		e.evaluateSignals(ts)

		if n := e.portfolio.OpenPositionCount(); n > e.result.MaxOpenPositions {
			e.result.MaxOpenPositions = n
		}
	}

	e.flattenAtEndOfData()

	for _, ticker := range e.tickers {
		if e.portfolio.Ticker(ticker).Position.IsOpen() {
			return nil, fmt.Errorf("%w: %s still open at end of day", errors.ErrInvariantViolated, ticker)
		}
	}

	return e.result, nil
}

// load indexes each ticker's bars by timestamp and registers the ticker.
func (e *engine) load(series []models.BarSeries) error {
	for _, s := range series {
		if _, dup := e.series[s.Ticker]; dup {
			return errors.NewDataError("bars", s.Ticker, "duplicate series", nil)
		}
		idx := make(map[int64]int, len(s.Bars))
		for i, bar := range s.Bars {
			if i > 0 && !bar.Timestamp.After(s.Bars[i-1].Timestamp) {
				return errors.NewDataError("bars", s.Ticker,
					fmt.Sprintf("timestamps not strictly ascending at %s", bar.Timestamp.Format(time.RFC3339)), nil)
			}
			idx[bar.Timestamp.UnixNano()] = i
		}
		e.series[s.Ticker] = s.Bars
		e.index[s.Ticker] = idx
		e.portfolio.Ticker(s.Ticker)
	}
	e.tickers = e.portfolio.Tickers()
	return nil
}

// timeline is the sorted union of every ticker's timestamps.
func (e *engine) timeline() []time.Time {
	seen := make(map[int64]time.Time)
	for _, bars := range e.series {
		for _, bar := range bars {
			seen[bar.Timestamp.UnixNano()] = bar.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// bar returns ticker's bar at ts, if it has one.
func (e *engine) bar(ticker string, ts time.Time) (models.Bar, bool) {
	i, ok := e.index[ticker][ts.UnixNano()]
	if !ok {
		return models.Bar{}, false
	}
	return e.series[ticker][i], true
}

// openPrices is the price snapshot known at the open of ts: the current open
// for tickers trading at ts, otherwise the last close already seen.
func (e *engine) openPrices(ts time.Time) map[string]float64 {
	prices := make(map[string]float64, len(e.tickers))
	for _, ticker := range e.tickers {
		if bar, ok := e.bar(ticker, ts); ok {
			prices[ticker] = bar.Open
			continue
		}
		if st := e.portfolio.Ticker(ticker); st.seen {
			prices[ticker] = st.lastClose
		}
	}
	return prices
}

func (e *engine) afterForceFlat(ts time.Time) bool {
	if e.params.ForceFlat <= 0 {
		return false
	}
	local := ts.In(e.params.Location)
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	return tod >= e.params.ForceFlat
}

func (e *engine) drop(ticker, reason string, ts time.Time) {
	e.result.Dropped[reason]++
	logging.LogSignalDropped(e.log, ticker, reason, ts)
}

// =============================================================================
// Phase 1: execute pending signals at the open
// =============================================================================

func (e *engine) executePending(ts time.Time) {
	prices := e.openPrices(ts)

	for _, ticker := range e.tickers {
		bar, ok := e.bar(ticker, ts)
		if !ok {
			continue
		}
		st := e.portfolio.Ticker(ticker)

		if st.PendingEntry != nil {
			if st.Position.IsOpen() {
				e.drop(ticker, DropNoSlot, ts)
			} else {
				e.fillEntry(st, bar, prices)
			}
		}

		if st.PendingAdd != nil {
			if st.Position.IsOpen() {
				e.fillAdd(st, bar, prices)
			} else {
				e.drop(ticker, DropAddPositionFlat, ts)
			}
		}

		if st.PendingExit != nil {
			if st.Position.IsOpen() {
				e.closePosition(st, bar.Timestamp, e.params.Fills.ApplyExit(bar.Open), st.PendingExit.Reason, st.PendingExit.SignalTime)
			} else {
				e.drop(ticker, DropExitPositionFlat, ts)
			}
		}

		st.clearPending()
	}
}

func (e *engine) fillEntry(st *TickerState, bar models.Bar, prices map[string]float64) {
	pe := st.PendingEntry
	ts := bar.Timestamp

	if e.afterForceFlat(ts) {
		e.drop(st.Ticker, DropAfterForceFlat, ts)
		return
	}
	if ok, reason := e.risk.CanTrade(ts, e.params.Risk); !ok {
		e.drop(st.Ticker, reason, ts)
		return
	}
	if !e.portfolio.CanOpenPosition() {
		e.drop(st.Ticker, DropNoSlot, ts)
		return
	}

	stop := pe.StopBasis * (1 - e.params.StopBufferPct)
	if !(stop < bar.Open) {
		e.drop(st.Ticker, DropStopAboveEntry, ts)
		return
	}

	entryPx := e.params.Fills.ApplyEntry(bar.Open)
	equity := e.portfolio.Equity(prices)
	riskDollars := equity * e.params.RiskPerTradePct
	full := e.sharesFor(riskDollars, entryPx-stop, entryPx, prices)

	qty := full
	starter := pe.Reason.Starter()
	if starter {
		qty = int(math.Floor(float64(full) * e.params.StarterFraction))
	}
	if qty <= 0 {
		e.drop(st.Ticker, DropNoCapital, ts)
		return
	}

	e.portfolio.buy(st, qty, entryPx)
	e.risk.RecordEntry()
	e.recordFill(st.Ticker, ts, models.SideBuy, qty, entryPx, pe.Reason, pe.SignalTime)

	pos := &st.Position
	pos.EntryTime = ts
	pos.SignalTime = pe.SignalTime
	pos.EntryReason = pe.Reason
	pos.Stop = stop
	pos.InitialStop = stop
	pos.Target1 = NextRoundResistance(entryPx)
	pos.EquityAtEntry = equity
	pos.RiskDollars = riskDollars
	pos.FullQuantity = full
	pos.Starter = starter
}

// sharesFor sizes a position by risk and clamps it by the per-position
// notional cap and the cash above reserve. Shares are floored to whole units.
func (e *engine) sharesFor(riskDollars, stopDistance, entryPx float64, prices map[string]float64) int {
	if stopDistance <= 0 || entryPx <= 0 {
		return 0
	}
	byRisk := riskDollars / stopDistance
	byCapital := math.Min(e.portfolio.MaxPositionValue(prices), e.portfolio.AvailableCapital(prices)) / entryPx
	shares := math.Floor(math.Min(byRisk, byCapital))
	if shares <= 0 || math.IsNaN(shares) {
		return 0
	}
	return int(shares)
}

func (e *engine) fillAdd(st *TickerState, bar models.Bar, prices map[string]float64) {
	ts := bar.Timestamp
	pos := &st.Position

	if e.afterForceFlat(ts) {
		e.drop(st.Ticker, DropAfterForceFlat, ts)
		return
	}
	if ok, reason := e.risk.CanAdd(ts, e.params.Risk); !ok {
		e.drop(st.Ticker, reason, ts)
		return
	}

	addPx := e.params.Fills.ApplyEntry(bar.Open)
	held := pos.AvgEntry * float64(pos.Quantity)
	room := math.Min(e.portfolio.MaxPositionValue(prices)-held, e.portfolio.AvailableCapital(prices))
	byCapital := int(math.Floor(math.Max(0, room) / addPx))

	qty := pos.FullQuantity - pos.Quantity
	if byCapital < qty {
		qty = byCapital
	}
	if qty <= 0 {
		e.drop(st.Ticker, DropNothingToAdd, ts)
		return
	}

	e.portfolio.buy(st, qty, addPx)
	pos.Added = true
	e.recordFill(st.Ticker, ts, models.SideBuy, qty, addPx, models.AddReason{}, st.PendingAdd.SignalTime)
}

// =============================================================================
// Phase 2: force-flat, stops and targets inside the bar
// =============================================================================

func (e *engine) resolveIntrabar(ts time.Time) {
	flat := e.afterForceFlat(ts)

	for _, ticker := range e.tickers {
		bar, ok := e.bar(ticker, ts)
		if !ok {
			continue
		}
		st := e.portfolio.Ticker(ticker)

		if models.Valid(bar.PremarketHigh) && bar.Close > bar.PremarketHigh {
			st.Memory.BreakoutSeen = true
		}

		pos := &st.Position
		if !pos.IsOpen() {
			continue
		}

		if flat {
			e.closePosition(st, ts, e.params.Fills.ApplyExit(bar.Close),
				models.ExitReason{Kind: models.ExitForceFlatWindow}, ts)
			continue
		}

		// The stop is checked first; a bar that touches both assumes the stop.
		if bar.Open <= pos.Stop {
			e.closePosition(st, ts, e.params.Fills.ApplyExit(bar.Open),
				models.ExitReason{Kind: models.ExitStopGapThrough}, pos.EntryTime)
			continue
		}
		if bar.Low <= pos.Stop {
			e.closePosition(st, ts, e.params.Fills.ApplyExit(pos.Stop),
				models.ExitReason{Kind: models.ExitStopHit}, pos.EntryTime)
			continue
		}

		if !pos.Scaled && pos.Target1 > 0 && bar.High >= pos.Target1 {
			e.scaleOut(st, ts)
		}
	}
}

func (e *engine) scaleOut(st *TickerState, ts time.Time) {
	pos := &st.Position
	exitPx := e.params.Fills.ApplyExit(pos.Target1)
	reason := models.ExitReason{Kind: models.ExitScaleOutTarget1}

	take := int(math.Floor(float64(pos.Quantity) * e.params.ScaleOutFraction))
	if take <= 0 {
		return
	}
	if take >= pos.Quantity {
		e.closePosition(st, ts, exitPx, reason, pos.EntryTime)
		return
	}

	pnl, err := e.portfolio.scaleOut(st, take, exitPx)
	if err != nil {
		e.log.Warn().Err(err).Str("ticker", st.Ticker).Msg("Scale-out skipped")
		return
	}
	e.risk.RecordPartialPnL(pnl)
	e.recordFill(st.Ticker, ts, models.SideSell, take, exitPx, reason, pos.EntryTime)

	pos.Scaled = true
	pos.RaiseStop(pos.AvgEntry)
}

// =============================================================================
// Phase 3: evaluate new signals at the close
// =============================================================================

func (e *engine) evaluateSignals(ts time.Time) {
	flat := e.afterForceFlat(ts)

	for _, ticker := range e.tickers {
		bar, ok := e.bar(ticker, ts)
		if !ok {
			continue
		}
		st := e.portfolio.Ticker(ticker)

		switch {
		case st.Position.IsOpen():
			e.evaluateOpen(st, bar)
		case st.PendingEntry == nil && !flat:
			e.evaluateFlat(st, bar)
		}

		st.Memory.remember(bar)
		st.lastClose = bar.Close
		st.seen = true
	}
}

func (e *engine) evaluateFlat(st *TickerState, bar models.Bar) {
	if ok, _ := e.risk.CanTrade(bar.Timestamp, e.params.Risk); !ok {
		return
	}
	if !e.portfolio.CanOpenPosition() {
		return
	}
	sig, ok := e.params.Policy.EvaluateEntry(st.Ticker, bar, st.Memory)
	if !ok {
		return
	}
	st.PendingEntry = &PendingEntry{
		SignalTime: bar.Timestamp,
		Reason:     sig.Reason,
		StopBasis:  sig.StopBasis,
	}
}

func (e *engine) evaluateOpen(st *TickerState, bar models.Bar) {
	if st.PendingExit != nil {
		return
	}
	if reason, ok := e.params.Policy.EvaluateExit(st.Ticker, bar, &st.Position); ok {
		st.PendingExit = &PendingExit{SignalTime: bar.Timestamp, Reason: reason}
		return
	}
	if st.PendingAdd == nil && e.params.Policy.EvaluateAdd(st.Ticker, bar, &st.Position) {
		st.PendingAdd = &PendingAdd{SignalTime: bar.Timestamp}
	}
}

// =============================================================================
// End of day
// =============================================================================

// flattenAtEndOfData closes each open position at its own ticker's last bar
// and lets unfilled pending signals expire.
func (e *engine) flattenAtEndOfData() {
	for _, ticker := range e.tickers {
		st := e.portfolio.Ticker(ticker)
		st.clearPending()
		if !st.Position.IsOpen() {
			continue
		}
		bars := e.series[ticker]
		last := bars[len(bars)-1]
		e.closePosition(st, last.Timestamp, e.params.Fills.ApplyExit(last.Close),
			models.ExitReason{Kind: models.ExitForceFlatEndOfData}, last.Timestamp)
	}
}

// =============================================================================
// Ledger
// =============================================================================

func (e *engine) recordFill(ticker string, ts time.Time, side models.Side, qty int, px float64, reason models.Reason, signal time.Time) {
	f := models.Fill{
		Date:            e.day,
		Ticker:          ticker,
		Timestamp:       ts,
		Side:            side,
		Quantity:        qty,
		Price:           px,
		Reason:          reason,
		SignalTimestamp: signal,
	}
	e.result.Fills = append(e.result.Fills, f)
	logging.LogFill(e.log, f)
}

// closePosition sells every remaining share, books the round-trip fee and
// appends the trade record. Closing a flat position is a no-op.
func (e *engine) closePosition(st *TickerState, ts time.Time, exitPx float64, reason models.ExitReason, signal time.Time) {
	pos := &st.Position
	if !pos.IsOpen() {
		return
	}
	qty := pos.Quantity
	fee := e.params.Fills.Fee()

	leg, err := e.portfolio.close(st, exitPx, fee)
	if err != nil {
		e.log.Warn().Err(err).Str("ticker", st.Ticker).Msg("Close skipped")
		return
	}
	e.risk.RecordExit(leg-fee, reason.IsStop(), ts)
	e.recordFill(st.Ticker, ts, models.SideSell, qty, exitPx, reason, signal)

	t := models.Trade{
		Date:            e.day,
		Ticker:          st.Ticker,
		SignalTimestamp: pos.SignalTime,
		EntryTime:       pos.EntryTime,
		ExitTime:        ts,
		EntryPrice:      pos.AvgEntry,
		ExitPrice:       exitPx,
		Quantity:        pos.TotalBought,
		FinalQuantity:   qty,
		PnL:             pos.ScalePnL + leg - fee,
		ScalePnL:        pos.ScalePnL,
		FinalExitPnL:    leg,
		Fees:            fee,
		EntryReason:     pos.EntryReason,
		ExitReason:      reason,
		Scaled:          pos.Scaled,
		Added:           pos.Added,
		Stop:            pos.InitialStop,
		FinalStop:       pos.Stop,
		Target1:         pos.Target1,
		EquityAtEntry:   pos.EquityAtEntry,
		RiskDollars:     pos.RiskDollars,
	}
	e.result.Trades = append(e.result.Trades, t)
	logging.LogTrade(e.log, t)

	pos.Reset()
}
