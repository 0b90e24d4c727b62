package trading

import (
	"math"
	"sort"

	"smallcap-backtester/internal/errors"
	"smallcap-backtester/internal/models"
)

// PortfolioLimits is the capital allocation policy.
type PortfolioLimits struct {
	MaxPositions      int
	MaxPositionPct    float64
	MinCashReservePct float64
}

// InstrumentMemory is what a signal policy remembers about a ticker between
// bars. Prev* values are NaN until a bar supplies them.
type InstrumentMemory struct {
	PrevClose    float64
	PrevVWAP     float64
	PrevEMA21    float64
	BreakoutSeen bool
}

func newInstrumentMemory() InstrumentMemory {
	nan := math.NaN()
	return InstrumentMemory{PrevClose: nan, PrevVWAP: nan, PrevEMA21: nan}
}

// remember carries the bar's close-time values into the next bar.
func (m *InstrumentMemory) remember(bar models.Bar) {
	m.PrevClose = bar.Close
	if models.Valid(bar.VWAP) {
		m.PrevVWAP = bar.VWAP
	}
	if models.Valid(bar.EMA21) {
		m.PrevEMA21 = bar.EMA21
	}
}

// TickerState wraps one ticker's position, pending signals and memory.
type TickerState struct {
	Ticker       string
	Position     Position
	PendingEntry *PendingEntry
	PendingExit  *PendingExit
	PendingAdd   *PendingAdd
	Memory       InstrumentMemory

	lastClose float64
	seen      bool
}

// clearPending drops every pending signal.
func (t *TickerState) clearPending() {
	t.PendingEntry = nil
	t.PendingExit = nil
	t.PendingAdd = nil
}

// PortfolioState is the capital ledger shared by every ticker in a day.
type PortfolioState struct {
	StartingEquity float64
	Cash           float64
	RealizedPnL    float64
	Limits         PortfolioLimits

	tickers map[string]*TickerState
	order   []string
}

// NewPortfolioState creates a portfolio holding only cash.
func NewPortfolioState(startingEquity float64, limits PortfolioLimits) *PortfolioState {
	return &PortfolioState{
		StartingEquity: startingEquity,
		Cash:           startingEquity,
		Limits:         limits,
		tickers:        make(map[string]*TickerState),
	}
}

// Ticker returns the state for ticker, creating it on first use.
func (p *PortfolioState) Ticker(ticker string) *TickerState {
	ts, ok := p.tickers[ticker]
	if !ok {
		ts = &TickerState{Ticker: ticker, Memory: newInstrumentMemory()}
		p.tickers[ticker] = ts
		i := sort.SearchStrings(p.order, ticker)
		p.order = append(p.order, "")
		copy(p.order[i+1:], p.order[i:])
		p.order[i] = ticker
	}
	return ts
}

// Tickers returns every registered ticker in lexicographic order.
func (p *PortfolioState) Tickers() []string {
	return append([]string(nil), p.order...)
}

// Equity is cash plus the unrealized gain or loss of every open position at
// the supplied prices. A position with no price contributes nothing.
func (p *PortfolioState) Equity(prices map[string]float64) float64 {
	unrealized := 0.0
	for _, ticker := range p.order {
		ts := p.tickers[ticker]
		if !ts.Position.IsOpen() {
			continue
		}
		if px, ok := prices[ticker]; ok {
			unrealized += (px - ts.Position.AvgEntry) * float64(ts.Position.Quantity)
		}
	}
	return p.Cash + unrealized
}

// OpenPositionCount counts positions currently holding shares.
func (p *PortfolioState) OpenPositionCount() int {
	n := 0
	for _, ts := range p.tickers {
		if ts.Position.IsOpen() {
			n++
		}
	}
	return n
}

// CanOpenPosition reports whether a position slot is free.
func (p *PortfolioState) CanOpenPosition() bool {
	return p.OpenPositionCount() < p.Limits.MaxPositions
}

// MaxPositionValue is the largest notional a single position may carry.
func (p *PortfolioState) MaxPositionValue(prices map[string]float64) float64 {
	return p.Equity(prices) * p.Limits.MaxPositionPct
}

// AvailableCapital is cash above the minimum reserve.
func (p *PortfolioState) AvailableCapital(prices map[string]float64) float64 {
	reserve := p.Equity(prices) * p.Limits.MinCashReservePct
	return math.Max(0, p.Cash-reserve)
}

// buy debits cash and adds shares to the ticker's position.
func (p *PortfolioState) buy(ts *TickerState, qty int, price float64) {
	p.Cash -= price * float64(qty)
	ts.Position.Add(qty, price)
}

// scaleOut sells part of an open position without a fee and returns the
// realized P&L of the sold shares.
func (p *PortfolioState) scaleOut(ts *TickerState, qty int, price float64) (float64, error) {
	pos := &ts.Position
	if !pos.IsOpen() {
		return 0, errors.ErrPositionNotOpen
	}
	if qty <= 0 || qty >= pos.Quantity {
		return 0, errors.NewValidationError("qty", qty, "scale-out must leave shares open")
	}
	pnl := (price - pos.AvgEntry) * float64(qty)
	p.Cash += price * float64(qty)
	p.RealizedPnL += pnl
	pos.Quantity -= qty
	pos.ScalePnL += pnl
	return pnl, nil
}

// close sells the remaining shares, charges the round-trip fee and returns
// the final leg P&L before the fee.
func (p *PortfolioState) close(ts *TickerState, price, fee float64) (float64, error) {
	pos := &ts.Position
	if !pos.IsOpen() {
		return 0, errors.ErrPositionNotOpen
	}
	qty := float64(pos.Quantity)
	leg := (price - pos.AvgEntry) * qty
	p.Cash += price*qty - fee
	p.RealizedPnL += leg - fee
	return leg, nil
}
