package report

import (
	"fmt"
	"math"
	"sort"
	"time"

	"smallcap-backtester/internal/models"
	"smallcap-backtester/pkg/utils"
)

// reconcileTolerance is the largest dollar difference treated as rounding.
const reconcileTolerance = 0.01

// maxDiscrepancies caps how many findings an audit keeps in detail.
const maxDiscrepancies = 10

// Audit check and violation names.
const (
	CheckNotFlat     = "position_not_flat"
	CheckQuantity    = "fill_qty_vs_trade_qty"
	CheckPnL         = "fill_pnl_vs_trade_pnl"
	CheckCash        = "cash_delta_vs_trade_pnl"
	KindSignalAfter  = "signal_after_fill"
	KindSignalEquals = "signal_equals_fill"
)

// Discrepancy is one failed reconciliation check.
type Discrepancy struct {
	Date     string  `json:"date"`
	Ticker   string  `json:"ticker,omitempty"`
	Check    string  `json:"check"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
}

// Reconciliation compares the trade ledger with the fill ledger and the
// daily cash figures.
type Reconciliation struct {
	Trades        int           `json:"trades"`
	Fills         int           `json:"fills"`
	TradesPnL     float64       `json:"trades_total_pnl"`
	FillsPnL      float64       `json:"fills_reconstructed_pnl"`
	Failures      int           `json:"failures"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Consistent    bool          `json:"is_consistent"`
}

func (r *Reconciliation) fail(d Discrepancy) {
	r.Failures++
	if len(r.Discrepancies) < maxDiscrepancies {
		r.Discrepancies = append(r.Discrepancies, d)
	}
}

type ledgerGroup struct {
	date, ticker    string
	buyQty, sellQty int
	cost, proceeds  float64
	tradeQty        int
	tradePnL, fees  float64
}

// Reconcile rebuilds each (day, ticker) PnL from the fills and compares it
// with the trades: every position ends flat, bought shares equal the
// trades' quantity, and proceeds minus cost minus fees equals trade PnL.
// For every day, the change in cash must equal that day's trade PnL.
func Reconcile(fills []models.Fill, trades []models.Trade, days []models.DayResult) Reconciliation {
	r := Reconciliation{Trades: len(trades), Fills: len(fills)}

	groups := make(map[string]*ledgerGroup)
	group := func(day time.Time, ticker string) *ledgerGroup {
		date := utils.DateKey(day)
		key := date + "|" + ticker
		g, ok := groups[key]
		if !ok {
			g = &ledgerGroup{date: date, ticker: ticker}
			groups[key] = g
		}
		return g
	}

	for _, f := range fills {
		g := group(f.Date, f.Ticker)
		notional := float64(f.Quantity) * f.Price
		if f.Side == models.SideBuy {
			g.buyQty += f.Quantity
			g.cost += notional
		} else {
			g.sellQty += f.Quantity
			g.proceeds += notional
		}
	}
	dailyPnL := make(map[string]float64)
	for _, t := range trades {
		g := group(t.Date, t.Ticker)
		g.tradeQty += t.Quantity
		g.tradePnL += t.PnL
		g.fees += t.Fees
		r.TradesPnL += t.PnL
		dailyPnL[utils.DateKey(t.Date)] += t.PnL
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		g := groups[k]
		if g.buyQty != g.sellQty {
			r.fail(Discrepancy{Date: g.date, Ticker: g.ticker, Check: CheckNotFlat,
				Expected: float64(g.buyQty), Actual: float64(g.sellQty)})
		}
		if g.buyQty != g.tradeQty {
			r.fail(Discrepancy{Date: g.date, Ticker: g.ticker, Check: CheckQuantity,
				Expected: float64(g.tradeQty), Actual: float64(g.buyQty)})
		}
		rebuilt := g.proceeds - g.cost - g.fees
		r.FillsPnL += rebuilt
		if math.Abs(rebuilt-g.tradePnL) > reconcileTolerance {
			r.fail(Discrepancy{Date: g.date, Ticker: g.ticker, Check: CheckPnL,
				Expected: g.tradePnL, Actual: rebuilt})
		}
	}

	for _, d := range days {
		date := utils.DateKey(d.Date)
		delta := d.EndCash - d.StartCash
		if math.Abs(delta-dailyPnL[date]) > reconcileTolerance {
			r.fail(Discrepancy{Date: date, Check: CheckCash, Expected: dailyPnL[date], Actual: delta})
		}
	}

	r.Consistent = r.Failures == 0
	return r
}

// Violation is one fill whose signal does not strictly precede it.
type Violation struct {
	Date   string    `json:"date"`
	Ticker string    `json:"ticker"`
	Kind   string    `json:"kind"`
	Signal time.Time `json:"signal_ts"`
	Fill   time.Time `json:"fill_ts"`
}

// LeakageReport is the outcome of a signal-before-fill audit.
type LeakageReport struct {
	Trades           int         `json:"trades"`
	EntryFills       int         `json:"entry_fills"`
	SignalAfterFill  int         `json:"signal_after_fill"`
	SignalEqualsFill int         `json:"signal_equals_fill"`
	Violations       []Violation `json:"violations,omitempty"`
	Valid            bool        `json:"is_valid"`
}

// Message is a one-line verdict.
func (l LeakageReport) Message() string {
	if l.Valid {
		return fmt.Sprintf("PASS: %d trades and %d entry fills were signalled on an earlier bar", l.Trades, l.EntryFills)
	}
	return fmt.Sprintf("FAIL: %d signals after the fill, %d on the fill bar", l.SignalAfterFill, l.SignalEqualsFill)
}

func (l *LeakageReport) check(date time.Time, ticker string, signal, fill time.Time) {
	if signal.IsZero() || fill.IsZero() {
		return
	}
	kind := ""
	switch {
	case signal.After(fill):
		l.SignalAfterFill++
		kind = KindSignalAfter
	case signal.Equal(fill):
		l.SignalEqualsFill++
		kind = KindSignalEquals
	default:
		return
	}
	if len(l.Violations) < maxDiscrepancies {
		l.Violations = append(l.Violations, Violation{
			Date: utils.DateKey(date), Ticker: ticker, Kind: kind, Signal: signal, Fill: fill,
		})
	}
}

// LeakageAudit verifies that every trade's entry and every buy fill was
// decided on a strictly earlier bar than the one it filled on. Exits are
// not audited: stops and force-flat fill inside the bar that triggers them.
func LeakageAudit(trades []models.Trade, fills []models.Fill) LeakageReport {
	l := LeakageReport{Trades: len(trades)}
	for _, t := range trades {
		l.check(t.Date, t.Ticker, t.SignalTimestamp, t.EntryTime)
	}
	for _, f := range fills {
		if f.Side != models.SideBuy {
			continue
		}
		l.EntryFills++
		l.check(f.Date, f.Ticker, f.SignalTimestamp, f.Timestamp)
	}
	l.Valid = l.SignalAfterFill == 0 && l.SignalEqualsFill == 0
	return l
}
