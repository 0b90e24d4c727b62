// Package models provides domain models for the backtesting application.
package models

import (
	"math"
	"time"
)

// Side represents the side of a fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TTMState is the squeeze momentum colour label attached to a bar.
type TTMState string

const (
	TTMUnknown    TTMState = ""
	TTMStrongBull TTMState = "strong_bull"
	TTMWeakBull   TTMState = "weak_bull"
	TTMStrongBear TTMState = "strong_bear"
	TTMWeakBear   TTMState = "weak_bear"
)

// IsBull reports whether the state is one of the bullish labels.
func (s TTMState) IsBull() bool {
	return s == TTMStrongBull || s == TTMWeakBull
}

// IsBear reports whether the state is one of the bearish labels.
func (s TTMState) IsBear() bool {
	return s == TTMStrongBear || s == TTMWeakBear
}

// MomentumSign is the sign of squeeze momentum.
type MomentumSign string

const (
	MomentumUnknown MomentumSign = ""
	MomentumBull    MomentumSign = "bull"
	MomentumBear    MomentumSign = "bear"
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Bar is one minute of price data plus the precomputed indicator columns
// the engine reads. Missing indicator values are NaN.
type Bar struct {
	Candle

	EMA8              float64
	EMA21             float64
	EMA34             float64
	EMA55             float64
	SMA200            float64
	VWAP              float64
	ExtensionFromEMA8 float64
	TTMState          TTMState
	MomentumSign      MomentumSign

	PremarketHigh   float64
	PremarketLow    float64
	PremarketVolume int64
	PrevDayHigh     float64
	PrevDayLow      float64
}

// NewBar returns a bar with every indicator column marked missing.
func NewBar(c Candle) Bar {
	nan := math.NaN()
	return Bar{
		Candle:            c,
		EMA8:              nan,
		EMA21:             nan,
		EMA34:             nan,
		EMA55:             nan,
		SMA200:            nan,
		VWAP:              nan,
		ExtensionFromEMA8: nan,
		PremarketHigh:     nan,
		PremarketLow:      nan,
		PrevDayHigh:       nan,
		PrevDayLow:        nan,
	}
}

// Valid reports whether an indicator value is present.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// BarSeries is the ordered minute bars of one ticker for one day.
type BarSeries struct {
	Ticker string
	Bars   []Bar
}

// Last returns the final bar of the series.
func (s BarSeries) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// DailyAgg is one ticker's daily aggregate from a grouped-daily response.
type DailyAgg struct {
	Ticker string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// TickerDetails is reference data about a listed ticker.
type TickerDetails struct {
	Ticker string
	Name   string
	Type   string
	Market string
	Active bool
}

// WatchlistItem is one ticker selected by the open-gap screen.
type WatchlistItem struct {
	Date      time.Time
	Ticker    string
	PrevClose float64
	Open      float64
	GapPct    float64
	Rank      int
}

// DayStatus describes how completely a trading day could be simulated.
type DayStatus string

const (
	DayStatusOK          DayStatus = "ok"
	DayStatusNoWatchlist DayStatus = "no_watchlist"
	DayStatusNoData      DayStatus = "no_data"
	DayStatusPartialData DayStatus = "partial_data"
	DayStatusError       DayStatus = "error"
)

// DayResult is the per-day summary handed back to the orchestrator.
type DayResult struct {
	Date           time.Time
	Status         DayStatus
	Detail         string
	Watchlist      int
	TickersWithBar int
	Trades         int
	Fills          int
	StartCash      float64
	EndCash        float64
	RealizedPnL    float64
}

// StressResult is a run's outcome when replayed under one alternative fill
// model.
type StressResult struct {
	Slippage       string  `json:"slippage"`
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	TotalPnL       float64 `json:"total_pnl"`
	TotalFees      float64 `json:"total_fees"`
	StartingEquity float64 `json:"starting_equity"`
	EndingEquity   float64 `json:"ending_equity"`
}

// Add folds another day's outcome into r.
func (r *StressResult) Add(day StressResult) {
	r.Trades += day.Trades
	r.Wins += day.Wins
	r.TotalPnL += day.TotalPnL
	r.TotalFees += day.TotalFees
}

// WinRate is the share of trades that made money after fees.
func (r StressResult) WinRate() float64 {
	if r.Trades == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Trades)
}
