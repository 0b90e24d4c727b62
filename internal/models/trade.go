package models

import "time"

// Fill is one executed buy or sell. Fills are append-only.
type Fill struct {
	Date            time.Time
	Ticker          string
	Timestamp       time.Time
	Side            Side
	Quantity        int
	Price           float64
	Reason          Reason
	SignalTimestamp time.Time
}

// HasSignal reports whether the fill was driven by a deferred signal.
func (f Fill) HasSignal() bool {
	return !f.SignalTimestamp.IsZero()
}

// Trade is one closed position lifetime, from first buy to flat.
type Trade struct {
	Date            time.Time
	Ticker          string
	SignalTimestamp time.Time
	EntryTime       time.Time
	ExitTime        time.Time
	EntryPrice      float64
	ExitPrice       float64
	Quantity        int
	FinalQuantity   int
	PnL             float64
	ScalePnL        float64
	FinalExitPnL    float64
	Fees            float64
	EntryReason     EntryReason
	ExitReason      ExitReason
	Scaled          bool
	Added           bool
	Stop            float64
	FinalStop       float64
	Target1         float64
	EquityAtEntry   float64
	RiskDollars     float64
}

// IsWin reports whether the trade made money after fees.
func (t Trade) IsWin() bool {
	return t.PnL > 0
}

// HoldDuration is the time between the first fill and the final exit.
func (t Trade) HoldDuration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}
