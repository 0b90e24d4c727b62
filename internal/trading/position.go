package trading

import (
	"math"
	"time"

	"smallcap-backtester/internal/models"
)

// Position is one ticker's open long position. Quantity > 0 means open.
type Position struct {
	Quantity      int
	AvgEntry      float64
	EntryTime     time.Time
	EntryReason   models.EntryReason
	Stop          float64
	InitialStop   float64
	Target1       float64
	Scaled        bool
	SignalTime    time.Time
	EquityAtEntry float64
	RiskDollars   float64

	// Audit and add-on bookkeeping.
	TotalBought  int
	FullQuantity int
	ScalePnL     float64
	Starter      bool
	Added        bool
}

// IsOpen reports whether the position holds shares.
func (p *Position) IsOpen() bool {
	return p.Quantity > 0
}

// Add buys qty more shares at price and updates the average entry.
func (p *Position) Add(qty int, price float64) {
	if qty <= 0 {
		return
	}
	newQty := p.Quantity + qty
	if p.Quantity <= 0 {
		p.AvgEntry = price
	} else {
		p.AvgEntry = (p.AvgEntry*float64(p.Quantity) + price*float64(qty)) / float64(newQty)
	}
	p.Quantity = newQty
	p.TotalBought += qty
}

// RaiseStop moves the stop up to price. A stop never moves down.
func (p *Position) RaiseStop(price float64) {
	if price > p.Stop {
		p.Stop = price
	}
}

// Reset returns the position to flat.
func (p *Position) Reset() {
	*p = Position{}
}

// PendingEntry is an entry decided at one bar's close, to be executed at the
// ticker's next bar open.
type PendingEntry struct {
	SignalTime time.Time
	Reason     models.EntryReason
	StopBasis  float64
}

// PendingExit is an exit decided at one bar's close, filled at market on
// the ticker's next open.
type PendingExit struct {
	SignalTime time.Time
	Reason     models.ExitReason
}

// PendingAdd tops a starter position up to full size at the next open.
type PendingAdd struct {
	SignalTime time.Time
}

// roundStep is the spacing of round-number resistance levels at a price.
func roundStep(price float64) float64 {
	switch {
	case price < 1:
		return 0.05
	case price < 5:
		return 0.10
	case price < 10:
		return 0.25
	default:
		return 0.50
	}
}

// NextRoundResistance returns the next round-number level above price.
func NextRoundResistance(price float64) float64 {
	step := roundStep(price)
	mult := math.Floor(price/step) + 1
	return math.Round(mult*step*10000) / 10000
}
