package trading

import (
	"time"
)

// Risk gate block reasons.
const (
	BlockMaxTrades    = "max_trades_reached"
	BlockMaxDailyLoss = "max_daily_loss_reached"
	BlockCooldown     = "cooldown_active"
)

// RiskLimits are the daily budget parameters consulted by DayRiskState.
type RiskLimits struct {
	MaxTradesPerDay int
	MaxDailyLoss    float64 // dollars, positive
	Cooldown        time.Duration
}

// DayRiskState is the daily risk budget shared by every ticker for one
// trading day. TradeCount moves when an entry fills, never on exit.
type DayRiskState struct {
	TradeCount  int
	RealizedPnL float64
	LastStopAt  time.Time
}

// NewDayRiskState returns a fresh budget for a new trading day.
func NewDayRiskState() *DayRiskState {
	return &DayRiskState{}
}

// CanTrade reports whether a new entry may be taken at ts. When it may not,
// the returned reason names the first gate that vetoed it.
func (d *DayRiskState) CanTrade(ts time.Time, limits RiskLimits) (bool, string) {
	if ok, reason := d.checkTradeCount(limits); !ok {
		return false, reason
	}
	if ok, reason := d.checkDailyLoss(limits); !ok {
		return false, reason
	}
	if ok, reason := d.checkCooldown(ts, limits); !ok {
		return false, reason
	}
	return true, ""
}

// CanAdd reports whether an open position may be topped up at ts. An add
// does not open a trade, so only the loss and cooldown gates apply.
func (d *DayRiskState) CanAdd(ts time.Time, limits RiskLimits) (bool, string) {
	if ok, reason := d.checkDailyLoss(limits); !ok {
		return false, reason
	}
	return d.checkCooldown(ts, limits)
}

func (d *DayRiskState) checkTradeCount(limits RiskLimits) (bool, string) {
	if d.TradeCount >= limits.MaxTradesPerDay {
		return false, BlockMaxTrades
	}
	return true, ""
}

func (d *DayRiskState) checkDailyLoss(limits RiskLimits) (bool, string) {
	if d.RealizedPnL <= -limits.MaxDailyLoss {
		return false, BlockMaxDailyLoss
	}
	return true, ""
}

func (d *DayRiskState) checkCooldown(ts time.Time, limits RiskLimits) (bool, string) {
	if d.LastStopAt.IsZero() {
		return true, ""
	}
	if ts.Sub(d.LastStopAt) < limits.Cooldown {
		return false, BlockCooldown
	}
	return true, ""
}

// RecordEntry counts a filled entry against the daily trade limit.
func (d *DayRiskState) RecordEntry() {
	d.TradeCount++
}

// RecordExit books the P&L of a final exit. A stop-triggered exit restarts
// the cooldown clock.
func (d *DayRiskState) RecordExit(pnl float64, wasStop bool, ts time.Time) {
	d.RealizedPnL += pnl
	if wasStop {
		d.LastStopAt = ts
	}
}

// RecordPartialPnL books the P&L of a partial scale-out.
func (d *DayRiskState) RecordPartialPnL(pnl float64) {
	d.RealizedPnL += pnl
}
