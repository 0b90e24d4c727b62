package trading

import (
	"math"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/models"
)

// EntrySignal is a policy's decision to enter at the next open.
type EntrySignal struct {
	Reason    models.EntryReason
	StopBasis float64
}

// SignalPolicy decides entries, exits and add-ons from one bar of indicator
// data. Policies only read; the engine owns every state transition.
type SignalPolicy interface {
	EvaluateEntry(ticker string, bar models.Bar, mem InstrumentMemory) (EntrySignal, bool)
	EvaluateExit(ticker string, bar models.Bar, pos *Position) (models.ExitReason, bool)
	EvaluateAdd(ticker string, bar models.Bar, pos *Position) bool
}

// SmallCapMomentum enters small caps trending above their moving averages on
// a premarket-high breakout or a reclaim after one.
type SmallCapMomentum struct {
	cfg config.StrategyConfig
}

// NewSmallCapMomentum creates the policy from strategy settings.
func NewSmallCapMomentum(cfg config.StrategyConfig) *SmallCapMomentum {
	return &SmallCapMomentum{cfg: cfg}
}

// EvaluateEntry applies the macro, micro, momentum and extension filters and
// then the setup trigger.
func (s *SmallCapMomentum) EvaluateEntry(_ string, bar models.Bar, mem InstrumentMemory) (EntrySignal, bool) {
	c := bar.Close

	if s.cfg.MacroFilter.RequireAboveEMA34 && !(c > bar.EMA34) {
		return EntrySignal{}, false
	}
	if s.cfg.MacroFilter.RequireAboveEMA55 && !(c > bar.EMA55) {
		return EntrySignal{}, false
	}
	if s.cfg.MacroFilter.RequireAboveSMA200 && !(c > bar.SMA200) {
		return EntrySignal{}, false
	}
	if !(c > bar.EMA21) {
		return EntrySignal{}, false
	}

	ttm := bar.TTMState
	starter := s.cfg.AllowStarterEntries && ttm == models.TTMWeakBear
	if !ttm.IsBull() && !starter {
		return EntrySignal{}, false
	}
	if s.cfg.Entry.RequireMomentumBull && bar.MomentumSign != models.MomentumBull {
		return EntrySignal{}, false
	}
	if models.Valid(bar.ExtensionFromEMA8) && bar.ExtensionFromEMA8 > s.cfg.Entry.MaxExtensionFromEMA8Pct {
		return EntrySignal{}, false
	}

	setup := s.setup(bar, mem)
	if setup == models.SetupNone {
		return EntrySignal{}, false
	}

	basis := stopBasis(bar)
	if !models.Valid(basis) || basis <= 0 {
		return EntrySignal{}, false
	}

	return EntrySignal{
		Reason:    models.EntryReason{Setup: setup, TTM: ttm},
		StopBasis: basis,
	}, true
}

func (s *SmallCapMomentum) setup(bar models.Bar, mem InstrumentMemory) models.Setup {
	if !s.cfg.Entry.RequirePMHBreakout {
		return models.SetupMacroMicroConfirmed
	}

	pmh := bar.PremarketHigh
	if !models.Valid(pmh) {
		return models.SetupNone
	}
	c := bar.Close
	prev := mem.PrevClose
	if models.Valid(prev) && prev <= pmh && c > pmh {
		return models.SetupPMHBreakout
	}
	if !mem.BreakoutSeen || !models.Valid(prev) {
		return models.SetupNone
	}
	if models.Valid(mem.PrevVWAP) && prev <= mem.PrevVWAP && c > bar.VWAP {
		return models.SetupVWAPReclaimAfterPMH
	}
	if models.Valid(mem.PrevEMA21) && prev <= mem.PrevEMA21 && c > bar.EMA21 {
		return models.SetupEMA21ReclaimAfterPMH
	}
	return models.SetupNone
}

// stopBasis is the premarket high once price is above it, otherwise the lower
// of EMA21 and VWAP.
func stopBasis(bar models.Bar) float64 {
	if models.Valid(bar.PremarketHigh) && bar.Close > bar.PremarketHigh {
		return bar.PremarketHigh
	}
	if !models.Valid(bar.VWAP) {
		return bar.EMA21
	}
	return math.Min(bar.EMA21, bar.VWAP)
}

// EvaluateExit checks the trend-break and momentum-flip exits at the close.
func (s *SmallCapMomentum) EvaluateExit(_ string, bar models.Bar, pos *Position) (models.ExitReason, bool) {
	if s.cfg.Exits.ExitOnCloseBelowEMA8 && models.Valid(bar.EMA8) && bar.Close < bar.EMA8 {
		return models.ExitReason{Kind: models.ExitCloseBelowEMA8}, true
	}
	if s.cfg.Exits.ExitOnTTMMomentumBear && bar.MomentumSign == models.MomentumBear && bar.TTMState.IsBear() {
		return models.ExitReason{Kind: models.ExitTTMMomentumBear, TTM: bar.TTMState}, true
	}
	return models.ExitReason{}, false
}

// EvaluateAdd fires once for a starter position when momentum flips bull with
// price above EMA21 and VWAP.
func (s *SmallCapMomentum) EvaluateAdd(_ string, bar models.Bar, pos *Position) bool {
	if !s.cfg.AllowStarterEntries || !pos.Starter || pos.Added || pos.Scaled {
		return false
	}
	if bar.MomentumSign != models.MomentumBull || !bar.TTMState.IsBull() {
		return false
	}
	return bar.Close > bar.EMA21 && bar.Close > bar.VWAP
}
