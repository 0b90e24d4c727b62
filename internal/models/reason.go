package models

import (
	"fmt"
	"strings"
)

// Reason is the sealed set of reasons a fill can carry.
type Reason interface {
	fmt.Stringer
	reason()
}

// Setup identifies which entry trigger fired.
type Setup int

const (
	SetupNone Setup = iota
	SetupPMHBreakout
	SetupVWAPReclaimAfterPMH
	SetupEMA21ReclaimAfterPMH
	SetupMacroMicroConfirmed
)

func (s Setup) String() string {
	switch s {
	case SetupPMHBreakout:
		return "pmh_breakout"
	case SetupVWAPReclaimAfterPMH:
		return "vwap_reclaim_after_pmh"
	case SetupEMA21ReclaimAfterPMH:
		return "ema21_reclaim_after_pmh"
	case SetupMacroMicroConfirmed:
		return "macro_micro_confirmed"
	default:
		return "none"
	}
}

// EntryReason is the setup plus the momentum state seen at signal time.
type EntryReason struct {
	Setup Setup
	TTM   TTMState
}

func (EntryReason) reason() {}

func (r EntryReason) String() string {
	return fmt.Sprintf("%s|ttm=%s", r.Setup, r.TTM)
}

// Starter reports whether the entry was taken on a weak bear state.
func (r EntryReason) Starter() bool {
	return r.TTM == TTMWeakBear
}

// AddReason tags the fill that tops a starter position up to full size.
type AddReason struct{}

func (AddReason) reason() {}

func (AddReason) String() string {
	return "starter_add_on_bull_flip"
}

// ExitKind identifies why a position was reduced or closed.
type ExitKind int

const (
	ExitNone ExitKind = iota
	ExitStopHit
	ExitStopGapThrough
	ExitScaleOutTarget1
	ExitCloseBelowEMA8
	ExitTTMMomentumBear
	ExitForceFlatWindow
	ExitForceFlatEndOfData
)

// ExitReason is an exit variant. TTM is only meaningful for ExitTTMMomentumBear.
// The force-flat window and the end-of-data flatten keep distinct kinds but
// export the same string.
type ExitReason struct {
	Kind ExitKind
	TTM  TTMState
}

func (ExitReason) reason() {}

func (r ExitReason) String() string {
	switch r.Kind {
	case ExitStopHit:
		return "stop_hit"
	case ExitStopGapThrough:
		return "stop_hit_gap_through"
	case ExitScaleOutTarget1:
		return "scale_out_target1"
	case ExitCloseBelowEMA8:
		return "close_below_ema8"
	case ExitTTMMomentumBear:
		return "ttm_momo_bear=" + string(r.TTM)
	case ExitForceFlatWindow, ExitForceFlatEndOfData:
		return "force_flat_end_window"
	default:
		return "none"
	}
}

// IsStop reports whether the exit was stop-triggered. Every stop variant
// serializes with the "stop_hit" prefix.
func (r ExitReason) IsStop() bool {
	return strings.HasPrefix(r.String(), "stop_hit")
}

// SetupOf extracts the setup name from a serialized entry reason.
func SetupOf(entryReason string) string {
	if i := strings.Index(entryReason, "|"); i >= 0 {
		return entryReason[:i]
	}
	return entryReason
}
