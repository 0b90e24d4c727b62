package indicators

import (
	"fmt"
	"math"

	"smallcap-backtester/internal/models"
)

// TTMSqueeze approximates the TTM Squeeze: Bollinger Bands inside Keltner
// Channels flags a squeeze, and momentum is a rolling linear regression of
// close minus the Donchian/SMA midline.
type TTMSqueeze struct {
	length int
	bbMult float64
	kcMult float64
}

// NewTTMSqueeze creates a TTM Squeeze indicator.
func NewTTMSqueeze(length int, bbMult, kcMult float64) *TTMSqueeze {
	return &TTMSqueeze{length: length, bbMult: bbMult, kcMult: kcMult}
}

// NewDefaultTTMSqueeze uses length 20, 2.0 standard deviations and 1.5 ATR.
func NewDefaultTTMSqueeze() *TTMSqueeze {
	return NewTTMSqueeze(20, 2.0, 1.5)
}

func (s *TTMSqueeze) Name() string {
	return fmt.Sprintf("TTM_%d", s.length)
}

func (s *TTMSqueeze) Period() int {
	return 2*s.length - 1
}

// Calculate returns bb_upper, bb_lower, kc_upper, kc_lower, squeeze_on (1 or
// 0) and momentum series.
func (s *TTMSqueeze) Calculate(candles []models.Candle) (map[string][]float64, error) {
	if s.length <= 0 {
		return nil, ErrInvalidPeriod
	}
	n := len(candles)

	bb, err := NewBollingerBands(s.length, s.bbMult).Calculate(candles)
	if err != nil {
		return nil, err
	}
	closes := closePrices(candles)
	emaMid := ema(closes, s.length)
	atr, err := NewATR(s.length).Calculate(candles)
	if err != nil {
		return nil, err
	}

	kcUpper := nanSlice(n)
	kcLower := nanSlice(n)
	squeeze := make([]float64, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(atr[i]) {
			continue
		}
		kcUpper[i] = emaMid[i] + s.kcMult*atr[i]
		kcLower[i] = emaMid[i] - s.kcMult*atr[i]
		if bb["lower"][i] > kcLower[i] && bb["upper"][i] < kcUpper[i] {
			squeeze[i] = 1
		}
	}

	raw := nanSlice(n)
	for i := s.length - 1; i < n; i++ {
		hh := math.Inf(-1)
		ll := math.Inf(1)
		for _, c := range candles[i-s.length+1 : i+1] {
			hh = math.Max(hh, c.High)
			ll = math.Min(ll, c.Low)
		}
		mid := bb["middle"][i]
		if math.IsNaN(mid) {
			continue
		}
		raw[i] = closes[i] - ((hh+ll)/2+mid)/2
	}

	momentum := nanSlice(n)
	for i := s.length - 1; i < n; i++ {
		window := raw[i-s.length+1 : i+1]
		if allValid(window) {
			momentum[i] = linregLast(window)
		}
	}

	return map[string][]float64{
		"bb_upper":   bb["upper"],
		"bb_lower":   bb["lower"],
		"kc_upper":   kcUpper,
		"kc_lower":   kcLower,
		"squeeze_on": squeeze,
		"momentum":   momentum,
	}, nil
}

// TTMColorStates labels each momentum value by its sign and direction of
// change. Values without a defined previous momentum, or exactly zero, are
// left unknown.
func TTMColorStates(momentum []float64) []models.TTMState {
	states := make([]models.TTMState, len(momentum))
	for i := 1; i < len(momentum); i++ {
		m, prev := momentum[i], momentum[i-1]
		if math.IsNaN(m) || math.IsNaN(prev) {
			continue
		}
		delta := m - prev
		switch {
		case m > 0 && delta >= 0:
			states[i] = models.TTMStrongBull
		case m > 0:
			states[i] = models.TTMWeakBull
		case m < 0 && delta < 0:
			states[i] = models.TTMStrongBear
		case m < 0:
			states[i] = models.TTMWeakBear
		}
	}
	return states
}

// MomentumSigns maps momentum to bull (>= 0) or bear. NaN stays unknown.
func MomentumSigns(momentum []float64) []models.MomentumSign {
	signs := make([]models.MomentumSign, len(momentum))
	for i, m := range momentum {
		switch {
		case math.IsNaN(m):
		case m >= 0:
			signs[i] = models.MomentumBull
		default:
			signs[i] = models.MomentumBear
		}
	}
	return signs
}
