package indicators

import (
	"fmt"
	"math"

	"smallcap-backtester/internal/models"
)

// ATR calculates Average True Range as a simple rolling mean of true range.
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

func (a *ATR) Calculate(candles []models.Candle) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return rollingMean(trueRanges(candles), a.period), nil
}

// trueRanges uses high minus low for the first candle.
func trueRanges(candles []models.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		tr[i] = trueRange(c, candles[i-1])
	}
	return tr
}

// BollingerBands calculates SMA plus and minus a multiple of the population
// standard deviation.
type BollingerBands struct {
	period int
	mult   float64
}

// NewBollingerBands creates a new Bollinger Bands indicator.
func NewBollingerBands(period int, mult float64) *BollingerBands {
	return &BollingerBands{period: period, mult: mult}
}

func (b *BollingerBands) Name() string {
	return fmt.Sprintf("BB_%d_%.1f", b.period, b.mult)
}

func (b *BollingerBands) Period() int {
	return b.period
}

func (b *BollingerBands) Calculate(candles []models.Candle) (map[string][]float64, error) {
	if b.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	closes := closePrices(candles)
	middle := rollingMean(closes, b.period)
	upper := nanSlice(len(closes))
	lower := nanSlice(len(closes))
	for i := b.period - 1; i < len(closes); i++ {
		if math.IsNaN(middle[i]) {
			continue
		}
		sd := stdDev(closes[i-b.period+1 : i+1])
		upper[i] = middle[i] + b.mult*sd
		lower[i] = middle[i] - b.mult*sd
	}
	return map[string][]float64{
		"middle": middle,
		"upper":  upper,
		"lower":  lower,
	}, nil
}
