package indicators

import (
	"fmt"

	"smallcap-backtester/internal/models"
)

// SMA calculates Simple Moving Average. Values are NaN until the window fills.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator.
func NewSMA(period int) *SMA {
	return &SMA{period: period}
}

func (s *SMA) Name() string {
	return fmt.Sprintf("SMA_%d", s.period)
}

func (s *SMA) Period() int {
	return s.period
}

func (s *SMA) Calculate(candles []models.Candle) ([]float64, error) {
	if s.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return rollingMean(closePrices(candles), s.period), nil
}

// rollingMean is the trailing mean over period values, NaN until full.
func rollingMean(values []float64, period int) []float64 {
	result := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		if allValid(window) {
			result[i] = mean(window)
		}
	}
	return result
}

// EMA calculates Exponential Moving Average seeded with the first close, so
// every bar has a value and no warm-up window is discarded.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.period)
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) Calculate(candles []models.Candle) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return ema(closePrices(candles), e.period), nil
}

func ema(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if len(values) == 0 {
		return result
	}
	alpha := 2.0 / float64(period+1)
	result[0] = values[0]
	for i := 1; i < len(values); i++ {
		result[i] = alpha*values[i] + (1-alpha)*result[i-1]
	}
	return result
}
