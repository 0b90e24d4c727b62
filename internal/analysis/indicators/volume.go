package indicators

import (
	"math"

	"smallcap-backtester/internal/models"
)

// VWAP calculates the cumulative session VWAP from the first candle given.
// Callers slice candles to the session before calling. Before any volume
// trades the value is NaN; afterwards zero-volume bars carry it forward.
type VWAP struct{}

// NewVWAP creates a new VWAP indicator.
func NewVWAP() *VWAP {
	return &VWAP{}
}

func (v *VWAP) Name() string {
	return "VWAP"
}

func (v *VWAP) Period() int {
	return 1
}

func (v *VWAP) Calculate(candles []models.Candle) ([]float64, error) {
	result := nanSlice(len(candles))
	var cumPV, cumVol float64
	last := math.NaN()
	for i, c := range candles {
		vol := float64(c.Volume)
		cumPV += typicalPrice(c) * vol
		cumVol += vol
		if cumVol > 0 {
			last = cumPV / cumVol
		}
		result[i] = last
	}
	return result, nil
}
