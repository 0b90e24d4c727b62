package indicators

import (
	"math"
	"time"

	"smallcap-backtester/internal/models"
)

// Window is an inclusive time range.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// PremarketStats summarizes the candles inside the premarket window.
type PremarketStats struct {
	High   float64
	Low    float64
	Volume int64
	Last   float64
}

// ComputePremarketStats returns the premarket high, low, volume and last
// close. Without premarket candles High, Low and Last are NaN.
func ComputePremarketStats(candles []models.Candle, premarket Window) PremarketStats {
	stats := PremarketStats{High: math.NaN(), Low: math.NaN(), Last: math.NaN()}
	for _, c := range candles {
		if !premarket.Contains(c.Timestamp) {
			continue
		}
		if math.IsNaN(stats.High) || c.High > stats.High {
			stats.High = c.High
		}
		if math.IsNaN(stats.Low) || c.Low < stats.Low {
			stats.Low = c.Low
		}
		stats.Volume += c.Volume
		stats.Last = c.Close
	}
	return stats
}
