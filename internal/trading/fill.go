package trading

import (
	"fmt"
	"strings"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/errors"
)

// FillModel turns reference prices into executable prices for a long-only
// book. Slippage always works against the trader: entries fill higher and
// exits fill lower. The flat fee is charged once per round trip, on the final
// exit. A FillModel is immutable once built.
type FillModel struct {
	model      string
	cents      float64
	pct        float64
	thresholds []float64
	tiers      []float64
	fee        float64
}

// NewFillModel validates the slippage configuration and builds a FillModel.
// An unknown model name is returned as errors.ErrUnknownSlippageModel.
func NewFillModel(cfg config.SlippageConfig, feePerTrade float64) (*FillModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if feePerTrade < 0 {
		return nil, errors.NewConfigError("execution.fees_per_trade", feePerTrade, "must be non-negative")
	}

	return &FillModel{
		model:      cfg.Model,
		cents:      cfg.Cents,
		pct:        cfg.Pct,
		thresholds: append([]float64(nil), cfg.TierThresholds...),
		tiers:      append([]float64(nil), cfg.TierCents...),
		fee:        feePerTrade,
	}, nil
}

// ApplyEntry returns the price a long entry fills at.
func (m *FillModel) ApplyEntry(price float64) float64 {
	return price + m.Slippage(price)
}

// ApplyExit returns the price a long exit fills at.
func (m *FillModel) ApplyExit(price float64) float64 {
	return price - m.Slippage(price)
}

// Slippage returns the per-share slippage at a reference price.
func (m *FillModel) Slippage(price float64) float64 {
	switch m.model {
	case config.SlippageFixedCents:
		return m.cents
	case config.SlippagePctOfPrice:
		return price * m.pct
	case config.SlippageTiered:
		for i, threshold := range m.thresholds {
			if price < threshold {
				return m.tiers[i]
			}
		}
		return m.tiers[len(m.tiers)-1]
	}
	return 0
}

// Fee returns the flat fee charged once per round trip.
func (m *FillModel) Fee() float64 {
	return m.fee
}

// Describe returns a human-readable description for audit logs.
func (m *FillModel) Describe() string {
	switch m.model {
	case config.SlippageFixedCents:
		return fmt.Sprintf("Fixed $%.4f/share", m.cents)
	case config.SlippagePctOfPrice:
		return fmt.Sprintf("%.3f%% of price", m.pct*100)
	case config.SlippageTiered:
		parts := make([]string, 0, len(m.tiers))
		for i, threshold := range m.thresholds {
			parts = append(parts, fmt.Sprintf("<$%g: $%.2f", threshold, m.tiers[i]))
		}
		last := "0"
		if len(m.thresholds) > 0 {
			last = fmt.Sprintf("%g", m.thresholds[len(m.thresholds)-1])
		}
		parts = append(parts, fmt.Sprintf(">=$%s: $%.2f", last, m.tiers[len(m.tiers)-1]))
		return "Tiered: " + strings.Join(parts, ", ")
	}
	return "Unknown model: " + m.model
}
