// Package marketdata fetches daily aggregates, minute bars and reference
// data from Polygon, with a response cache in front of the network.
package marketdata

import (
	"context"
	"time"

	"smallcap-backtester/internal/models"
)

// Provider is the market data the backtest consumes.
type Provider interface {
	// GroupedDaily returns every US stock's daily aggregate for day.
	GroupedDaily(ctx context.Context, day time.Time) ([]models.DailyAgg, error)
	// MinuteBars returns day's one-minute candles for ticker, ascending.
	MinuteBars(ctx context.Context, ticker string, day time.Time) ([]models.Candle, error)
	// TickerDetails returns reference data, or nil when the ticker is unknown.
	TickerDetails(ctx context.Context, ticker string) (*models.TickerDetails, error)
}
