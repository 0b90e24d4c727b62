package indicators

import (
	"context"

	"smallcap-backtester/internal/models"
)

// Sessions are the clock windows one trading day is cut into.
type Sessions struct {
	Premarket Window
	Trade     Window
}

// Enricher turns raw minute candles into indicator-bearing bars.
type Enricher struct {
	engine *Engine
	ttm    string
}

// NewEnricher registers the trend indicators on a worker pool of the given size.
func NewEnricher(workers int) *Enricher {
	e := NewEngine(workers)
	for _, period := range []int{8, 21, 34, 55} {
		e.RegisterIndicator(NewEMA(period))
	}
	e.RegisterIndicator(NewSMA(200))
	ttm := NewDefaultTTMSqueeze()
	e.RegisterMultiIndicator(ttm)
	return &Enricher{engine: e, ttm: ttm.Name()}
}

// Indicators lists the registered indicator columns.
func (en *Enricher) Indicators() []string {
	return en.engine.ListIndicators()
}

// Enrich computes trend indicators over the whole day, including premarket,
// so they are warm at the open. It then keeps only the trade window and
// computes session VWAP and EMA8 extension on that slice. prevDay may be nil.
func (en *Enricher) Enrich(ctx context.Context, candles []models.Candle, sessions Sessions, prevDay *models.DailyAgg) ([]models.Bar, error) {
	if err := checkSorted(candles); err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}

	res, err := en.engine.CalculateAll(ctx, candles)
	if err != nil {
		return nil, err
	}
	pm := ComputePremarketStats(candles, sessions.Premarket)
	ttm := res.Multi[en.ttm]
	states := TTMColorStates(ttm["momentum"])
	signs := MomentumSigns(ttm["momentum"])

	var (
		bars    []models.Bar
		session []models.Candle
	)
	for i, c := range candles {
		if !sessions.Trade.Contains(c.Timestamp) {
			continue
		}
		b := models.NewBar(c)
		b.EMA8 = res.Single["EMA_8"][i]
		b.EMA21 = res.Single["EMA_21"][i]
		b.EMA34 = res.Single["EMA_34"][i]
		b.EMA55 = res.Single["EMA_55"][i]
		b.SMA200 = res.Single["SMA_200"][i]
		b.TTMState = states[i]
		b.MomentumSign = signs[i]
		b.PremarketHigh = pm.High
		b.PremarketLow = pm.Low
		b.PremarketVolume = pm.Volume
		if prevDay != nil {
			b.PrevDayHigh = prevDay.High
			b.PrevDayLow = prevDay.Low
		}
		bars = append(bars, b)
		session = append(session, c)
	}

	vwap, err := NewVWAP().Calculate(session)
	if err != nil {
		return nil, err
	}
	for i := range bars {
		bars[i].VWAP = vwap[i]
		if models.Valid(bars[i].EMA8) && bars[i].EMA8 != 0 {
			bars[i].ExtensionFromEMA8 = (bars[i].High - bars[i].EMA8) / bars[i].EMA8
		}
	}
	return bars, nil
}
