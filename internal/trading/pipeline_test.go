package trading

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/models"
	"smallcap-backtester/internal/store"
	"smallcap-backtester/pkg/utils"
)

type pipelineProvider struct {
	daily   map[string][]models.DailyAgg
	minutes map[string][]models.Candle
	barsErr error
	failing map[string]error
}

func (f *pipelineProvider) GroupedDaily(_ context.Context, day time.Time) ([]models.DailyAgg, error) {
	return f.daily[utils.DateKey(day)], nil
}

func (f *pipelineProvider) MinuteBars(_ context.Context, ticker string, day time.Time) ([]models.Candle, error) {
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	if err, ok := f.failing[ticker]; ok {
		return nil, err
	}
	return f.minutes[ticker+"@"+utils.DateKey(day)], nil
}

func (f *pipelineProvider) TickerDetails(context.Context, string) (*models.TickerDetails, error) {
	return nil, nil
}

// clockPolicy fires signals at wall-clock times in New York.
type clockPolicy struct {
	entries map[string]string
	exits   map[string]string
	stop    float64
}

func clock(ts time.Time) string {
	return ts.In(utils.NewYorkLocation).Format("15:04")
}

func (p clockPolicy) EvaluateEntry(ticker string, bar models.Bar, _ InstrumentMemory) (EntrySignal, bool) {
	if p.entries[ticker] != clock(bar.Timestamp) {
		return EntrySignal{}, false
	}
	return EntrySignal{
		Reason:    models.EntryReason{Setup: models.SetupPMHBreakout, TTM: models.TTMStrongBull},
		StopBasis: p.stop,
	}, true
}

func (p clockPolicy) EvaluateExit(ticker string, bar models.Bar, _ *Position) (models.ExitReason, bool) {
	if p.exits[ticker] != clock(bar.Timestamp) {
		return models.ExitReason{}, false
	}
	return models.ExitReason{Kind: models.ExitCloseBelowEMA8}, true
}

func (clockPolicy) EvaluateAdd(string, models.Bar, *Position) bool { return false }

var pipelineDay = time.Date(2025, 3, 10, 0, 0, 0, 0, utils.NewYorkLocation)

// sessionCandles covers 04:00 through 11:00. Bars after 09:40 trade 0.30 higher.
func sessionCandles(day time.Time) []models.Candle {
	var out []models.Candle
	start := utils.AtClock(day, 4*time.Hour, utils.NewYorkLocation)
	end := utils.AtClock(day, 11*time.Hour, utils.NewYorkLocation)
	lift := utils.AtClock(day, 9*time.Hour+40*time.Minute, utils.NewYorkLocation)
	for ts := start; !ts.After(end); ts = ts.Add(time.Minute) {
		c := models.Candle{Timestamp: ts, Open: 10.00, High: 10.20, Low: 9.90, Close: 10.10, Volume: 500}
		if ts.After(lift) {
			c = models.Candle{Timestamp: ts, Open: 10.30, High: 10.40, Low: 10.25, Close: 10.35, Volume: 500}
		}
		out = append(out, c)
	}
	return out
}

func pipelineConfig() *config.Config {
	cfg := config.Default()
	cfg.Execution.Slippage.Cents = 0
	cfg.Execution.FeesPerTrade = 0
	cfg.Portfolio.MaxPositionPct = 1
	cfg.Portfolio.MinCashReservePct = 0
	cfg.Strategy.Risk.StopBufferPct = 0
	cfg.Data.FetchConcurrency = 2
	return cfg
}

func gapProvider() *pipelineProvider {
	return &pipelineProvider{
		daily: map[string][]models.DailyAgg{
			"2025-03-07": {{Ticker: "GAPR", Close: 8}, {Ticker: "NODAT", Close: 5}},
			"2025-03-10": {{Ticker: "GAPR", Open: 10, Close: 10}, {Ticker: "NODAT", Open: 6, Close: 6}},
		},
		minutes: map[string][]models.Candle{
			"GAPR@2025-03-10": sessionCandles(pipelineDay),
		},
	}
}

type recordedDay struct {
	runID  string
	day    models.DayResult
	trades int
}

type fakeRecorder struct {
	days []recordedDay
}

func (r *fakeRecorder) CreateRun(context.Context, *store.Run) error { return nil }

func (r *fakeRecorder) FinishRun(context.Context, string, store.RunStatus, store.RunTotals) error {
	return nil
}

func (r *fakeRecorder) SaveDay(_ context.Context, runID string, day models.DayResult, _ []models.Fill, trades []models.Trade) error {
	r.days = append(r.days, recordedDay{runID: runID, day: day, trades: len(trades)})
	return nil
}

func TestPipelineRun(t *testing.T) {
	policy := clockPolicy{
		entries: map[string]string{"GAPR": "09:35"},
		exits:   map[string]string{"GAPR": "09:45"},
		stop:    9.00,
	}
	p, err := NewPipeline(pipelineConfig(), gapProvider(), policy, zerolog.Nop())
	require.NoError(t, err)
	rec := &fakeRecorder{}
	p.WithRecorder(rec, "run-1")

	res, err := p.Run(context.Background(), pipelineDay, pipelineDay.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, res.Days, 2)

	d1 := res.Days[0]
	assert.Equal(t, models.DayStatusPartialData, d1.Status)
	assert.Equal(t, 2, d1.Watchlist)
	assert.Equal(t, 1, d1.TickersWithBar)
	assert.Equal(t, 1, d1.Trades)
	assert.Equal(t, 2, d1.Fills)
	assert.InDelta(t, 10030.0, d1.EndCash, 1e-9)

	assert.Equal(t, models.DayStatusNoWatchlist, res.Days[1].Status)

	require.Len(t, res.Watchlist, 2)
	assert.Equal(t, "GAPR", res.Watchlist[0].Ticker)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, 100, tr.Quantity)
	assert.InDelta(t, 10.00, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 10.30, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 30.0, tr.PnL, 1e-9)
	assert.Equal(t, "09:36", clock(tr.EntryTime))
	assert.Equal(t, "09:46", clock(tr.ExitTime))

	assert.InDelta(t, 10030.0, res.EndingEquity, 1e-9)

	require.Len(t, rec.days, 2)
	assert.Equal(t, "run-1", rec.days[0].runID)
	assert.Equal(t, 1, rec.days[0].trades)
}

func TestPipelineCompounding(t *testing.T) {
	prov := gapProvider()
	next := pipelineDay.AddDate(0, 0, 1)
	prov.daily["2025-03-11"] = []models.DailyAgg{{Ticker: "GAPR", Open: 12}}
	prov.minutes["GAPR@2025-03-11"] = sessionCandles(next)

	cfg := pipelineConfig()
	cfg.Portfolio.Compound = true
	policy := clockPolicy{
		entries: map[string]string{"GAPR": "09:35"},
		exits:   map[string]string{"GAPR": "09:45"},
		stop:    9.00,
	}
	p, err := NewPipeline(cfg, prov, policy, zerolog.Nop())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), pipelineDay, next)
	require.NoError(t, err)
	require.Len(t, res.Days, 2)
	assert.InDelta(t, 10030.0, res.Days[1].StartCash, 1e-9)
	assert.Equal(t, models.DayStatusOK, res.Days[1].Status)
	assert.InDelta(t, 10060.0, res.EndingEquity, 1e-9)
}

func TestPipelineProviderErrorMarksDay(t *testing.T) {
	prov := gapProvider()
	prov.barsErr = stderrors.New("upstream down")

	p, err := NewPipeline(pipelineConfig(), prov, clockPolicy{}, zerolog.Nop())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), pipelineDay, pipelineDay)
	require.NoError(t, err)
	require.Len(t, res.Days, 1)
	assert.Equal(t, models.DayStatusError, res.Days[0].Status)
	assert.Contains(t, res.Days[0].Detail, "upstream down")
	assert.Empty(t, res.Trades)
}

func TestPipelineSkipsFailedTicker(t *testing.T) {
	prov := gapProvider()
	prov.failing = map[string]error{"NODAT": stderrors.New("upstream down")}
	policy := clockPolicy{
		entries: map[string]string{"GAPR": "09:35"},
		exits:   map[string]string{"GAPR": "09:45"},
		stop:    9.00,
	}

	p, err := NewPipeline(pipelineConfig(), prov, policy, zerolog.Nop())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), pipelineDay, pipelineDay)
	require.NoError(t, err)
	require.Len(t, res.Days, 1)
	day := res.Days[0]
	assert.Equal(t, models.DayStatusPartialData, day.Status)
	assert.Equal(t, 1, day.TickersWithBar)
	assert.Contains(t, day.Detail, "NODAT")
	assert.Contains(t, day.Detail, "upstream down")
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "GAPR", res.Trades[0].Ticker)
}

func TestPipelineNoData(t *testing.T) {
	prov := gapProvider()
	delete(prov.minutes, "GAPR@2025-03-10")

	p, err := NewPipeline(pipelineConfig(), prov, clockPolicy{}, zerolog.Nop())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), pipelineDay, pipelineDay)
	require.NoError(t, err)
	require.Len(t, res.Days, 1)
	assert.Equal(t, models.DayStatusNoData, res.Days[0].Status)
	assert.Equal(t, 0, res.Days[0].TickersWithBar)
}

func TestPipelineSkipsWeekends(t *testing.T) {
	p, err := NewPipeline(pipelineConfig(), &pipelineProvider{}, clockPolicy{}, zerolog.Nop())
	require.NoError(t, err)

	saturday := time.Date(2025, 3, 8, 0, 0, 0, 0, utils.NewYorkLocation)
	res, err := p.Run(context.Background(), saturday, saturday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, res.Days)
}

func TestPipelineLogsHolidays(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPipeline(pipelineConfig(), &pipelineProvider{}, clockPolicy{}, zerolog.New(&buf))
	require.NoError(t, err)

	goodFriday := time.Date(2025, 4, 18, 0, 0, 0, 0, utils.NewYorkLocation)
	res, err := p.Run(context.Background(), goodFriday, goodFriday)
	require.NoError(t, err)
	assert.Empty(t, res.Days)
	assert.Contains(t, buf.String(), `"holiday":"Good Friday"`)
	assert.Contains(t, buf.String(), `"indicators":[`)
}

func TestPipelineRejectsBadConfig(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Execution.Slippage.Model = "magic"
	_, err := NewPipeline(cfg, &pipelineProvider{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestPipelineHonoursCancellation(t *testing.T) {
	p, err := NewPipeline(pipelineConfig(), gapProvider(), clockPolicy{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx, pipelineDay, pipelineDay)
	assert.ErrorIs(t, err, context.Canceled)
}
