package trading

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"smallcap-backtester/internal/analysis/indicators"
	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/errors"
	"smallcap-backtester/internal/logging"
	"smallcap-backtester/internal/marketdata"
	"smallcap-backtester/internal/models"
	"smallcap-backtester/internal/store"
	"smallcap-backtester/internal/universe"
	"smallcap-backtester/pkg/utils"
)

// Pipeline runs the backtest across a range of trading days: screen, fetch,
// enrich, simulate, record.
type Pipeline struct {
	cfg      *config.Config
	provider marketdata.Provider
	screener *universe.Screener
	enricher *indicators.Enricher
	session  *SessionManager
	params   SimulationParams
	logger   zerolog.Logger

	recorder store.RunRecorder
	runID    string

	stress []*stressRun
}

// RunResult is everything produced by a multi-day run.
type RunResult struct {
	StartDate      time.Time
	EndDate        time.Time
	Days           []models.DayResult
	Watchlist      []models.WatchlistItem
	Fills          []models.Fill
	Trades         []models.Trade
	StartingEquity float64
	EndingEquity   float64

	// Stress holds one result per slippage stress scenario, in the order
	// they were configured.
	Stress []models.StressResult
}

// TotalPnL is the sum of realized trade PnL.
func (r *RunResult) TotalPnL() float64 {
	total := 0.0
	for _, t := range r.Trades {
		total += t.PnL
	}
	return total
}

// NewPipeline wires a pipeline from configuration. It fails on any setting
// that would make the simulation invalid, before any data is fetched.
func NewPipeline(cfg *config.Config, provider marketdata.Provider, policy SignalPolicy, logger zerolog.Logger) (*Pipeline, error) {
	session, err := NewSessionManager(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "session config")
	}
	if policy == nil {
		policy = NewSmallCapMomentum(cfg.Strategy)
	}
	params, err := NewSimulationParams(cfg, session, policy, logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		provider: provider,
		screener: universe.NewScreener(provider, cfg.Watchlist, logger),
		enricher: indicators.NewEnricher(0),
		session:  session,
		params:   params,
		logger:   logger,
	}, nil
}

// WithRecorder stores every day's outcome under runID as it completes.
func (p *Pipeline) WithRecorder(rec store.RunRecorder, runID string) *Pipeline {
	p.recorder = rec
	p.runID = runID
	return p
}

// WithSlippageStress replays every simulated day under each alternative
// slippage setting, reusing the day's enriched bars.
func (p *Pipeline) WithSlippageStress(scenarios []config.SlippageConfig) error {
	fills, err := NewStressFills(scenarios, p.cfg.Execution.FeesPerTrade)
	if err != nil {
		return err
	}
	p.stress = p.stress[:0]
	for _, m := range fills {
		p.stress = append(p.stress, &stressRun{fills: m})
	}
	return nil
}

// Run simulates every trading day from start to end inclusive. A ticker
// whose bars cannot be fetched is left out of its day, which is then
// reported as partial data; a day with no usable ticker is marked as
// errored and the run continues. A broken ledger or a failed write to the
// recorder stops the run.
func (p *Pipeline) Run(ctx context.Context, start, end time.Time) (*RunResult, error) {
	days := p.session.TradingDays(start, end)
	equity := p.cfg.Risk.AccountEquity

	result := &RunResult{
		StartDate:      start,
		EndDate:        end,
		StartingEquity: equity,
		EndingEquity:   equity,
	}
	for _, run := range p.stress {
		run.equity = equity
		run.total = models.StressResult{Slippage: run.fills.Describe(), StartingEquity: equity}
	}

	p.logger.Info().
		Str("start", start.Format("2006-01-02")).
		Str("end", end.Format("2006-01-02")).
		Int("days", len(days)).
		Str("fills", p.params.Fills.Describe()).
		Strs("indicators", p.enricher.Indicators()).
		Msg("backtest started")

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if p.session.GetSessionAt(d) != SessionHoliday {
			continue
		}
		name, _ := utils.HolidayName(d)
		p.logger.Info().Str("day", utils.DateKey(d)).Str("holiday", name).Msg("market closed")
	}

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		out, err := p.runDay(ctx, day, equity)
		if err != nil {
			return result, errors.Wrapf(err, "day %s", day.Format("2006-01-02"))
		}

		result.Days = append(result.Days, out.status)
		result.Watchlist = append(result.Watchlist, out.watchlist...)
		result.Fills = append(result.Fills, out.fills...)
		result.Trades = append(result.Trades, out.trades...)
		logging.LogDayStatus(p.logger, out.status)

		if p.recorder != nil {
			if err := p.recorder.SaveDay(ctx, p.runID, out.status, out.fills, out.trades); err != nil {
				return result, err
			}
		}

		if p.cfg.Portfolio.Compound {
			equity = out.status.EndCash
		}
		result.EndingEquity = out.status.EndCash
	}

	if !p.cfg.Portfolio.Compound {
		result.EndingEquity = result.StartingEquity + result.TotalPnL()
	}
	for _, run := range p.stress {
		run.total.EndingEquity = run.equity
		if !p.cfg.Portfolio.Compound {
			run.total.EndingEquity = run.total.StartingEquity + run.total.TotalPnL
		}
		result.Stress = append(result.Stress, run.total)
		p.logger.Info().
			Str("slippage", run.total.Slippage).
			Int("trades", run.total.Trades).
			Float64("total_pnl", run.total.TotalPnL).
			Msg("stress scenario finished")
	}

	p.logger.Info().
		Int("trades", len(result.Trades)).
		Float64("total_pnl", result.TotalPnL()).
		Float64("ending_equity", result.EndingEquity).
		Msg("backtest finished")

	return result, nil
}

type dayOutput struct {
	status    models.DayResult
	watchlist []models.WatchlistItem
	fills     []models.Fill
	trades    []models.Trade
}

func (p *Pipeline) runDay(ctx context.Context, day time.Time, equity float64) (*dayOutput, error) {
	log := logging.WithDay(p.logger, day)
	out := &dayOutput{status: models.DayResult{
		Date:      day,
		StartCash: equity,
		EndCash:   equity,
	}}

	items, prev, err := p.screener.Build(ctx, day)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("watchlist failed")
		out.status.Status = models.DayStatusError
		out.status.Detail = err.Error()
		return out, nil
	}
	out.watchlist = items
	out.status.Watchlist = len(items)
	if len(items) == 0 {
		out.status.Status = models.DayStatusNoWatchlist
		return out, nil
	}

	series, failed, err := p.fetchSeries(ctx, day, items, prev)
	if err != nil {
		return nil, err
	}
	out.status.TickersWithBar = len(series)
	if len(series) == 0 {
		if len(failed) > 0 {
			log.Warn().Int("failed", len(failed)).Msg("bar fetch failed")
			out.status.Status = models.DayStatusError
			out.status.Detail = strings.Join(failed, "; ")
			return out, nil
		}
		out.status.Status = models.DayStatusNoData
		out.status.Detail = "no watchlist ticker had bars in the trade window"
		return out, nil
	}

	params := p.params.WithStartingEquity(equity, p.cfg.Risk.MaxDailyLossPct)
	sim, err := SimulateDay(day, series, params)
	if err != nil {
		return nil, err
	}
	if err := p.replayStress(day, series); err != nil {
		return nil, err
	}
	out.fills = sim.Fills
	out.trades = sim.Trades
	out.status.Status = models.DayStatusOK
	if len(series) < len(items) {
		out.status.Status = models.DayStatusPartialData
		out.status.Detail = fmt.Sprintf("%d of %d tickers had bars", len(series), len(items))
		if len(failed) > 0 {
			out.status.Detail += ": " + strings.Join(failed, "; ")
		}
	}
	out.status.Trades = len(sim.Trades)
	out.status.Fills = len(sim.Fills)
	out.status.EndCash = sim.Portfolio.Cash
	out.status.RealizedPnL = sim.Portfolio.RealizedPnL
	return out, nil
}

// replayStress re-simulates the day under every stress scenario. Each
// scenario compounds from its own cash when compounding is on.
func (p *Pipeline) replayStress(day time.Time, series []models.BarSeries) error {
	for _, run := range p.stress {
		params := p.params.WithStartingEquity(run.equity, p.cfg.Risk.MaxDailyLossPct)
		res, err := replayDay(day, series, params, run.fills)
		if err != nil {
			return err
		}
		run.total.Add(res)
		if p.cfg.Portfolio.Compound {
			run.equity = res.EndingEquity
		}
	}
	return nil
}

// fetchSeries downloads and enriches every watchlist ticker concurrently.
// Tickers with no bars in the trade window are left out. A ticker that
// fails to fetch or enrich is also left out and described in failed; only
// cancellation of ctx is returned as an error.
func (p *Pipeline) fetchSeries(ctx context.Context, day time.Time, items []models.WatchlistItem, prev map[string]models.DailyAgg) (series []models.BarSeries, failed []string, err error) {
	pmFrom, pmTo := p.session.PremarketWindow(day)
	tradeFrom, tradeTo := p.session.TradeWindow(day)
	sessions := indicators.Sessions{
		Premarket: indicators.Window{From: pmFrom, To: pmTo},
		Trade:     indicators.Window{From: tradeFrom, To: tradeTo},
	}

	results := make([]models.BarSeries, len(items))
	errs := make([]error, len(items))
	var g errgroup.Group
	if n := p.cfg.Data.FetchConcurrency; n > 0 {
		g.SetLimit(n)
	}

	for i, item := range items {
		i, ticker := i, item.Ticker
		g.Go(func() error {
			log := logging.WithTicker(p.logger, ticker)
			candles, err := p.provider.MinuteBars(ctx, ticker, day)
			if err != nil {
				log.Warn().Err(err).Msg("minute bars unavailable")
				errs[i] = errors.NewDataError("minute_bars", ticker, "fetch failed", err)
				return nil
			}
			var prevDay *models.DailyAgg
			if agg, ok := prev[ticker]; ok {
				prevDay = &agg
			}
			bars, err := p.enricher.Enrich(ctx, candles, sessions, prevDay)
			if err != nil {
				log.Warn().Err(err).Msg("enrich failed")
				errs[i] = errors.NewDataError("minute_bars", ticker, "enrich failed", err)
				return nil
			}
			results[i] = models.BarSeries{Ticker: ticker, Bars: bars}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	for i, s := range results {
		if errs[i] != nil {
			failed = append(failed, errs[i].Error())
			continue
		}
		if len(s.Bars) > 0 {
			series = append(series, s)
		}
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Ticker < series[j].Ticker })
	sort.Strings(failed)
	return series, failed, nil
}
