// Package universe selects the tickers traded each day.
package universe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/marketdata"
	"smallcap-backtester/internal/models"
)

// maxLookback bounds the search for the previous session's grouped aggregates.
const maxLookback = 7

// testTickers are exchange test symbols that never trade for real.
var testTickers = map[string]bool{
	"ZVZZT": true, "ZWZZT": true, "ZXZZT": true, "ZJZZT": true, "ZBZZT": true,
}

// Screener builds the open-gap watchlist.
type Screener struct {
	provider marketdata.Provider
	cfg      config.WatchlistConfig
	logger   zerolog.Logger
}

// NewScreener creates a screener over provider.
func NewScreener(provider marketdata.Provider, cfg config.WatchlistConfig, logger zerolog.Logger) *Screener {
	return &Screener{provider: provider, cfg: cfg, logger: logger}
}

type candidate struct {
	ticker    string
	prevClose float64
	open      float64
	gap       float64
}

// Build returns day's watchlist ranked by gap, largest first.
// The second return value is the previous day's aggregates keyed by ticker.
func (s *Screener) Build(ctx context.Context, day time.Time) ([]models.WatchlistItem, map[string]models.DailyAgg, error) {
	prev, err := s.previousSession(ctx, day)
	if err != nil {
		return nil, nil, err
	}
	if len(prev) == 0 {
		s.logger.Warn().Str("date", day.Format("2006-01-02")).Msg("no previous session aggregates found")
		return nil, nil, nil
	}

	cur, err := s.provider.GroupedDaily(ctx, day)
	if err != nil {
		return nil, nil, fmt.Errorf("grouped daily %s: %w", day.Format("2006-01-02"), err)
	}

	prevByTicker := make(map[string]models.DailyAgg, len(prev))
	for _, agg := range prev {
		prevByTicker[agg.Ticker] = agg
	}

	var candidates []candidate
	for _, agg := range cur {
		p, ok := prevByTicker[agg.Ticker]
		if !ok || agg.Open <= 0 || p.Close <= 0 {
			continue
		}
		if p.Close < s.cfg.MinPrevClose || p.Close > s.cfg.MaxPrevClose {
			continue
		}
		gap := agg.Open/p.Close - 1
		if gap < s.cfg.MinGapPct {
			continue
		}
		if s.cfg.CommonStockOnly && !IsCommonStockTicker(agg.Ticker) {
			continue
		}
		candidates = append(candidates, candidate{ticker: agg.Ticker, prevClose: p.Close, open: agg.Open, gap: gap})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].gap != candidates[j].gap {
			return candidates[i].gap > candidates[j].gap
		}
		return candidates[i].ticker < candidates[j].ticker
	})

	items := make([]models.WatchlistItem, 0, s.cfg.TopN)
	for _, c := range candidates {
		if len(items) >= s.cfg.TopN {
			break
		}
		if s.cfg.CommonStockOnly {
			ok, err := s.isCommonStock(ctx, c.ticker)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
		}
		items = append(items, models.WatchlistItem{
			Date:      day,
			Ticker:    c.ticker,
			PrevClose: c.prevClose,
			Open:      c.open,
			GapPct:    c.gap,
			Rank:      len(items) + 1,
		})
	}

	s.logger.Info().
		Str("date", day.Format("2006-01-02")).
		Int("candidates", len(candidates)).
		Int("selected", len(items)).
		Msg("watchlist built")

	return items, prevByTicker, nil
}

// previousSession walks back from day until a session with aggregates is found.
func (s *Screener) previousSession(ctx context.Context, day time.Time) ([]models.DailyAgg, error) {
	d := day.AddDate(0, 0, -1)
	for i := 0; i < maxLookback; i++ {
		aggs, err := s.provider.GroupedDaily(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("grouped daily %s: %w", d.Format("2006-01-02"), err)
		}
		if len(aggs) > 0 {
			return aggs, nil
		}
		d = d.AddDate(0, 0, -1)
	}
	return nil, nil
}

// isCommonStock consults reference data. Unknown tickers pass.
func (s *Screener) isCommonStock(ctx context.Context, ticker string) (bool, error) {
	details, err := s.provider.TickerDetails(ctx, ticker)
	if err != nil {
		return false, err
	}
	if details == nil || details.Type == "" {
		return true, nil
	}
	if details.Type != "CS" {
		s.logger.Debug().Str("ticker", ticker).Str("type", details.Type).Msg("rejected non common stock")
		return false, nil
	}
	return true, nil
}

// IsCommonStockTicker rejects symbols that look like warrants, units,
// rights, preferreds, test issues or indexes.
func IsCommonStockTicker(ticker string) bool {
	if ticker == "" || testTickers[ticker] {
		return false
	}
	for _, r := range ticker {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	n := len(ticker)
	if n == 5 && strings.ContainsAny(ticker[4:], "WUR") {
		return false
	}
	if n >= 4 && strings.HasSuffix(ticker, "P") {
		return false
	}
	return true
}
