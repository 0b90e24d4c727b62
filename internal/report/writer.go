package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"

	"smallcap-backtester/internal/models"
	"smallcap-backtester/pkg/utils"
)

// Output file names.
const (
	TradesFile    = "trades.csv"
	FillsFile     = "fills.csv"
	WatchlistFile = "watchlist.csv"
	DayStatusFile = "day_status.csv"
	StressFile    = "slippage_stress.csv"
	SummaryFile   = "summary.json"
)

// TradeRecord is one row of trades.csv.
type TradeRecord struct {
	Date            string  `csv:"date"`
	Ticker          string  `csv:"ticker"`
	SignalTimestamp string  `csv:"signal_ts"`
	EntryTime       string  `csv:"entry_ts"`
	ExitTime        string  `csv:"exit_ts"`
	EntryPrice      float64 `csv:"entry_price"`
	ExitPrice       float64 `csv:"exit_price"`
	Quantity        int     `csv:"qty"`
	FinalQuantity   int     `csv:"final_qty"`
	PnL             float64 `csv:"pnl"`
	ScalePnL        float64 `csv:"scale_pnl"`
	FinalExitPnL    float64 `csv:"final_exit_pnl"`
	Fees            float64 `csv:"fees"`
	EntryReason     string  `csv:"entry_reason"`
	ExitReason      string  `csv:"exit_reason"`
	Scaled          bool    `csv:"scaled"`
	Added           bool    `csv:"added"`
	Stop            float64 `csv:"stop"`
	FinalStop       float64 `csv:"final_stop"`
	Target1         float64 `csv:"target1"`
	EquityAtEntry   float64 `csv:"equity_at_entry"`
	RiskDollars     float64 `csv:"risk_dollars"`
}

// FillRecord is one row of fills.csv.
type FillRecord struct {
	Date            string  `csv:"date"`
	Ticker          string  `csv:"ticker"`
	Timestamp       string  `csv:"ts"`
	Side            string  `csv:"side"`
	Quantity        int     `csv:"qty"`
	Price           float64 `csv:"price"`
	Reason          string  `csv:"reason"`
	SignalTimestamp string  `csv:"signal_ts"`
}

// WatchlistRecord is one row of watchlist.csv.
type WatchlistRecord struct {
	Date      string  `csv:"date"`
	Ticker    string  `csv:"ticker"`
	Rank      int     `csv:"rank"`
	GapPct    float64 `csv:"gap_pct"`
	PrevClose float64 `csv:"prev_close"`
	Open      float64 `csv:"open_price"`
}

// DayStatusRecord is one row of day_status.csv.
type DayStatusRecord struct {
	Date           string  `csv:"date"`
	Status         string  `csv:"status"`
	Detail         string  `csv:"detail"`
	Watchlist      int     `csv:"watchlist"`
	TickersWithBar int     `csv:"tickers_with_bars"`
	Trades         int     `csv:"trades"`
	Fills          int     `csv:"fills"`
	StartCash      float64 `csv:"start_cash"`
	EndCash        float64 `csv:"end_cash"`
	RealizedPnL    float64 `csv:"realized_pnl"`
}

// StressRecord is one row of slippage_stress.csv.
type StressRecord struct {
	Slippage       string  `csv:"slippage"`
	Trades         int     `csv:"trades"`
	WinRate        float64 `csv:"win_rate"`
	TotalPnL       float64 `csv:"total_pnl"`
	TotalFees      float64 `csv:"total_fees"`
	StartingEquity float64 `csv:"starting_equity"`
	EndingEquity   float64 `csv:"ending_equity"`
}

// Summary is the content of summary.json.
type Summary struct {
	RunID          string                   `json:"run_id,omitempty"`
	StartDate      string                   `json:"start_date"`
	EndDate        string                   `json:"end_date"`
	GeneratedAt    time.Time                `json:"generated_at"`
	Metrics        Metrics                  `json:"metrics"`
	DayStatus      map[models.DayStatus]int `json:"day_status"`
	ExitReasons    map[string]int           `json:"exit_reasons"`
	Reconciliation Reconciliation           `json:"reconciliation"`
	Leakage        LeakageReport            `json:"leakage_audit"`
	Stress         []models.StressResult    `json:"slippage_stress,omitempty"`
}

// Bundle is everything a run produces.
type Bundle struct {
	RunID     string
	StartDate time.Time
	EndDate   time.Time
	Days      []models.DayResult
	Watchlist []models.WatchlistItem
	Fills     []models.Fill
	Trades    []models.Trade
	Metrics   Metrics
	Stress    []models.StressResult
}

// Writer exports run results to a directory.
type Writer struct {
	dir    string
	logger zerolog.Logger
}

// NewWriter creates dir if needed and returns a writer into it.
func NewWriter(dir string, logger zerolog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// WriteAll writes every CSV file and the summary.
func (w *Writer) WriteAll(b Bundle) error {
	if err := w.WriteTrades(b.Trades); err != nil {
		return err
	}
	if err := w.WriteFills(b.Fills); err != nil {
		return err
	}
	if err := w.WriteWatchlist(b.Watchlist); err != nil {
		return err
	}
	if err := w.WriteDayStatus(b.Days); err != nil {
		return err
	}
	if len(b.Stress) > 0 {
		if err := w.WriteStress(b.Stress); err != nil {
			return err
		}
	}
	return w.WriteSummary(BuildSummary(b))
}

// WriteTrades writes trades.csv.
func (w *Writer) WriteTrades(trades []models.Trade) error {
	records := make([]*TradeRecord, 0, len(trades))
	for _, t := range trades {
		records = append(records, &TradeRecord{
			Date:            utils.DateKey(t.Date),
			Ticker:          t.Ticker,
			SignalTimestamp: formatTime(t.SignalTimestamp),
			EntryTime:       formatTime(t.EntryTime),
			ExitTime:        formatTime(t.ExitTime),
			EntryPrice:      t.EntryPrice,
			ExitPrice:       t.ExitPrice,
			Quantity:        t.Quantity,
			FinalQuantity:   t.FinalQuantity,
			PnL:             t.PnL,
			ScalePnL:        t.ScalePnL,
			FinalExitPnL:    t.FinalExitPnL,
			Fees:            t.Fees,
			EntryReason:     t.EntryReason.String(),
			ExitReason:      t.ExitReason.String(),
			Scaled:          t.Scaled,
			Added:           t.Added,
			Stop:            t.Stop,
			FinalStop:       t.FinalStop,
			Target1:         t.Target1,
			EquityAtEntry:   t.EquityAtEntry,
			RiskDollars:     t.RiskDollars,
		})
	}
	return w.writeCSV(TradesFile, &records)
}

// WriteFills writes fills.csv.
func (w *Writer) WriteFills(fills []models.Fill) error {
	records := make([]*FillRecord, 0, len(fills))
	for _, f := range fills {
		reason := ""
		if f.Reason != nil {
			reason = f.Reason.String()
		}
		records = append(records, &FillRecord{
			Date:            utils.DateKey(f.Date),
			Ticker:          f.Ticker,
			Timestamp:       formatTime(f.Timestamp),
			Side:            string(f.Side),
			Quantity:        f.Quantity,
			Price:           f.Price,
			Reason:          reason,
			SignalTimestamp: formatTime(f.SignalTimestamp),
		})
	}
	return w.writeCSV(FillsFile, &records)
}

// WriteWatchlist writes watchlist.csv.
func (w *Writer) WriteWatchlist(items []models.WatchlistItem) error {
	records := make([]*WatchlistRecord, 0, len(items))
	for _, it := range items {
		records = append(records, &WatchlistRecord{
			Date:      utils.DateKey(it.Date),
			Ticker:    it.Ticker,
			Rank:      it.Rank,
			GapPct:    it.GapPct,
			PrevClose: it.PrevClose,
			Open:      it.Open,
		})
	}
	return w.writeCSV(WatchlistFile, &records)
}

// WriteDayStatus writes day_status.csv.
func (w *Writer) WriteDayStatus(days []models.DayResult) error {
	records := make([]*DayStatusRecord, 0, len(days))
	for _, d := range days {
		records = append(records, &DayStatusRecord{
			Date:           utils.DateKey(d.Date),
			Status:         string(d.Status),
			Detail:         d.Detail,
			Watchlist:      d.Watchlist,
			TickersWithBar: d.TickersWithBar,
			Trades:         d.Trades,
			Fills:          d.Fills,
			StartCash:      d.StartCash,
			EndCash:        d.EndCash,
			RealizedPnL:    d.RealizedPnL,
		})
	}
	return w.writeCSV(DayStatusFile, &records)
}

// WriteStress writes slippage_stress.csv.
func (w *Writer) WriteStress(results []models.StressResult) error {
	records := make([]*StressRecord, 0, len(results))
	for _, r := range results {
		records = append(records, &StressRecord{
			Slippage:       r.Slippage,
			Trades:         r.Trades,
			WinRate:        r.WinRate(),
			TotalPnL:       r.TotalPnL,
			TotalFees:      r.TotalFees,
			StartingEquity: r.StartingEquity,
			EndingEquity:   r.EndingEquity,
		})
	}
	return w.writeCSV(StressFile, &records)
}

// WriteSummary writes summary.json.
func (w *Writer) WriteSummary(s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	path := filepath.Join(w.dir, SummaryFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", SummaryFile, err)
	}
	w.logger.Debug().Str("path", path).Msg("summary written")
	return nil
}

// BuildSummary derives the summary document from a run.
func BuildSummary(b Bundle) Summary {
	s := Summary{
		RunID:          b.RunID,
		StartDate:      utils.DateKey(b.StartDate),
		EndDate:        utils.DateKey(b.EndDate),
		GeneratedAt:    time.Now().UTC(),
		Metrics:        b.Metrics,
		DayStatus:      make(map[models.DayStatus]int),
		ExitReasons:    make(map[string]int),
		Reconciliation: Reconcile(b.Fills, b.Trades, b.Days),
		Leakage:        LeakageAudit(b.Trades, b.Fills),
		Stress:         b.Stress,
	}
	for _, d := range b.Days {
		s.DayStatus[d.Status]++
	}
	for _, t := range b.Trades {
		s.ExitReasons[t.ExitReason.String()]++
	}
	return s
}

func (w *Writer) writeCSV(name string, records interface{}) error {
	path := filepath.Join(w.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer f.Close()

	if err := gocsv.MarshalFile(records, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	w.logger.Debug().Str("path", path).Msg("csv written")
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
