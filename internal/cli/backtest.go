package cli

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"smallcap-backtester/internal/logging"
	"smallcap-backtester/internal/marketdata"
	"smallcap-backtester/internal/models"
	"smallcap-backtester/internal/report"
	"smallcap-backtester/internal/store"
	"smallcap-backtester/internal/trading"
	"smallcap-backtester/pkg/utils"
)

func newBacktestCmd(app *App) *cobra.Command {
	var (
		startFlag string
		endFlag   string
		outDir    string
		noStore   bool
		stress    bool
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run the strategy over a date range",
		Long: `Run the small-cap momentum strategy over every trading day between
--start and --end. Each day's gappers are screened from Polygon grouped
daily aggregates, their minute bars are enriched with indicators and the
whole watchlist is simulated against one shared cash ledger.

Results are written as CSV files plus summary.json to --out. The summary
carries a fill/trade reconciliation and a signal-before-fill audit. With
--stress every day is replayed under the stress slippage grid as well.`,
		Example: `  backtester backtest --start 2025-01-02 --end 2025-01-31
  backtester backtest --config strategy.yaml --start 2025-03-03 --end 2025-03-07 --out runs/march`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.loadConfig(cmd); err != nil {
				return err
			}
			cfg := app.Config
			output := NewOutput(cmd)

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			start, err := utils.ParseDate(startFlag, loc)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end, err := utils.ParseDate(endFlag, loc)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			if end.Before(start) {
				return fmt.Errorf("--end %s is before --start %s", endFlag, startFlag)
			}
			if outDir == "" {
				outDir = cfg.Output.Dir
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			var (
				cache     marketdata.ResponseCache = marketdata.NewMemoryCache()
				dataStore *store.SQLiteStore
			)
			if !noStore {
				if err := os.MkdirAll(filepath.Dir(cfg.Data.CacheDB), 0755); err != nil {
					return fmt.Errorf("creating cache directory: %w", err)
				}
				dataStore, err = store.NewSQLiteStore(cfg.Data.CacheDB)
				if err != nil {
					return err
				}
				defer dataStore.Close()
				cache = dataStore
			}

			client, err := marketdata.NewPolygonClient(cfg.Data, loc, cache, app.Logger)
			if err != nil {
				return err
			}
			client.WithRetry(cfg.Data.MaxRetries, 500*time.Millisecond)

			pipeline, err := trading.NewPipeline(cfg, client, nil, app.Logger)
			if err != nil {
				return err
			}
			if stress || cfg.Stress.Enabled {
				if err := pipeline.WithSlippageStress(cfg.Stress.Scenarios()); err != nil {
					return err
				}
			}

			runID := store.NewRunID(time.Now())
			logger := logging.WithRunID(app.Logger, runID)
			if dataStore != nil {
				snapshot, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("encoding config snapshot: %w", err)
				}
				run := &store.Run{
					ID:        runID,
					StartedAt: time.Now(),
					StartDate: start,
					EndDate:   end,
					Config:    string(snapshot),
				}
				if err := dataStore.CreateRun(ctx, run); err != nil {
					return err
				}
				pipeline.WithRecorder(dataStore, runID)
			}

			if !output.IsJSON() {
				output.Info("Backtesting %s → %s (run %s)", utils.DateKey(start), utils.DateKey(end), runID)
			}

			res, runErr := pipeline.Run(ctx, start, end)
			breaker := client.BreakerStats()
			logger.Info().
				Str("breaker", breaker.Name).
				Str("state", string(breaker.State)).
				Int64("requests", breaker.TotalRequests).
				Int64("failures", breaker.TotalFailures).
				Int64("rejected", breaker.TotalRejected).
				Msg("provider stats")
			if res == nil {
				return runErr
			}

			metrics := report.ComputeMetrics(res.Trades, res.Days, res.StartingEquity)
			bundle := report.Bundle{
				RunID:     runID,
				StartDate: start,
				EndDate:   end,
				Days:      res.Days,
				Watchlist: res.Watchlist,
				Fills:     res.Fills,
				Trades:    res.Trades,
				Metrics:   metrics,
				Stress:    res.Stress,
			}

			if dataStore != nil {
				status := store.RunComplete
				if runErr != nil {
					status = store.RunFailed
				}
				totals := store.RunTotals{
					Days:         len(res.Days),
					Trades:       len(res.Trades),
					TotalPnL:     res.TotalPnL(),
					EndingEquity: res.EndingEquity,
				}
				if err := dataStore.FinishRun(context.Background(), runID, status, totals); err != nil {
					logger.Error().Err(err).Msg("failed to finish run")
				}
			}
			if runErr != nil {
				if !output.IsJSON() {
					output.Warning("Run %s stopped after %d days", runID, len(res.Days))
				}
				return runErr
			}

			writer, err := report.NewWriter(outDir, logger)
			if err != nil {
				return err
			}
			if err := writer.WriteAll(bundle); err != nil {
				return err
			}

			summary := report.BuildSummary(bundle)
			if output.IsJSON() {
				return output.JSON(summary)
			}
			displayBacktestResults(output, bundle)
			displayAudit(output, summary)
			output.Println()
			output.Dim("Results written to %s", writer.Dir())
			return nil
		},
	}

	cmd.Flags().StringVar(&startFlag, "start", "", "first trading day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endFlag, "end", "", "last trading day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default: output.dir from config)")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "skip the SQLite cache and run ledger")
	cmd.Flags().BoolVar(&stress, "stress", false, "replay every day under the stress slippage grid")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")

	return cmd
}

func displayBacktestResults(output *Output, b report.Bundle) {
	m := b.Metrics

	output.Println()
	output.Box("Backtest Results", []string{
		fmt.Sprintf("Period:         %s → %s", utils.DateKey(b.StartDate), utils.DateKey(b.EndDate)),
		fmt.Sprintf("Trading days:   %d", len(b.Days)),
		fmt.Sprintf("Trades:         %d (%d W / %d L / %d BE)", m.TotalTrades, m.WinningTrades, m.LosingTrades, m.BreakevenTrades),
		fmt.Sprintf("Win rate:       %.1f%%", m.WinRate*100),
		fmt.Sprintf("Total P&L:      %s", output.FormatPnL(m.TotalPnL)),
		fmt.Sprintf("Return:         %s", output.FormatPercent(m.TotalReturn)),
		fmt.Sprintf("Ending equity:  %s", utils.FormatCurrency(m.EndingEquity)),
	})
	output.Println()

	output.Bold("Performance Metrics")
	output.Printf("  Avg P&L:          %s\n", utils.FormatPnL(m.AvgPnL))
	output.Printf("  Median P&L:       %s\n", utils.FormatPnL(m.MedianPnL))
	output.Printf("  Avg Win:          %s\n", utils.FormatCurrency(m.AvgWin))
	output.Printf("  Avg Loss:         %s\n", utils.FormatCurrency(m.AvgLoss))
	output.Printf("  Expectancy:       %s\n", utils.FormatPnL(m.Expectancy))
	output.Printf("  Profit Factor:    %s\n", formatRatio(m.ProfitFactor))
	output.Printf("  Sharpe Ratio:     %.2f\n", m.SharpeRatio)
	output.Printf("  Avg Hold:         %.0f min\n", m.AvgHoldMinutes)
	output.Printf("  Max Drawdown:     %s\n", output.Red(fmt.Sprintf("%s (%.1f%%)", utils.FormatCurrency(m.MaxDrawdown), m.MaxDrawdownPct*100)))
	output.Printf("  Streaks:          %d wins / %d losses\n", m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	output.Printf("  Fees:             %s\n", utils.FormatCurrency(m.TotalFees))
	output.Println()

	if len(m.BySetup) > 0 {
		output.Bold("By Setup")
		setups := make([]string, 0, len(m.BySetup))
		for name := range m.BySetup {
			setups = append(setups, name)
		}
		sort.Strings(setups)
		table := NewTable(output, "Setup", "Trades", "Win %", "P&L")
		for _, name := range setups {
			s := m.BySetup[name]
			table.AddRow(name, fmt.Sprintf("%d", s.Trades), fmt.Sprintf("%.1f", s.WinRate*100), output.FormatPnL(s.TotalPnL))
		}
		table.Render()
		output.Println()
	}

	counts := make(map[models.DayStatus]int)
	for _, d := range b.Days {
		counts[d.Status]++
	}
	output.Bold("Day Status")
	for _, st := range []models.DayStatus{
		models.DayStatusOK, models.DayStatusPartialData, models.DayStatusNoData,
		models.DayStatusNoWatchlist, models.DayStatusError,
	} {
		if n := counts[st]; n > 0 {
			line := fmt.Sprintf("  %-14s %d", st, n)
			if st == models.DayStatusError {
				line = output.Yellow(line)
			}
			output.Println(line)
		}
	}
	output.Println()

	output.Bold("Equity Curve")
	for _, line := range report.EquityChart(report.EquityCurve(b.Trades, m.StartingEquity), m.StartingEquity) {
		output.Println(line)
	}
}

func displayAudit(output *Output, s report.Summary) {
	output.Println()
	output.Bold("Audit")
	rec := s.Reconciliation
	if rec.Consistent {
		output.Printf("  Reconciliation:   %s\n", output.Green(fmt.Sprintf("PASS (%d trades, %d fills)", rec.Trades, rec.Fills)))
	} else {
		output.Warning("  Reconciliation:   FAIL (%d checks, trades %s vs fills %s)",
			rec.Failures, utils.FormatPnL(rec.TradesPnL), utils.FormatPnL(rec.FillsPnL))
		for _, d := range rec.Discrepancies {
			output.Dim("    %s %s %s: expected %.2f, got %.2f", d.Date, d.Ticker, d.Check, d.Expected, d.Actual)
		}
	}
	if s.Leakage.Valid {
		output.Printf("  Leakage:          %s\n", output.Green(s.Leakage.Message()))
	} else {
		output.Warning("  Leakage:          %s", s.Leakage.Message())
	}

	if len(s.Stress) == 0 {
		return
	}
	output.Println()
	output.Bold("Slippage Stress")
	table := NewTable(output, "Slippage", "Trades", "Win %", "P&L", "Ending Equity")
	for _, r := range s.Stress {
		table.AddRow(r.Slippage, fmt.Sprintf("%d", r.Trades), fmt.Sprintf("%.1f", r.WinRate()*100),
			output.FormatPnL(r.TotalPnL), utils.FormatCurrency(r.EndingEquity))
	}
	table.Render()
}

func formatRatio(r report.Ratio) string {
	f := float64(r)
	if math.IsInf(f, 1) {
		return "∞"
	}
	return fmt.Sprintf("%.2f", f)
}
