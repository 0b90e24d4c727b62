package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"smallcap-backtester/internal/models"
	"smallcap-backtester/internal/store"
	"smallcap-backtester/pkg/utils"
)

func newRunsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded backtest runs",
		Long:  "List past runs and review their trades from the SQLite run ledger.",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(app, cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			runs, err := st.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(runs)
			}
			if len(runs) == 0 {
				output.Info("No runs recorded yet.")
				return nil
			}

			table := NewTable(output, "Run", "Period", "Status", "Days", "Trades", "P&L", "Equity")
			for _, r := range runs {
				table.AddRow(
					r.ID,
					fmt.Sprintf("%s → %s", utils.DateKey(r.StartDate), utils.DateKey(r.EndDate)),
					string(r.Status),
					fmt.Sprintf("%d", r.Days),
					fmt.Sprintf("%d", r.Trades),
					output.FormatPnL(r.TotalPnL),
					utils.FormatCurrency(r.EndingEquity),
				)
			}
			table.Render()
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	cmd.AddCommand(listCmd)

	var ticker string
	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's trades",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(app, cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			trades, err := st.GetTrades(ctx, store.TradeFilter{RunID: run.ID, Ticker: ticker})
			if err != nil {
				return err
			}
			days, err := st.GetDayStatuses(ctx, run.ID)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"run": run, "days": days, "trades": trades})
			}

			output.Bold("Run %s (%s)", run.ID, run.Status)
			output.Printf("  Period: %s → %s\n", utils.DateKey(run.StartDate), utils.DateKey(run.EndDate))
			output.Printf("  P&L:    %s\n", output.FormatPnL(run.TotalPnL))
			output.Println()

			if len(days) > 0 {
				dayTable := NewTable(output, "Date", "Status", "Watchlist", "Trades", "P&L", "Detail")
				for _, d := range days {
					status := string(d.Status)
					if d.Status == models.DayStatusError {
						status = output.Yellow(status)
					}
					dayTable.AddRow(
						utils.DateKey(d.Date),
						status,
						fmt.Sprintf("%d", d.Watchlist),
						fmt.Sprintf("%d", d.Trades),
						output.FormatPnL(d.RealizedPnL),
						d.Detail,
					)
				}
				dayTable.Render()
				output.Println()
			}

			table := NewTable(output, "Date", "Ticker", "Entry", "Exit", "Qty", "P&L", "Setup", "Exit Reason")
			for _, t := range trades {
				table.AddRow(
					utils.DateKey(t.Date),
					t.Ticker,
					fmt.Sprintf("%.2f", t.EntryPrice),
					fmt.Sprintf("%.2f", t.ExitPrice),
					utils.FormatQuantity(int64(t.Quantity)),
					output.FormatPnL(t.PnL),
					models.SetupOf(t.EntryReason),
					t.ExitReason,
				)
			}
			table.Render()
			return nil
		},
	}
	showCmd.Flags().StringVar(&ticker, "ticker", "", "only show trades in this ticker")
	cmd.AddCommand(showCmd)

	return cmd
}

func openStore(app *App, cmd *cobra.Command) (*store.SQLiteStore, error) {
	if err := app.loadConfig(cmd); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(app.Config.Data.CacheDB)
}
