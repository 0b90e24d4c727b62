package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const strategyTemplate = `# Small-cap momentum backtest configuration

timezone: America/New_York

session:
  premarket_start: "04:00"
  premarket_end: "09:29"
  trade_start: "09:30"
  trade_end: "11:00"
  # Open positions are flattened at the close of the first bar at or after this time
  force_flat: "16:00"

execution:
  slippage:
    # fixed_cents, pct_of_price or tiered
    model: fixed_cents
    cents: 0.02
    pct: 0.001
    tier_thresholds: [5, 10, 20]
    tier_cents: [0.02, 0.03, 0.05, 0.10]
  # Charged once per round trip, on the final exit
  fees_per_trade: 0.0

risk:
  account_equity: 10000
  max_trades_per_day: 5
  max_daily_loss_pct: 0.02
  cooldown_minutes_after_stop: 2
  risk_per_trade_pct: 0.01

portfolio:
  max_positions: 3
  max_position_pct: 0.25
  min_cash_reserve_pct: 0.10
  # Carry cash from one day to the next instead of resetting to account_equity
  compound: false

watchlist:
  top_n: 20
  min_gap_pct: 0.05
  min_prev_close: 0.5
  max_prev_close: 20
  common_stock_only: true

strategy:
  allow_starter_entries: true
  starter_fraction: 0.25
  macro_filter:
    require_above_ema_34: true
    require_above_ema_55: true
    require_above_sma_200: false
  entry:
    require_pmh_breakout: false
    max_extension_from_ema8_pct: 0.015
    require_momentum_bull: true
  exits:
    exit_on_close_below_ema8: true
    exit_on_ttm_momentum_bear: true
    scale_out_first_fraction: 0.5
  risk:
    stop_buffer_pct: 0.001

data:
  # POLYGON_API_KEY is read from the environment or a .env file
  polygon_base_url: https://api.polygon.io
  http_timeout: 30s
  max_retries: 3
  fetch_concurrency: 4

logging:
  level: info
  console: true
  file: false

output:
  dir: outputs

stress:
  # Replay every day under each alternative slippage setting
  enabled: false
  cents: [0.01, 0.02, 0.05, 0.10]
  pct: [0.001, 0.002, 0.005, 0.01]
`

// WriteTemplate writes the default strategy file to path.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(strategyTemplate), 0644); err != nil {
		return fmt.Errorf("writing strategy template: %w", err)
	}

	return nil
}

