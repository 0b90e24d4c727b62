// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"smallcap-backtester/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// HTTP response cache
	GetResponse(key string) ([]byte, bool, error)
	PutResponse(key string, body []byte) error

	// Runs
	RunRecorder
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetTrades(ctx context.Context, filter TradeFilter) ([]TradeRow, error)
	GetDayStatuses(ctx context.Context, runID string) ([]models.DayResult, error)

	// Lifecycle
	Close() error
}

// RunRecorder is the write side of the run ledger.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *Run) error
	SaveDay(ctx context.Context, runID string, day models.DayResult, fills []models.Fill, trades []models.Trade) error
	FinishRun(ctx context.Context, id string, status RunStatus, totals RunTotals) error
}

// RunStatus is the lifecycle state of a backtest run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Run is one backtest invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	StartDate  time.Time
	EndDate    time.Time
	Config     string // YAML snapshot
	Status     RunStatus
	RunTotals
}

// RunTotals are the headline numbers stored when a run finishes.
type RunTotals struct {
	Days         int
	Trades       int
	TotalPnL     float64
	EndingEquity float64
}

// TradeRow is a stored trade with its reasons serialized.
type TradeRow struct {
	RunID       string
	Date        time.Time
	Ticker      string
	EntryTime   time.Time
	ExitTime    time.Time
	EntryPrice  float64
	ExitPrice   float64
	Quantity    int
	PnL         float64
	Fees        float64
	EntryReason string
	ExitReason  string
	Scaled      bool
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	RunID  string
	Ticker string
	Limit  int
}

// NewRunID returns a sortable identifier for a run started at t.
func NewRunID(t time.Time) string {
	return "run-" + t.UTC().Format("20060102T150405.000000")
}
