package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCurrency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{12.5, "$12.50"},
		{1234.567, "$1,234.57"},
		{-10000, "-$10,000.00"},
		{1234567.8, "$1,234,567.80"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCurrency(tt.in))
	}
	assert.Equal(t, "+$45.00", FormatPnL(45))
	assert.Equal(t, "-1,200", FormatQuantity(-1200))
}

func TestTradingDays(t *testing.T) {
	start, err := ParseDate("2025-07-01", nil)
	require.NoError(t, err)
	end, err := ParseDate("2025-07-08", nil)
	require.NoError(t, err)

	var keys []string
	for _, d := range TradingDays(start, end) {
		keys = append(keys, DateKey(d))
	}
	// July 4th and the weekend are skipped.
	assert.Equal(t, []string{"2025-07-01", "2025-07-02", "2025-07-03", "2025-07-07", "2025-07-08"}, keys)

	name, ok := HolidayName(time.Date(2026, 11, 26, 0, 0, 0, 0, NewYorkLocation))
	assert.True(t, ok)
	assert.Equal(t, "Thanksgiving", name)
}

func TestAtClock(t *testing.T) {
	d, _ := ParseDate("2025-03-10", nil)
	ts := AtClock(d, 9*time.Hour+30*time.Minute, nil)
	assert.Equal(t, 9, ts.Hour())
	assert.Equal(t, 30, ts.Minute())
	// Daylight saving started on 2025-03-09.
	assert.Equal(t, 13, ts.UTC().Hour())
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2,
		ShouldRetry:   func(err error) bool { return !errors.Is(err, permanent) },
	}

	_, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResultEventuallySucceeds(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}
