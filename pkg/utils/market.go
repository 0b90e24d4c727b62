package utils

import (
	"time"
)

// NewYorkLocation is the timezone US equity sessions are quoted in.
var NewYorkLocation *time.Location

func init() {
	var err error
	NewYorkLocation, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback to EST without daylight saving
		NewYorkLocation = time.FixedZone("EST", -5*60*60)
	}
}

// usMarketHolidays are full-day NYSE/NASDAQ closures.
var usMarketHolidays = map[string]string{
	"2024-01-01": "New Year's Day",
	"2024-01-15": "Martin Luther King Jr. Day",
	"2024-02-19": "Presidents Day",
	"2024-03-29": "Good Friday",
	"2024-05-27": "Memorial Day",
	"2024-06-19": "Juneteenth",
	"2024-07-04": "Independence Day",
	"2024-09-02": "Labor Day",
	"2024-11-28": "Thanksgiving",
	"2024-12-25": "Christmas",

	"2025-01-01": "New Year's Day",
	"2025-01-09": "National Day of Mourning",
	"2025-01-20": "Martin Luther King Jr. Day",
	"2025-02-17": "Presidents Day",
	"2025-04-18": "Good Friday",
	"2025-05-26": "Memorial Day",
	"2025-06-19": "Juneteenth",
	"2025-07-04": "Independence Day",
	"2025-09-01": "Labor Day",
	"2025-11-27": "Thanksgiving",
	"2025-12-25": "Christmas",

	"2026-01-01": "New Year's Day",
	"2026-01-19": "Martin Luther King Jr. Day",
	"2026-02-16": "Presidents Day",
	"2026-04-03": "Good Friday",
	"2026-05-25": "Memorial Day",
	"2026-06-19": "Juneteenth",
	"2026-07-03": "Independence Day (observed)",
	"2026-09-07": "Labor Day",
	"2026-11-26": "Thanksgiving",
	"2026-12-25": "Christmas",

	"2027-01-01": "New Year's Day",
	"2027-01-18": "Martin Luther King Jr. Day",
	"2027-02-15": "Presidents Day",
	"2027-03-26": "Good Friday",
	"2027-05-31": "Memorial Day",
	"2027-06-18": "Juneteenth (observed)",
	"2027-07-05": "Independence Day (observed)",
	"2027-09-06": "Labor Day",
	"2027-11-25": "Thanksgiving",
	"2027-12-24": "Christmas (observed)",
}

// DateKey formats a date as YYYY-MM-DD.
func DateKey(d time.Time) string {
	return d.Format("2006-01-02")
}

// ParseDate parses a YYYY-MM-DD date at midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = NewYorkLocation
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}

// IsWeekend returns true for Saturday and Sunday.
func IsWeekend(d time.Time) bool {
	return d.Weekday() == time.Saturday || d.Weekday() == time.Sunday
}

// IsMarketHoliday returns true when the market is closed all day.
func IsMarketHoliday(d time.Time) bool {
	_, ok := usMarketHolidays[DateKey(d)]
	return ok
}

// HolidayName returns the holiday observed on d, if any.
func HolidayName(d time.Time) (string, bool) {
	name, ok := usMarketHolidays[DateKey(d)]
	return name, ok
}

// IsTradingDay returns true for weekdays that are not market holidays.
func IsTradingDay(d time.Time) bool {
	return !IsWeekend(d) && !IsMarketHoliday(d)
}

// TradingDays returns every trading day from start to end inclusive.
func TradingDays(start, end time.Time) []time.Time {
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// AtClock returns d's calendar date at the given offset from midnight in loc.
func AtClock(d time.Time, offset time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = NewYorkLocation
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc).Add(offset)
}
