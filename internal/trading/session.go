package trading

import (
	"time"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/pkg/utils"
)

// MarketSession represents the part of the trading day a bar falls in.
type MarketSession string

const (
	SessionPremarket  MarketSession = "PREMARKET"
	SessionGap        MarketSession = "GAP"
	SessionTrading    MarketSession = "TRADING"
	SessionAfterTrade MarketSession = "AFTER_TRADE_WINDOW"
	SessionClosed     MarketSession = "CLOSED"
	SessionHoliday    MarketSession = "HOLIDAY"
)

func (s MarketSession) String() string {
	return string(s)
}

// SessionManager maps clock times onto session windows for a trading day.
// Offsets are measured from midnight in the manager's location.
type SessionManager struct {
	location       *time.Location
	premarketStart time.Duration
	premarketEnd   time.Duration
	tradeStart     time.Duration
	tradeEnd       time.Duration
	forceFlat      time.Duration
}

// NewSessionManager creates a session manager from configuration.
func NewSessionManager(cfg *config.Config) (*SessionManager, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	m := &SessionManager{location: loc}
	fields := []struct {
		dst *time.Duration
		val string
	}{
		{&m.premarketStart, cfg.Session.PremarketStart},
		{&m.premarketEnd, cfg.Session.PremarketEnd},
		{&m.tradeStart, cfg.Session.TradeStart},
		{&m.tradeEnd, cfg.Session.TradeEnd},
		{&m.forceFlat, cfg.Session.ForceFlat},
	}
	for _, f := range fields {
		d, err := config.ParseClock(f.val)
		if err != nil {
			return nil, err
		}
		*f.dst = d
	}
	return m, nil
}

// Location returns the session timezone.
func (m *SessionManager) Location() *time.Location {
	return m.location
}

// ForceFlat returns the force-flat time of day.
func (m *SessionManager) ForceFlat() time.Duration {
	return m.forceFlat
}

// PremarketWindow returns the inclusive premarket bounds for day.
func (m *SessionManager) PremarketWindow(day time.Time) (from, to time.Time) {
	return utils.AtClock(day, m.premarketStart, m.location), utils.AtClock(day, m.premarketEnd, m.location)
}

// TradeWindow returns the inclusive trading bounds for day.
func (m *SessionManager) TradeWindow(day time.Time) (from, to time.Time) {
	return utils.AtClock(day, m.tradeStart, m.location), utils.AtClock(day, m.tradeEnd, m.location)
}

// GetSessionAt returns the session t falls in.
func (m *SessionManager) GetSessionAt(t time.Time) MarketSession {
	t = t.In(m.location)
	if !utils.IsTradingDay(t) {
		if utils.IsMarketHoliday(t) {
			return SessionHoliday
		}
		return SessionClosed
	}

	pmFrom, pmTo := m.PremarketWindow(t)
	tradeFrom, tradeTo := m.TradeWindow(t)
	switch {
	case !t.Before(pmFrom) && !t.After(pmTo):
		return SessionPremarket
	case !t.Before(tradeFrom) && !t.After(tradeTo):
		return SessionTrading
	case t.After(pmTo) && t.Before(tradeFrom):
		return SessionGap
	case t.After(tradeTo) && t.Before(utils.AtClock(t, m.forceFlat, m.location)):
		return SessionAfterTrade
	}
	return SessionClosed
}

// TradingDays returns the trading days between start and end inclusive.
func (m *SessionManager) TradingDays(start, end time.Time) []time.Time {
	return utils.TradingDays(start.In(m.location), end.In(m.location))
}
