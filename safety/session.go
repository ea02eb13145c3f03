package safety

import (
	"time"

	"github.com/marrowfx/tradecore/config"
)

// SessionWindow checks whether a timestamp falls inside a named trading
// session. All session windows are quoted in Asia/Ulaanbaatar local time —
// the same zone that bounds the trading day — regardless of which venue the
// session is named after.
type SessionWindow struct {
	Session config.Session
}

// Contains reports whether at falls within the configured session window.
// TOKYO is 09:00-12:00 inclusive; LDN_NY is 16:00 through the 02:00 hour,
// wrapping past midnight; ANY always matches.
func (w SessionWindow) Contains(at time.Time) bool {
	if w.Session == config.SessionAny {
		return true
	}

	local := at.In(ulaanbaatar)
	hour, minute := local.Hour(), local.Minute()

	switch w.Session {
	case config.SessionTokyo:
		return hour >= 9 && (hour < 12 || (hour == 12 && minute == 0))
	case config.SessionLdnNY:
		return hour >= 16 || hour <= 2
	default:
		return true
	}
}
