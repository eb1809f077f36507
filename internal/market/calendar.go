package market

import (
	"fmt"
	"time"

	"options_trader/internal/core"
)

// Calendar implements core.IMarketCalendar for a single exchange session.
// The session window is half-open: the open minute is in, the close minute
// is out. Weekends and listed holidays are closed all day.
type Calendar struct {
	loc       *time.Location
	openMins  int // minutes from midnight
	closeMins int
	holidays  map[string]struct{} // YYYY-MM-DD in exchange time
}

// NewCalendar parses "HH:MM" session bounds in the given IANA timezone.
func NewCalendar(timezone, open, close string, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %s: %w", timezone, err)
	}
	openMins, err := parseHHMM(open)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	closeMins, err := parseHHMM(close)
	if err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	if closeMins <= openMins {
		return nil, fmt.Errorf("market close %s is not after open %s", close, open)
	}

	hs := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		hs[h] = struct{}{}
	}
	return &Calendar{loc: loc, openMins: openMins, closeMins: closeMins, holidays: hs}, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse %q as HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the exchange timezone; bars record close-times in it.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) IsMarketOpen(at time.Time) bool {
	local := at.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if _, closed := c.holidays[local.Format("2006-01-02")]; closed {
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= c.openMins && mins < c.closeMins
}

var _ core.IMarketCalendar = (*Calendar)(nil)
