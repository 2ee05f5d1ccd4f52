package utils

import "time"

// JakartaLocation is the timezone the Indonesia Stock Exchange trades in.
var JakartaLocation *time.Location

func init() {
	var err error
	JakartaLocation, err = time.LoadLocation("Asia/Jakarta")
	if err != nil {
		JakartaLocation = time.FixedZone("WIB", 7*60*60)
	}
}

// Status is the coarse state of the IDX trading day.
type Status string

const (
	StatusOpen   Status = "open"
	StatusBreak  Status = "break"
	StatusClosed Status = "closed"
)

// MarketInfo describes the IDX session active at a given instant.
type MarketInfo struct {
	IsOpen   bool
	Status   Status
	Reason   string
	Session  int // 1 or 2 when Status is open, 0 otherwise
	Now      time.Time
	NextOpen time.Time // zero when the market is currently open
}

func clockMinutes(h, m int) int { return h*60 + m }

func atTime(day time.Time, h, m int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, JakartaLocation)
}

// sessionTimes returns the two trading windows for the given weekday.
// The exchange trims Friday's windows to make room for the midday break.
func sessionTimes(weekday time.Weekday) (open1, close1, open2, close2 int) {
	if weekday == time.Friday {
		return clockMinutes(8, 55), clockMinutes(11, 35), clockMinutes(13, 55), clockMinutes(15, 54)
	}
	return clockMinutes(8, 55), clockMinutes(12, 5), clockMinutes(13, 25), clockMinutes(15, 54)
}

// GetMarketStatus returns the IDX session active right now in Jakarta time.
func GetMarketStatus() MarketInfo {
	return marketStatusAt(time.Now())
}

func marketStatusAt(t time.Time) MarketInfo {
	now := t.In(JakartaLocation)
	weekday := now.Weekday()

	if weekday == time.Saturday || weekday == time.Sunday {
		daysUntilMonday := 1
		if weekday == time.Saturday {
			daysUntilMonday = 2
		}
		next := atTime(now.AddDate(0, 0, daysUntilMonday), 8, 55)
		return MarketInfo{Status: StatusClosed, Reason: "weekend", Now: now, NextOpen: next}
	}

	open1, close1, open2, close2 := sessionTimes(weekday)
	nowMinutes := clockMinutes(now.Hour(), now.Minute())

	switch {
	case nowMinutes >= open1 && nowMinutes < close1:
		return MarketInfo{IsOpen: true, Status: StatusOpen, Reason: "session 1", Session: 1, Now: now}
	case nowMinutes >= open2 && nowMinutes < close2:
		return MarketInfo{IsOpen: true, Status: StatusOpen, Reason: "session 2", Session: 2, Now: now}
	case nowMinutes >= close1 && nowMinutes < open2:
		h, m := open2/60, open2%60
		return MarketInfo{Status: StatusBreak, Reason: "lunch break", Now: now, NextOpen: atTime(now, h, m)}
	case nowMinutes < open1:
		h, m := open1/60, open1%60
		return MarketInfo{Status: StatusClosed, Reason: "pre-market", Now: now, NextOpen: atTime(now, h, m)}
	default:
		daysAhead := 1
		if weekday == time.Friday {
			daysAhead = 3
		}
		next := atTime(now.AddDate(0, 0, daysAhead), 8, 55)
		return MarketInfo{Status: StatusClosed, Reason: "after hours", Now: now, NextOpen: next}
	}
}

// IsMarketOpen reports whether IDX is actively trading right now.
func IsMarketOpen() bool {
	return GetMarketStatus().IsOpen
}

// TimeUntilNextOpen returns the duration until trading next resumes, or
// zero if the market is open right now.
func TimeUntilNextOpen() time.Duration {
	info := GetMarketStatus()
	if info.IsOpen || info.NextOpen.IsZero() {
		return 0
	}
	return info.NextOpen.Sub(info.Now)
}
