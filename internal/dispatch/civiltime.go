// Package dispatch decides which reminder occurrences are due and
// sends them.
package dispatch

import (
	"time"

	"github.com/temansehat/careline/internal/domain/reminder"
)

// Zone is the program's fixed civil timezone: WIB, UTC+7, no DST.
// Every place that computes "today" — the dispatcher and the
// confirmation lookback alike — must go through this zone.
var Zone = time.FixedZone("WIB", 7*60*60)

// DayWindow returns the UTC half-open interval [start, end) covering
// the civil day that contains nowUTC. For WIB that is previous-day
// 17:00 UTC through same-day 17:00 UTC.
func DayWindow(nowUTC time.Time) (start, end time.Time) {
	local := nowUTC.In(Zone)
	y, m, d := local.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, Zone).UTC()
	return start, start.Add(24 * time.Hour)
}

// IsDue reports whether an occurrence scheduled at hhmm wall-clock time
// is due at nowUTC. The check is one-sided: anything at or past its
// scheduled minute inside today's window is due, so a send that failed
// earlier is picked up again every cycle until it is delivered or the
// occurrence is deactivated. Re-sends are bounded by the DELIVERED-log
// existence check, not by a time cutoff.
func IsDue(nowUTC time.Time, hhmm string) bool {
	offset, err := reminder.ParseClock(hhmm)
	if err != nil {
		return false
	}

	local := nowUTC.In(Zone)
	y, m, d := local.Date()
	scheduled := time.Date(y, m, d, 0, 0, 0, 0, Zone).Add(offset)

	return !local.Before(scheduled)
}

// LookbackStart returns the UTC instant the confirmation path uses as
// "since yesterday": the start of the previous civil day.
func LookbackStart(nowUTC time.Time) time.Time {
	start, _ := DayWindow(nowUTC)
	return start.Add(-24 * time.Hour)
}
