package recurrence

import "time"

// freqRule evaluates FREQ-dialect rules by walking civil days in the
// rule's timezone. Day arithmetic is done on UTC midnights so a DST
// transition never skews day counting.
type freqRule struct {
	loc    *time.Location
	anchor time.Time // in loc

	freq     string // DAILY, WEEKLY, MONTHLY
	interval int
	byDay    []time.Weekday
	hour     int
	minute   int
	monthDay int // MONTHLY only
}

func (r *freqRule) Next(after time.Time) time.Time {
	afterLocal := after.In(r.loc)

	// Candidates never precede the anchor.
	startLocal := afterLocal
	if r.anchor.After(startLocal) {
		// Back up one day so the anchor's own date is still considered.
		startLocal = r.anchor.AddDate(0, 0, -1)
	}

	day := civilDate(startLocal)
	horizon := civilDate(afterLocal).Add(Horizon)

	for ; !day.After(horizon); day = day.AddDate(0, 0, 1) {
		if !r.dayMatches(day) {
			continue
		}

		candidate := time.Date(day.Year(), day.Month(), day.Day(), r.hour, r.minute, 0, 0, r.loc)
		// A spring-forward gap makes the local time nonexistent; time.Date
		// normalizes it to a different wall clock, which we skip.
		if candidate.Hour() != r.hour || candidate.Minute() != r.minute {
			continue
		}
		if candidate.Before(r.anchor) {
			continue
		}
		if candidate.After(after) {
			return candidate
		}
	}

	return time.Time{}
}

// dayMatches reports whether the civil date (a UTC midnight) is part of
// the recurrence set, ignoring the time-of-day constraints.
func (r *freqRule) dayMatches(day time.Time) bool {
	anchorDay := civilDate(r.anchor)

	switch r.freq {
	case "DAILY":
		d := daysBetween(anchorDay, day)
		return d >= 0 && d%r.interval == 0

	case "WEEKLY":
		if !weekdayIn(day.Weekday(), r.byDay) {
			return false
		}
		w := daysBetween(startOfWeek(anchorDay), startOfWeek(day)) / 7
		return w >= 0 && w%r.interval == 0

	case "MONTHLY":
		if day.Day() != r.monthDay {
			return false
		}
		m := monthsBetween(anchorDay, day)
		return m >= 0 && m%r.interval == 0
	}

	return false
}

// civilDate strips a local time down to its date, represented as a UTC
// midnight so durations between dates are exact multiples of 24h.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}

// startOfWeek returns the Monday of the week containing the civil date.
func startOfWeek(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

func weekdayIn(day time.Weekday, set []time.Weekday) bool {
	for _, d := range set {
		if d == day {
			return true
		}
	}
	return false
}
