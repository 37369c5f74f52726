package domain

import "time"

// NotificationWindowDays is the default number of days before maturation during
// which an approved sample is reported as expiring.
const NotificationWindowDays = 60

// DisplayStatus is the status computed on read from the stored status and the
// maturation date. It is never persisted.
type DisplayStatus string

// Display statuses reported to callers.
const (
	DisplayPending  DisplayStatus = "pending"
	DisplayRejected DisplayStatus = "rejected"
	DisplayExpired  DisplayStatus = "expired"
	DisplayExpiring DisplayStatus = "expiring"
	DisplayActive   DisplayStatus = "active"
)

// StatusDeriver maps stored state plus a maturation date onto a DisplayStatus.
// The zero value uses NotificationWindowDays.
type StatusDeriver struct {
	WindowDays int
}

// DefaultStatusDeriver uses the standard 60 day notification window.
var DefaultStatusDeriver = StatusDeriver{WindowDays: NotificationWindowDays}

func (d StatusDeriver) window() int {
	if d.WindowDays <= 0 {
		return NotificationWindowDays
	}
	return d.WindowDays
}

// Derive computes the effective status. It is pure: identical inputs always
// yield identical output.
func (d StatusDeriver) Derive(stored SampleStatus, maturation *time.Time, now time.Time) DisplayStatus {
	if stored == SampleStatusRejected {
		return DisplayRejected
	}
	if maturation == nil {
		return DisplayPending
	}
	if stored != SampleStatusApproved {
		return DisplayPending
	}
	remaining := DaysBetween(now, *maturation)
	switch {
	case remaining < 0:
		return DisplayExpired
	case remaining <= d.window():
		return DisplayExpiring
	default:
		return DisplayActive
	}
}

// EffectiveStatus derives the display status with the default window.
func EffectiveStatus(stored SampleStatus, maturation *time.Time, now time.Time) DisplayStatus {
	return DefaultStatusDeriver.Derive(stored, maturation, now)
}

// DaysBetween returns the signed number of calendar days from `from` to `to`.
// Only the calendar date of each value (in its own location) is considered, so
// the time of day and DST offsets never change the result.
func DaysBetween(from, to time.Time) int {
	a := DateOf(from)
	b := DateOf(to)
	return int(b.Sub(a).Hours() / 24)
}

// DateOf truncates t to midnight UTC of its calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last instant of t's calendar date, expressed in UTC on
// the same calendar date DateOf uses.
func EndOfDay(t time.Time) time.Time {
	return DateOf(t).Add(24*time.Hour - time.Nanosecond)
}

// DatePtr normalizes t to a calendar date and returns a pointer to it.
func DatePtr(t time.Time) *time.Time {
	d := DateOf(t)
	return &d
}
