package alerts

import "time"

// QuietHoursGate evaluates a user's local quiet-hours window.
type QuietHoursGate struct{}

// IsQuietNow reports whether now falls inside the user's quiet window
// [start, end) in local time. Windows wrap across midnight (22→7). A window
// with start == end, or with quiet hours disabled, is never quiet.
func (QuietHoursGate) IsQuietNow(p UserAlertProfile, now time.Time) bool {
	if !p.QuietHoursEnabled || p.QuietStartHour == p.QuietEndHour {
		return false
	}
	h := now.In(p.Location()).Hour()
	if p.QuietStartHour < p.QuietEndHour {
		return h >= p.QuietStartHour && h < p.QuietEndHour
	}
	return h >= p.QuietStartHour || h < p.QuietEndHour
}

// WindowEnd returns the first instant at or after now when the user's
// local clock reads QuietEndHour:00. Deferred alerts become due then.
func (QuietHoursGate) WindowEnd(p UserAlertProfile, now time.Time) time.Time {
	loc := p.Location()
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), p.QuietEndHour, 0, 0, 0, loc)
	if end.Before(local) {
		end = time.Date(local.Year(), local.Month(), local.Day()+1, p.QuietEndHour, 0, 0, 0, loc)
	}
	return end
}
