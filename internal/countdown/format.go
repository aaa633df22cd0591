package countdown

import (
	"fmt"
	"time"
)

// ExpiredText replaces the HH:MM:SS display once a session expires.
const ExpiredText = "Expired"

// FormatRemaining renders d as zero-padded HH:MM:SS. Hours are not capped
// at 99 and negative durations render as 00:00:00.
func FormatRemaining(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	hrs := ms / 3_600_000
	mins := (ms % 3_600_000) / 60_000
	secs := (ms % 60_000) / 1000
	return fmt.Sprintf("%02d:%02d:%02d", hrs, mins, secs)
}

// Percent returns remaining as a percentage of total, clamped to [0, 100].
func Percent(remaining, total time.Duration) float64 {
	if total <= 0 || remaining <= 0 {
		return 0
	}
	p := float64(remaining) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
