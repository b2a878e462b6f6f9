package util

import (
	"math"
	"time"
)

const Day = 24 * time.Hour

// TruncateDay returns midnight UTC of t's calendar day.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysUntil is the ceiling of whole days from from to to; negative once to has passed.
func DaysUntil(from, to time.Time) int {
	return int(math.Ceil(to.Sub(from).Hours() / 24))
}

// EachDay visits every UTC calendar day in [start, end] until fn returns false.
func EachDay(start, end time.Time, fn func(day time.Time) bool) {
	last := TruncateDay(end)
	for d := TruncateDay(start); !d.After(last); d = d.AddDate(0, 0, 1) {
		if !fn(d) {
			return
		}
	}
}
