package core

import (
	"strconv"
	"time"

	"github.com/yourname/go-hitcounter/internal/store"
)

// FormatCompact renders n for a badge: one decimal with an " M" suffix from a
// million, " k" from a thousand, the plain integer below. Rounding is half-up
// on the tenths digit.
func FormatCompact(n int64) string {
	switch {
	case n >= 1_000_000:
		return tenths((n+50_000)/100_000) + " M"
	case n >= 1_000:
		return tenths((n+50)/100) + " k"
	default:
		return strconv.FormatInt(n, 10)
	}
}

func tenths(t int64) string {
	return strconv.FormatInt(t/10, 10) + "." + strconv.FormatInt(t%10, 10)
}

// FillDaily turns a sparse series into one entry per UTC day in [from, to],
// zero where points has no entry.
func FillDaily(points []store.DailyCount, from, to time.Time) []store.DailyCount {
	start := truncateDay(from)
	end := truncateDay(to)
	if end.Before(start) {
		return nil
	}
	byDay := make(map[time.Time]int64, len(points))
	for _, p := range points {
		byDay[truncateDay(p.Day)] = p.Count
	}
	var out []store.DailyCount
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, store.DailyCount{Day: d, Count: byDay[d]})
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
