package timeline

import "time"

// Day is a run of entries created on the same calendar day.
type Day struct {
	Date    time.Time
	Entries []Entry
}

// GroupByDay splits ordered entries into calendar days in loc.
func GroupByDay(entries []Entry, loc *time.Location) []Day {
	if loc == nil {
		loc = time.Local
	}
	var days []Day
	for _, e := range entries {
		ts := time.UnixMilli(e.Message.CreatedAt).In(loc)
		date := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, loc)
		if n := len(days); n > 0 && days[n-1].Date.Equal(date) {
			days[n-1].Entries = append(days[n-1].Entries, e)
			continue
		}
		days = append(days, Day{Date: date, Entries: []Entry{e}})
	}
	return days
}
