package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Window restricts runs to a daily time range on selected weekdays.
// End is exclusive; a start after end wraps past midnight; equal bounds allow the whole day.
type Window struct {
	Start    time.Duration
	End      time.Duration
	Weekdays map[time.Weekday]bool
	Location *time.Location
}

// NewWindow parses "HH:MM" bounds and weekday names ("mon", "tuesday", ...).
// An empty weekday list allows every day.
func NewWindow(start, end string, weekdays []string, loc *time.Location) (Window, error) {
	w := Window{Location: loc}
	if w.Location == nil {
		w.Location = time.UTC
	}
	var err error
	if w.Start, err = parseClock(start); err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	if w.End, err = parseClock(end); err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	if len(weekdays) > 0 {
		w.Weekdays = make(map[time.Weekday]bool, len(weekdays))
		for _, name := range weekdays {
			d, err := parseWeekday(name)
			if err != nil {
				return Window{}, err
			}
			w.Weekdays[d] = true
		}
	}
	return w, nil
}

// Allows reports whether t falls inside the window.
func (w Window) Allows(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	day := t.Weekday()

	var inRange bool
	switch {
	case w.Start == w.End:
		inRange = true
	case w.Start < w.End:
		inRange = offset >= w.Start && offset < w.End
	default:
		inRange = offset >= w.Start || offset < w.End
		// After midnight the run belongs to the previous day's window.
		if offset < w.End {
			day = (day + 6) % 7
		}
	}
	if !inRange {
		return false
	}
	return len(w.Weekdays) == 0 || w.Weekdays[day]
}

func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
