package model

import (
	"fmt"
	"strings"
	"time"
)

// TimeWindow is a recurring weekly window: a set of weekdays and a start/end
// time of day, interpreted in Location. End is exclusive. Windows that cross
// midnight (end before start) wrap into the following day.
type TimeWindow struct {
	Days     map[time.Weekday]bool
	Start    int // minutes from midnight
	End      int // minutes from midnight, exclusive
	Location *time.Location
	Spec     string // original spec text, kept for rendering
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	local := t.In(w.Location)
	minute := local.Hour()*60 + local.Minute()

	if w.Start <= w.End {
		return w.Days[local.Weekday()] && minute >= w.Start && minute < w.End
	}

	// Wrapping window: [start, midnight) belongs to the listed day,
	// [midnight, end) to the day after.
	if w.Days[local.Weekday()] && minute >= w.Start {
		return true
	}
	previous := (local.Weekday() + 6) % 7
	return w.Days[previous] && minute < w.End
}

func (w TimeWindow) String() string { return w.Spec }

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseTimeWindow parses a weekly window spec of the form
// "Mon-Fri 09:00-17:00" or "Sat 10:00-12:00". tz names an IANA timezone;
// empty means UTC.
func ParseTimeWindow(spec, tz string) (TimeWindow, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return TimeWindow{}, fmt.Errorf("unknown timezone %q: %w", tz, err)
		}
	}

	fields := strings.Fields(spec)
	if len(fields) != 2 {
		return TimeWindow{}, fmt.Errorf("schedule %q: want \"Days HH:MM-HH:MM\"", spec)
	}

	days, err := parseDays(fields[0])
	if err != nil {
		return TimeWindow{}, fmt.Errorf("schedule %q: %w", spec, err)
	}

	start, end, err := parseHours(fields[1])
	if err != nil {
		return TimeWindow{}, fmt.Errorf("schedule %q: %w", spec, err)
	}

	rendered := spec
	if tz != "" {
		rendered = spec + "[" + tz + "]"
	}

	return TimeWindow{
		Days:     days,
		Start:    start,
		End:      end,
		Location: loc,
		Spec:     rendered,
	}, nil
}

// parseDays parses "Mon-Fri", "Sat", or "Mon,Wed,Fri".
func parseDays(s string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool)

	if from, to, ok := strings.Cut(s, "-"); ok {
		first, okFrom := weekdayNames[strings.ToLower(from)]
		last, okTo := weekdayNames[strings.ToLower(to)]
		if !okFrom || !okTo {
			return nil, fmt.Errorf("unknown weekday in range %q", s)
		}
		for d := first; ; d = (d + 1) % 7 {
			days[d] = true
			if d == last {
				break
			}
		}
		return days, nil
	}

	for _, name := range strings.Split(s, ",") {
		d, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		days[d] = true
	}
	return days, nil
}

// parseHours parses "HH:MM-HH:MM" into minutes from midnight.
func parseHours(s string) (start, end int, err error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad hour range %q", s)
	}
	if start, err = parseClock(from); err != nil {
		return 0, 0, err
	}
	if end, err = parseClock(to); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}
