package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week).
// Supported atoms per field: `*`, `*/n`, `a`, `a-b`, comma lists.
type CronSchedule struct {
	raw    string
	minute map[int]bool
	hour   map[int]bool
	dom    map[int]bool
	month  map[int]bool
	dow    map[int]bool
}

// ParseCron parses expr into a schedule.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}
	c := &CronSchedule{raw: expr}
	specs := []struct {
		dst      *map[int]bool
		min, max int
		name     string
	}{
		{&c.minute, 0, 59, "minute"},
		{&c.hour, 0, 23, "hour"},
		{&c.dom, 1, 31, "day-of-month"},
		{&c.month, 1, 12, "month"},
		{&c.dow, 0, 6, "day-of-week"},
	}
	for i, spec := range specs {
		set, err := parseCronField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s: %w", expr, spec.name, err)
		}
		*spec.dst = set
	}
	return c, nil
}

// Matches reports whether the schedule fires at t, minute resolution.
// Sunday is day-of-week 0.
func (c *CronSchedule) Matches(t time.Time) bool {
	return c.minute[t.Minute()] &&
		c.hour[t.Hour()] &&
		c.dom[t.Day()] &&
		c.month[int(t.Month())] &&
		c.dow[int(t.Weekday())]
}

func (c *CronSchedule) String() string { return c.raw }

func parseCronField(field string, min, max int) (map[int]bool, error) {
	set := map[int]bool{}
	for _, atom := range strings.Split(field, ",") {
		switch {
		case atom == "*":
			for i := min; i <= max; i++ {
				set[i] = true
			}
		case strings.HasPrefix(atom, "*/"):
			n, err := strconv.Atoi(atom[2:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad step %q", atom)
			}
			for i := min; i <= max; i += n {
				set[i] = true
			}
		case strings.Contains(atom, "-"):
			parts := strings.SplitN(atom, "-", 2)
			a, err1 := strconv.Atoi(parts[0])
			b, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil || a > b || a < min || b > max {
				return nil, fmt.Errorf("bad range %q", atom)
			}
			for i := a; i <= b; i++ {
				set[i] = true
			}
		default:
			n, err := strconv.Atoi(atom)
			if err != nil || n < min || n > max {
				return nil, fmt.Errorf("bad value %q", atom)
			}
			set[n] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	return set, nil
}
