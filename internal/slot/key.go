package slot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdayShort = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Format renders k the way operators write it: "Mon 03:00" for weekly
// clocks, "03:00" for daily ones and ":05" for hourly ones. Seconds are
// appended when the unit is not a whole minute.
func (c Clock) Format(k Key) string {
	pos := time.Duration(c.wrap(int(k))) * c.unit()
	withSec := c.unit()%time.Minute != 0

	day := int(pos / (24 * time.Hour))
	pos -= time.Duration(day) * 24 * time.Hour
	h := int(pos / time.Hour)
	pos -= time.Duration(h) * time.Hour
	m := int(pos / time.Minute)
	pos -= time.Duration(m) * time.Minute
	s := int(pos / time.Second)

	var b strings.Builder
	switch c.cycle() {
	case CycleWeek:
		b.WriteString(weekdayShort[day%7])
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%02d:%02d", h, m)
	case CycleDay:
		fmt.Fprintf(&b, "%02d:%02d", h, m)
	case CycleHour:
		fmt.Fprintf(&b, ":%02d", m)
	}
	if withSec {
		fmt.Fprintf(&b, ":%02d", s)
	}
	return b.String()
}

// ParseKey is the inverse of Format. A bare integer is accepted as a raw key.
func (c Clock) ParseKey(s string) (Key, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("slot: empty key")
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 || n >= c.Len() {
			return 0, fmt.Errorf("slot: key %d out of range [0,%d)", n, c.Len())
		}
		return Key(n), nil
	}

	var pos time.Duration
	clock := raw
	switch c.cycle() {
	case CycleWeek:
		day, rest, ok := strings.Cut(raw, " ")
		if !ok {
			return 0, fmt.Errorf("slot: key %q: want \"Mon 03:00\"", s)
		}
		d, err := parseWeekday(day)
		if err != nil {
			return 0, err
		}
		pos = time.Duration(d) * 24 * time.Hour
		clock = strings.TrimSpace(rest)
	case CycleHour:
		if !strings.HasPrefix(clock, ":") {
			return 0, fmt.Errorf("slot: key %q: want \":05\"", s)
		}
		clock = "00" + clock
	}

	d, err := parseClock(clock)
	if err != nil {
		return 0, fmt.Errorf("slot: key %q: %w", s, err)
	}
	pos += d
	if pos%c.unit() != 0 {
		return 0, fmt.Errorf("slot: key %q is not aligned to %s", s, c.unit())
	}
	return c.wrap(int(pos / c.unit())), nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		for i, name := range weekdayShort {
			if strings.HasPrefix(strings.ToLower(time.Weekday(i).String()), s) && strings.HasPrefix(s, strings.ToLower(name)) {
				return time.Weekday(i), nil
			}
		}
	}
	return 0, fmt.Errorf("slot: unknown weekday %q", s)
}

// parseClock parses HH:MM or HH:MM:SS.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("want HH:MM[:SS]")
	}
	limits := []int{24, 60, 60}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= limits[i] {
			return 0, fmt.Errorf("bad field %q", p)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}
