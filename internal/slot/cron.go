package slot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Reference cycles used for expansion. Both start on a Sunday at midnight UTC
// so week, day and hour cycles all begin on them.
var (
	cronRefA = time.Date(2024, time.January, 7, 0, 0, 0, 0, time.UTC)
	cronRefB = time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)
)

// ExpandCron returns the keys at which a standard 5-field cron expression
// fires within one cycle. Expressions that do not repeat every cycle (day of
// month or month restrictions on a weekly clock, for example) are rejected.
func (c Clock) ExpandCron(expr string) ([]Key, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("slot: cron %q: %w", expr, err)
	}

	utc := c
	utc.Location = time.UTC

	a, err := utc.expandFrom(sched, cronRefA)
	if err != nil {
		return nil, fmt.Errorf("slot: cron %q: %w", expr, err)
	}
	b, err := utc.expandFrom(sched, cronRefB)
	if err != nil {
		return nil, fmt.Errorf("slot: cron %q: %w", expr, err)
	}
	if len(a) == 0 {
		return nil, fmt.Errorf("slot: cron %q never fires within a %s", expr, c.cycle())
	}
	if !equalKeys(a, b) {
		return nil, fmt.Errorf("slot: cron %q does not repeat every %s", expr, c.cycle())
	}
	return a, nil
}

func (c Clock) expandFrom(sched cron.Schedule, start time.Time) ([]Key, error) {
	end := start.Add(c.cycle().Duration())
	seen := map[Key]struct{}{}
	out := make([]Key, 0, 8)
	t := start.Add(-time.Nanosecond)
	for i := 0; i <= c.Len(); i++ {
		t = sched.Next(t)
		if t.IsZero() || !t.Before(end) {
			break
		}
		if c.position(t)%c.unit() != 0 {
			return nil, fmt.Errorf("fires at %s which is not aligned to %s", t.Format("Mon 15:04"), c.unit())
		}
		k := c.keyAt(t)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func equalKeys(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
