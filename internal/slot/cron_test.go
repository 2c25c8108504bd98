package slot

import (
	"strings"
	"testing"
	"time"
)

func TestExpandCron(t *testing.T) {
	t.Parallel()
	week := Clock{Unit: time.Minute, Cycle: CycleWeek}
	day := Clock{Unit: time.Minute, Cycle: CycleDay}

	tests := []struct {
		name  string
		clock Clock
		expr  string
		want  []string
	}{
		{"weekly", week, "0 3 * * 1", []string{"Mon 03:00"}},
		{"weekdays", week, "30 22 * * 1-5", []string{"Mon 22:30", "Tue 22:30", "Wed 22:30", "Thu 22:30", "Fri 22:30"}},
		{"daily on day clock", day, "15 6,18 * * *", []string{"06:15", "18:15"}},
		{"descriptor", day, "@daily", []string{"00:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := tt.clock.ExpandCron(tt.expr)
			if err != nil {
				t.Fatalf("ExpandCron(%q) error = %v", tt.expr, err)
			}
			got := make([]string, 0, len(keys))
			for _, k := range keys {
				got = append(got, tt.clock.Format(k))
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("ExpandCron(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestExpandCronRejects(t *testing.T) {
	t.Parallel()
	week := Clock{Unit: time.Minute, Cycle: CycleWeek}
	hourly := Clock{Unit: 15 * time.Minute, Cycle: CycleDay}

	tests := []struct {
		name  string
		clock Clock
		expr  string
	}{
		{"syntax", week, "not a cron"},
		{"month restricted", week, "0 3 * 2 1"},
		{"unaligned", hourly, "5 * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.clock.ExpandCron(tt.expr); err == nil {
				t.Fatalf("ExpandCron(%q) = nil error, want error", tt.expr)
			}
		})
	}
}
