package systemdmanager

import (
	"errors"
	"testing"
	"time"
)

func TestUnitName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"nginx":           "nginx.service",
		" nginx.service ": "nginx.service",
		"backup.timer":    "backup.timer",
		"app.v2":          "app.v2.service",
		"":                "",
	}
	for in, want := range tests {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckJob(t *testing.T) {
	t.Parallel()
	if err := checkJob("a.service", "start", JobDone); err != nil {
		t.Fatalf("checkJob(done) = %v", err)
	}
	err := checkJob("a.service", "start", "failed")
	var je *JobError
	if !errors.As(err, &je) || je.Result != "failed" {
		t.Fatalf("checkJob(failed) = %v", err)
	}
}

func TestProps(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 8, 3, 0, 0, 0, time.UTC)
	props := map[string]interface{}{
		"ActiveState":          "active",
		"StateChangeTimestamp": uint64(at.UnixMicro()),
		"Zero":                 uint64(0),
	}
	if got := stringProp(props, "ActiveState"); got != "active" {
		t.Fatalf("stringProp = %q", got)
	}
	if got := timestampProp(props, "StateChangeTimestamp"); !got.Equal(at) {
		t.Fatalf("timestampProp = %v, want %v", got, at)
	}
	if got := timestampProp(props, "Zero"); !got.IsZero() {
		t.Fatalf("zero timestamp = %v", got)
	}
	if !isNoSuchUnitErr(errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit x not found")) {
		t.Fatalf("NoSuchUnit not detected")
	}
}
