package scheduler

import (
	"time"

	"slotkeeper/internal/slot"
)

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTargetFailure
	OutcomeUnrecognized
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTargetFailure:
		return "target_failure"
	case OutcomeUnrecognized:
		return "unrecognized"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the explicit outcome of one task dispatch.
type Result struct {
	TaskID   string
	TargetID string
	Action   string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Rearm records the invocation issued at the end of a tick.
type Rearm struct {
	Key        slot.Key
	SleepUnits int
	Delay      time.Duration
	Err        error
	// Parked is set when the scheduler was disabled and no tick was armed.
	Parked bool
}

// Report is the batch outcome of one tick.
type Report struct {
	ID       string
	Expected slot.Key
	Actual   slot.Slot
	// HaveActual is false when the clock could not be read.
	HaveActual bool
	Drift      bool
	Skipped    bool
	Results    []Result
	Rearm      Rearm
	Err        error

	StartedAt time.Time
	Duration  time.Duration
}

// Counts tallies results by outcome.
func (r *Report) Counts() map[Outcome]int {
	out := map[Outcome]int{}
	if r == nil {
		return out
	}
	for _, res := range r.Results {
		out[res.Outcome]++
	}
	return out
}

// ReportView is the JSON form served by the ops endpoint and printed by the CLI.
type ReportView struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"started_at"`
	Duration  string       `json:"duration"`
	Expected  string       `json:"expected"`
	Actual    string       `json:"actual,omitempty"`
	Valid     bool         `json:"valid"`
	Drift     bool         `json:"drift"`
	Skipped   bool         `json:"skipped"`
	Results   []ResultView `json:"results"`
	Rearm     RearmView    `json:"rearm"`
	Error     string       `json:"error,omitempty"`
}

type ResultView struct {
	TaskID   string `json:"task_id"`
	TargetID string `json:"target_id"`
	Action   string `json:"action"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

type RearmView struct {
	Key        string `json:"key"`
	SleepUnits int    `json:"sleep_units"`
	Delay      string `json:"delay"`
	Error      string `json:"error,omitempty"`
	Parked     bool   `json:"parked,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// View renders r with keys formatted by clock.
func (r *Report) View(clock slot.Clock) ReportView {
	v := ReportView{
		ID:        r.ID,
		StartedAt: r.StartedAt,
		Duration:  r.Duration.String(),
		Expected:  clock.Format(r.Expected),
		Valid:     r.HaveActual && r.Actual.Valid,
		Drift:     r.Drift,
		Skipped:   r.Skipped,
		Results:   make([]ResultView, 0, len(r.Results)),
		Rearm: RearmView{
			Key:        clock.Format(r.Rearm.Key),
			SleepUnits: r.Rearm.SleepUnits,
			Delay:      r.Rearm.Delay.String(),
			Error:      errString(r.Rearm.Err),
			Parked:     r.Rearm.Parked,
		},
		Error: errString(r.Err),
	}
	if r.HaveActual {
		v.Actual = clock.Format(r.Actual.Snap)
	}
	for _, res := range r.Results {
		v.Results = append(v.Results, ResultView{
			TaskID:   res.TaskID,
			TargetID: res.TargetID,
			Action:   res.Action,
			Outcome:  res.Outcome.String(),
			Error:    errString(res.Err),
			Duration: res.Duration.String(),
		})
	}
	return v
}
