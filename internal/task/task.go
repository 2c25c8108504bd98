// Package task holds the recurring task model shared by the store and the
// scheduler loop.
package task

import (
	"strings"

	"slotkeeper/internal/slot"
)

// ActionKind is the closed set of lifecycle actions.
type ActionKind int

const (
	ActionUnrecognized ActionKind = iota
	ActionStart
	ActionStop
)

func (k ActionKind) String() string {
	switch k {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	default:
		return "unrecognized"
	}
}

// Action is resolved once at the store boundary. Raw keeps the stored
// value so unrecognized actions can be reported verbatim.
type Action struct {
	Kind ActionKind
	Raw  string
}

var (
	Start = Action{Kind: ActionStart, Raw: "start"}
	Stop  = Action{Kind: ActionStop, Raw: "stop"}
)

// ParseAction never fails: anything outside start/stop becomes an
// ActionUnrecognized carrying the raw value.
func ParseAction(raw string) Action {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "start":
		return Action{Kind: ActionStart, Raw: raw}
	case "stop":
		return Action{Kind: ActionStop, Raw: raw}
	default:
		return Action{Kind: ActionUnrecognized, Raw: raw}
	}
}

func (a Action) String() string {
	if a.Raw != "" {
		return a.Raw
	}
	return a.Kind.String()
}

// Task is a recurring schedule entry. It fires every time the clock reaches
// Snap and is never consumed by the scheduler.
type Task struct {
	ID       string
	Snap     slot.Key
	Action   Action
	TargetID string
}
