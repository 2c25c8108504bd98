package slot

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cycle is the period after which keys repeat.
type Cycle int

const (
	CycleHour Cycle = iota + 1
	CycleDay
	CycleWeek
)

func (c Cycle) String() string {
	switch c {
	case CycleHour:
		return "hour"
	case CycleDay:
		return "day"
	case CycleWeek:
		return "week"
	default:
		return fmt.Sprintf("cycle(%d)", int(c))
	}
}

// Duration is the nominal length of the cycle (DST ignored).
func (c Cycle) Duration() time.Duration {
	switch c {
	case CycleHour:
		return time.Hour
	case CycleDay:
		return 24 * time.Hour
	case CycleWeek:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseCycle accepts "hour", "day" or "week" (empty means week).
func ParseCycle(s string) (Cycle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "week", "weekly":
		return CycleWeek, nil
	case "day", "daily":
		return CycleDay, nil
	case "hour", "hourly":
		return CycleHour, nil
	default:
		return 0, fmt.Errorf("slot: unknown cycle %q", s)
	}
}

// Key identifies a recurring slot: the boundary index inside one cycle.
type Key int

// Slot is one observation of the clock.
//
// Value is the instant the slot was derived from. At is the grid boundary
// Snap refers to. For a valid slot that is the nearest boundary; for an
// invalid one it is the start of the bucket containing Value.
type Slot struct {
	Value time.Time
	At    time.Time
	Snap  Key
	Valid bool

	// Next is the slot the loop should run at after this one.
	NextSnap Key
	NextAt   time.Time
}

var ErrInvalidClock = errors.New("slot: invalid clock")

const (
	DefaultUnit      = time.Minute
	DefaultTolerance = 10 * time.Second
)

// Clock computes slots from wall-clock time.
//
// The zero value is a minute-of-week clock in the local zone.
type Clock struct {
	Unit      time.Duration
	Cycle     Cycle
	Location  *time.Location
	Tolerance time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c Clock) unit() time.Duration {
	if c.Unit <= 0 {
		return DefaultUnit
	}
	return c.Unit
}

func (c Clock) cycle() Cycle {
	if c.Cycle == 0 {
		return CycleWeek
	}
	return c.Cycle
}

func (c Clock) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

func (c Clock) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Validate reports whether the unit tiles the cycle on whole seconds.
func (c Clock) Validate() error {
	u := c.unit()
	cy := c.cycle()
	if cy.Duration() == 0 {
		return fmt.Errorf("%w: unknown cycle %d", ErrInvalidClock, int(cy))
	}
	if u < time.Second || u%time.Second != 0 {
		return fmt.Errorf("%w: unit %s must be a whole number of seconds", ErrInvalidClock, u)
	}
	span := cy.Duration()
	if cy == CycleWeek {
		// Week keys are built from day positions, so the unit must tile a day.
		span = 24 * time.Hour
	}
	if span%u != 0 {
		return fmt.Errorf("%w: unit %s does not divide %s", ErrInvalidClock, u, span)
	}
	if c.Tolerance < 0 || 2*c.Tolerance >= u {
		return fmt.Errorf("%w: tolerance %s must be in [0, unit/2)", ErrInvalidClock, c.Tolerance)
	}
	return nil
}

// Read returns the clock's current wall time.
func (c Clock) Read() time.Time { return c.now().In(c.loc()) }

// Step is the effective quantization unit.
func (c Clock) Step() time.Duration { return c.unit() }

// Len is the number of slots in one cycle.
func (c Clock) Len() int {
	return int(c.cycle().Duration() / c.unit())
}

// Current returns the slot for the current wall-clock time.
func (c Clock) Current() (Slot, error) {
	return c.At(c.now())
}

// At returns the slot observed at t.
func (c Clock) At(t time.Time) (Slot, error) {
	if err := c.Validate(); err != nil {
		return Slot{}, err
	}
	if t.IsZero() {
		return Slot{}, fmt.Errorf("%w: zero time", ErrInvalidClock)
	}
	u := c.unit()
	t = t.In(c.loc())

	pos := c.position(t)
	off := pos % u
	floor := pos - off
	nearest := floor
	if 2*off >= u {
		nearest = floor + u
	}
	boundary := t.Add(nearest - pos)

	s := Slot{Value: t}
	if absDur(t.Sub(boundary)) <= c.Tolerance && offsetStable(boundary, u) {
		s.Valid = true
		s.At = boundary
		s.Snap = c.wrap(int(nearest / u))
	} else {
		s.At = t.Add(-off)
		s.Snap = c.wrap(int(floor / u))
	}
	s.NextAt = s.At.Add(u)
	s.NextSnap = c.keyAt(s.NextAt)
	return s, nil
}

// KeyAt returns the key of the boundary nearest to t, ignoring validity.
func (c Clock) KeyAt(t time.Time) Key {
	return c.keyAt(t.In(c.loc()))
}

func (c Clock) keyAt(t time.Time) Key {
	u := c.unit()
	pos := c.position(t)
	off := pos % u
	n := pos - off
	if 2*off >= u {
		n += u
	}
	return c.wrap(int(n / u))
}

// position is the wall-clock offset of t from the start of its cycle.
func (c Clock) position(t time.Time) time.Duration {
	h, m, s := t.Clock()
	d := time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
	switch c.cycle() {
	case CycleDay:
		d += time.Duration(h) * time.Hour
	case CycleWeek:
		d += time.Duration(h)*time.Hour + time.Duration(t.Weekday())*24*time.Hour
	}
	return d
}

func (c Clock) wrap(i int) Key {
	return Key(mod(i, c.Len()))
}

// Diff is the signed cyclic distance a-b in units, normalized to the
// half-open range (-n/2, n/2]. Diff(a, b) == -Diff(b, a) always holds.
func (c Clock) Diff(a, b Key) int {
	n := c.Len()
	d := mod(int(a)-int(b), n)
	if 2*d > n || (2*d == n && a > b) {
		d -= n
	}
	return d
}

// Mod maps a unit count into [0, Len()).
func (c Clock) Mod(d int) int {
	return mod(d, c.Len())
}

// SleepUnits is the number of units between s and its successor.
func (c Clock) SleepUnits(s Slot) int {
	return c.Mod(c.Diff(s.NextSnap, s.Snap))
}

// Delay is how long to wait from now until s.NextAt, plus settle.
func (c Clock) Delay(s Slot, now time.Time, settle time.Duration) time.Duration {
	d := s.NextAt.Sub(now) + settle
	if d < 0 {
		return 0
	}
	return d
}

func offsetStable(boundary time.Time, unit time.Duration) bool {
	_, cur := boundary.Zone()
	_, prev := boundary.Add(-unit).Zone()
	return cur == prev
}

func mod(a, n int) int {
	if n <= 0 {
		return 0
	}
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
