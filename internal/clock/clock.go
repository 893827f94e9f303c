// Package clock provides the time source the board selects presentations
// with: the wall clock, or a test clock that only moves when told to.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real returns a Clock backed by time.Now, reported in loc.
func Real(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return realClock{loc: loc}
}

type realClock struct{ loc *time.Location }

func (c realClock) Now() time.Time { return time.Now().In(c.loc) }

const day = 24 * time.Hour

// Step sizes for manual test clock adjustment.
const (
	SmallStep = 5 * time.Minute
	LargeStep = 30 * time.Minute
)

// TestClock synthesizes "now" from a conference start date, a day offset
// and a time of day. It is safe for concurrent use.
type TestClock struct {
	mu        sync.Mutex
	start     time.Time // midnight of the first conference day
	day       int
	timeOfDay time.Duration
}

// NewTestClock returns a TestClock at start's calendar date plus dayOffset
// days, at timeOfDay.
func NewTestClock(start time.Time, dayOffset int, timeOfDay time.Duration) *TestClock {
	c := &TestClock{
		start: time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location()),
		day:   dayOffset,
	}
	c.timeOfDay = timeOfDay
	c.normalize()
	return c
}

// Now implements Clock.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.start.AddDate(0, 0, c.day)
	return d.Add(c.timeOfDay)
}

// Step moves the clock by d, which may be negative. Crossing midnight in
// either direction changes the day offset.
func (c *TestClock) Step(d time.Duration) time.Time {
	c.mu.Lock()
	c.timeOfDay += d
	c.normalize()
	c.mu.Unlock()
	return c.Now()
}

func (c *TestClock) normalize() {
	for c.timeOfDay < 0 {
		c.timeOfDay += day
		c.day--
	}
	for c.timeOfDay >= day {
		c.timeOfDay -= day
		c.day++
	}
}

func (c *TestClock) Forward5() time.Time  { return c.Step(SmallStep) }
func (c *TestClock) Back5() time.Time     { return c.Step(-SmallStep) }
func (c *TestClock) Forward30() time.Time { return c.Step(LargeStep) }
func (c *TestClock) Back30() time.Time    { return c.Step(-LargeStep) }

// Day returns the day offset from the start date.
func (c *TestClock) Day() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.day
}

// TimeOfDay returns the time since midnight.
func (c *TestClock) TimeOfDay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeOfDay
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("clock: invalid time of day %q", s)
}

// Mode selects the time source of a Switchable.
type Mode string

const (
	ModeReal Mode = "real"
	ModeTest Mode = "test"
)

// Switchable delegates to either the real or the test clock.
type Switchable struct {
	mu   sync.RWMutex
	mode Mode
	real Clock
	test *TestClock
}

// NewSwitchable returns a Switchable in the given mode. Unknown modes fall
// back to ModeReal.
func NewSwitchable(real Clock, test *TestClock, mode Mode) *Switchable {
	s := &Switchable{real: real, test: test}
	s.SetMode(mode)
	return s
}

// Now implements Clock.
func (s *Switchable) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode == ModeTest {
		return s.test.Now()
	}
	return s.real.Now()
}

func (s *Switchable) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches the time source. Test mode needs a test clock.
func (s *Switchable) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m == ModeTest && s.test != nil {
		s.mode = ModeTest
		return
	}
	s.mode = ModeReal
}

// Toggle flips between real and test mode and returns the new mode.
func (s *Switchable) Toggle() Mode {
	if s.Mode() == ModeTest {
		s.SetMode(ModeReal)
	} else {
		s.SetMode(ModeTest)
	}
	return s.Mode()
}

// Test returns the test clock, which may be nil.
func (s *Switchable) Test() *TestClock { return s.test }
