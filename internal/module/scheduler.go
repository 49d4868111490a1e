package module

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// TimerHandler is a scheduled callback. Spec is one of:
//
//	minute
//	5_minutes | 10_minutes | 15_minutes | 30_minutes
//	hour
//	H_M          (specific time of day, e.g. "0_0" for midnight)
type TimerHandler struct {
	Spec string
	Fn   func(now time.Time)
}

// Scheduled is implemented by modules that want timer callbacks.
type Scheduled interface {
	TimerHandlers() []TimerHandler
}

type timerSpec struct {
	everyMinutes int
	hourly       bool
	atHour       int
	atMinute     int
	daily        bool
}

func parseTimerSpec(spec string) (timerSpec, error) {
	switch spec {
	case "minute":
		return timerSpec{everyMinutes: 1}, nil
	case "5_minutes":
		return timerSpec{everyMinutes: 5}, nil
	case "10_minutes":
		return timerSpec{everyMinutes: 10}, nil
	case "15_minutes":
		return timerSpec{everyMinutes: 15}, nil
	case "30_minutes":
		return timerSpec{everyMinutes: 30}, nil
	case "hour":
		return timerSpec{hourly: true}, nil
	}
	h, m, ok := strings.Cut(spec, "_")
	if ok {
		hour, herr := strconv.Atoi(h)
		minute, merr := strconv.Atoi(m)
		if herr == nil && merr == nil &&
			hour >= 0 && hour < 24 && minute >= 0 && minute < 60 {
			return timerSpec{daily: true, atHour: hour, atMinute: minute}, nil
		}
	}
	return timerSpec{}, fmt.Errorf("invalid timer spec %q", spec)
}

func (s timerSpec) applies(now time.Time) bool {
	switch {
	case s.daily:
		return now.Hour() == s.atHour && now.Minute() == s.atMinute
	case s.hourly:
		return now.Minute() == 0
	case s.everyMinutes == 1:
		return true
	default:
		return now.Minute()%s.everyMinutes == 0
	}
}

type schedulerEntry struct {
	owner string
	spec  timerSpec
	fn    func(now time.Time)
}

// Scheduler drives the minute-boundary clock for an engine. Handlers run
// in registration order; a tick is idempotent within a wall-clock minute.
type Scheduler struct {
	logger  *slog.Logger
	entries []schedulerEntry
	last    time.Time
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a callback under a timer spec.
func (s *Scheduler) Add(owner, spec string, fn func(now time.Time)) error {
	parsed, err := parseTimerSpec(spec)
	if err != nil {
		return fmt.Errorf("%s: %w", owner, err)
	}
	s.entries = append(s.entries, schedulerEntry{owner: owner, spec: parsed, fn: fn})
	return nil
}

// Tick advances the clock. It reports whether a minute boundary was
// processed; a second call within the same minute is a no-op.
func (s *Scheduler) Tick(now time.Time) bool {
	minute := now.Truncate(time.Minute)
	if !minute.After(s.last) {
		return false
	}
	s.last = minute
	for _, e := range s.entries {
		if e.spec.applies(minute) {
			e.fn(minute)
		}
	}
	return true
}

// CountOverTime counts occurrences per identifier inside a sliding window.
// The backing map belongs to a module store so counts survive restarts.
type CountOverTime struct {
	window time.Duration
	store  map[string][]time.Time
}

func NewCountOverTime(windowSeconds int, store map[string][]time.Time) *CountOverTime {
	return &CountOverTime{window: time.Duration(windowSeconds) * time.Second, store: store}
}

// Add records an occurrence and returns how many fall inside the window
// ending at that instant.
func (c *CountOverTime) Add(identifier string, at time.Time) int {
	earliest := at.Add(-c.window)
	kept := c.store[identifier][:0:0]
	for _, t := range c.store[identifier] {
		if !t.Before(earliest) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	c.store[identifier] = kept
	return len(kept)
}

// Clear forgets all occurrences for an identifier.
func (c *CountOverTime) Clear(identifier string) {
	delete(c.store, identifier)
}
