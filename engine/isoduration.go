package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ISO-8601 duration/cycle parsing for timer elements (§6). No pack repo
// ground-truths a duration library with visible usage code, so this stays
// on the standard library (regexp/strconv/time); see DESIGN.md for the
// justification.

var durationPattern = regexp.MustCompile(
	`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`,
)

var cyclePattern = regexp.MustCompile(`^R(\d*)/(.+)$`)

// ParseISODuration parses the "P[n]DT[n]H[n]M[n]S" subset (days, hours,
// minutes, seconds; weeks/months/years are not part of the supported
// subset).
func ParseISODuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("engine: %q is not a supported ISO-8601 duration", s)
	}
	if s == "P" {
		return 0, fmt.Errorf("engine: %q is not a supported ISO-8601 duration", s)
	}
	var total time.Duration
	if m[1] != "" {
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * 24 * time.Hour
	}
	if m[2] != "" {
		n, _ := strconv.Atoi(m[2])
		total += time.Duration(n) * time.Hour
	}
	if m[3] != "" {
		n, _ := strconv.Atoi(m[3])
		total += time.Duration(n) * time.Minute
	}
	if m[4] != "" {
		n, _ := strconv.Atoi(m[4])
		total += time.Duration(n) * time.Second
	}
	return total, nil
}

// TimerSpec is the resolved form of a timer element's Properties, covering
// all three supported shapes: a fixed duration, an absolute instant, or a
// repeating cycle.
type TimerSpec struct {
	// Repeat is the number of recurrences for a cycle timer; -1 means
	// unbounded (R/<duration>, no count given).
	Repeat   int
	Interval time.Duration
	At       time.Time // absolute instant, when a timerDate property is set
	IsCycle  bool
	IsDate   bool
}

// ParseTimerProperties resolves the timerDate, timerCycle or timerDuration
// element property (checked in that order) into a TimerSpec. timerType is
// not read.
func ParseTimerProperties(props map[string]string) (TimerSpec, error) {
	if v := props["timerDate"]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return TimerSpec{}, fmt.Errorf("engine: invalid timerDate %q: %w", v, err)
		}
		return TimerSpec{At: t, IsDate: true}, nil
	}
	if v := props["timerCycle"]; v != "" {
		m := cyclePattern.FindStringSubmatch(v)
		if m == nil {
			return TimerSpec{}, fmt.Errorf("engine: invalid timerCycle %q", v)
		}
		repeat := -1
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return TimerSpec{}, fmt.Errorf("engine: invalid timerCycle repeat count %q", m[1])
			}
			repeat = n
		}
		dur, err := ParseISODuration(m[2])
		if err != nil {
			return TimerSpec{}, err
		}
		return TimerSpec{Repeat: repeat, Interval: dur, IsCycle: true}, nil
	}
	if v := props["timerDuration"]; v != "" {
		dur, err := ParseISODuration(v)
		if err != nil {
			return TimerSpec{}, err
		}
		return TimerSpec{Interval: dur}, nil
	}
	return TimerSpec{}, fmt.Errorf("engine: element has no timerDuration/timerDate/timerCycle property")
}

// DueAt resolves the next deadline given an activation time.
func (t TimerSpec) DueAt(activatedAt time.Time) time.Time {
	if t.IsDate {
		return t.At
	}
	return activatedAt.Add(t.Interval)
}
