// Package models defines operating-hours schedules for FlowDesk flows.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Error variables for schedule validation.
var (
	ErrInvalidScheduleTimezone = errors.New("invalid schedule timezone")
	ErrInvalidScheduleDay      = errors.New("schedule window day must be 0 (Sunday) through 6 (Saturday)")
	ErrInvalidScheduleTime     = errors.New("schedule window time must be in HH:MM format")
	ErrInvalidScheduleWindow   = errors.New("schedule window end must not be earlier than start")
)

// ScheduleWindow is one weekly operating-hours window. Days use 0=Sunday
// through 6=Saturday; Start and End are "HH:MM" in the schedule's timezone,
// inclusive on both ends.
type ScheduleWindow struct {
	Days  []int  `json:"days"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// Schedule restricts when a flow may start a session. A disabled schedule or
// one with no windows is always within operating hours.
type Schedule struct {
	Enabled         bool             `json:"enabled"`
	Timezone        string           `json:"timezone,omitempty"`
	Windows         []ScheduleWindow `json:"windows,omitempty"`
	FallbackMessage string           `json:"fallback_message,omitempty"`
}

// Validate checks the schedule at authoring time. Windows that cross midnight
// (start later than end) are rejected here rather than silently never opening.
func (s *Schedule) Validate() error {
	if s == nil {
		return nil
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidScheduleTimezone, s.Timezone)
		}
	}
	for i, w := range s.Windows {
		for _, d := range w.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("window %d: %w (got %d)", i, ErrInvalidScheduleDay, d)
			}
		}
		start, err := ParseMinuteOfDay(w.Start)
		if err != nil {
			return fmt.Errorf("window %d start: %w", i, err)
		}
		end, err := ParseMinuteOfDay(w.End)
		if err != nil {
			return fmt.Errorf("window %d end: %w", i, err)
		}
		if end < start {
			return fmt.Errorf("window %d: %w (%s > %s)", i, ErrInvalidScheduleWindow, w.Start, w.End)
		}
	}
	return nil
}

// ParseMinuteOfDay parses an "HH:MM" string into minutes since midnight.
func ParseMinuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidScheduleTime, hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}
