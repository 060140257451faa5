package flow

import (
	"log/slog"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// IsOpen reports whether a flow may start a session at the given instant.
//
// A nil or disabled schedule, or one with no windows, is always open. The
// instant is converted to the schedule's timezone before deriving the weekday
// (0=Sunday) and minute of day; a window matches when its day list contains
// the weekday and the minute falls within [start, end] inclusive. Windows
// with start later than end never match (they are rejected at authoring time,
// see models.Schedule.Validate).
func IsOpen(s *models.Schedule, now time.Time) bool {
	if s == nil || !s.Enabled || len(s.Windows) == 0 {
		return true
	}

	local := now
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			slog.Warn("flow.IsOpen: unknown schedule timezone, evaluating in server time", "timezone", s.Timezone, "error", err)
		} else {
			local = now.In(loc)
		}
	}

	weekday := int(local.Weekday())
	minute := local.Hour()*60 + local.Minute()

	for _, w := range s.Windows {
		if !containsDay(w.Days, weekday) {
			continue
		}
		start, err := models.ParseMinuteOfDay(w.Start)
		if err != nil {
			slog.Warn("flow.IsOpen: invalid window start, skipping window", "start", w.Start, "error", err)
			continue
		}
		end, err := models.ParseMinuteOfDay(w.End)
		if err != nil {
			slog.Warn("flow.IsOpen: invalid window end, skipping window", "end", w.End, "error", err)
			continue
		}
		if minute >= start && minute <= end {
			return true
		}
	}
	return false
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
