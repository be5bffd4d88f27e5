package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type says whether a schedule fires once or keeps recurring.
type Type string

const (
	Once      Type = "once"
	Recurring Type = "recurring"
)

// DefaultEventID anchors schedules that do not name an event.
const DefaultEventID = "enrollment"

// Schedule describes when and what to prompt a participant to do. It is
// configuration, not state: the generators never mutate it.
//
// Exactly one trigger form is set: either CronTrigger, or the
// Interval/Delay/TimesOfDay group. Interval, Delay and Expires are ISO-8601
// period strings ("P1D", "PT10H"). TimesOfDay entries are 24-hour local clock
// strings ("10:00").
type Schedule struct {
	Label       string     `json:"label,omitempty"`
	ScheduleType Type      `json:"schedule_type" enum:"once,recurring"`
	EventID     string     `json:"event_id,omitempty"`
	CronTrigger string     `json:"cron_trigger,omitempty"`
	Interval    string     `json:"interval,omitempty"`
	Delay       string     `json:"delay,omitempty"`
	Expires     string     `json:"expires,omitempty"`
	TimesOfDay  []string   `json:"times_of_day,omitempty"`
	StartsOn    *time.Time `json:"starts_on,omitempty"`
	EndsOn      *time.Time `json:"ends_on,omitempty"`
	Activities  []Activity `json:"activities"`
}

// Scheduler returns the generator for this schedule's trigger kind.
func (s Schedule) Scheduler() Scheduler {
	if s.CronTrigger != "" {
		return cronScheduler{schedule: s}
	}
	return intervalScheduler{schedule: s}
}

// Validate applies the structural checks enforced at plan authoring/import
// time. The generators assume a schedule that passed these checks.
func (s Schedule) Validate() error {
	if s.ScheduleType != Once && s.ScheduleType != Recurring {
		return fmt.Errorf("schedule_type must be once or recurring")
	}
	if len(s.Activities) == 0 {
		return fmt.Errorf("schedule requires at least one activity")
	}
	for i, a := range s.Activities {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("activity %d: %w", i, err)
		}
	}
	hasCron := s.CronTrigger != ""
	hasInterval := s.Interval != "" || len(s.TimesOfDay) > 0
	if hasCron && hasInterval {
		return fmt.Errorf("schedule cannot declare both a cron trigger and interval/times_of_day")
	}
	if !hasCron && !hasInterval && s.Delay == "" {
		return fmt.Errorf("schedule requires a cron trigger, an interval, times_of_day or a delay")
	}
	if hasCron {
		if _, err := parseCronTrigger(s.CronTrigger); err != nil {
			return fmt.Errorf("cron_trigger: %w", err)
		}
	}
	for _, field := range []struct{ name, value string }{
		{"interval", s.Interval}, {"delay", s.Delay}, {"expires", s.Expires},
	} {
		if field.value == "" {
			continue
		}
		if _, err := parsePeriod(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	for _, tod := range s.TimesOfDay {
		if _, _, err := parseTimeOfDay(tod); err != nil {
			return err
		}
	}
	if s.StartsOn != nil && s.EndsOn != nil && !s.StartsOn.Before(*s.EndsOn) {
		return fmt.Errorf("starts_on must be before ends_on")
	}
	return nil
}

func (s Schedule) eventID() string {
	if s.EventID == "" {
		return DefaultEventID
	}
	return s.EventID
}

// inBounds applies the schedule's own starts_on/ends_on clipping. The lower
// bound is inclusive, the upper exclusive, on absolute instants.
func (s Schedule) inBounds(t time.Time) bool {
	if s.StartsOn != nil && t.Before(*s.StartsOn) {
		return false
	}
	if s.EndsOn != nil && !t.Before(*s.EndsOn) {
		return false
	}
	return true
}

// parseTimeOfDay parses a 24-hour "HH:MM" local clock string.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	return hour, minute, nil
}
