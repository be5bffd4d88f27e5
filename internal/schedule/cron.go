package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts five or six fields (optional leading seconds), names and
// ranges for months/days, and `?` for the day-of-month/day-of-week fields.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// parseCronTrigger parses a Unix-cron-like trigger expression. Seven-field
// expressions carry a trailing year field ("0 15 9 ? * WED,SAT *") that no
// observed schedule constrains; it is dropped before parsing.
func parseCronTrigger(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) == 7 {
		fields = fields[:6]
	}
	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// cronScheduler expands schedules whose fire instants come from a cron
// expression, evaluated in the context's time zone. The search starts at the
// anchor instant (inclusive) and stops at the window end (exclusive).
type cronScheduler struct {
	schedule Schedule
}

func (s cronScheduler) GetTasks(planGUID string, ctx Context) ([]Task, error) {
	anchor, ok, err := anchorTime(s.schedule, ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	sched, err := parseCronTrigger(s.schedule.CronTrigger)
	if err != nil {
		return nil, err
	}
	if spec, specOK := sched.(*cron.SpecSchedule); specOK {
		// The parser pins schedules to the process-local zone; fire instants
		// must be computed in the participant's zone instead.
		clone := *spec
		clone.Location = ctx.Zone()
		sched = &clone
	}
	var tasks []Task
	// Next is exclusive of its argument; back up so an anchor that is itself
	// a fire instant is included.
	cursor := anchor.Add(-time.Second)
	for {
		fire := sched.Next(cursor)
		if fire.IsZero() || !fire.Before(ctx.EndsOn()) {
			break
		}
		if tasks, err = tasksForTime(s.schedule, planGUID, ctx, fire, tasks); err != nil {
			return nil, err
		}
		// A one-time schedule takes only the first fire instant, clipped by
		// the schedule bounds; later fires never qualify.
		if s.schedule.ScheduleType == Once {
			break
		}
		cursor = fire
	}
	return trimTasks(tasks, ctx.Now()), nil
}
