package schedule

import (
	"fmt"
	"time"
)

// intervalScheduler expands schedules that describe their timing with an
// interval, times of day and/or a delay. It also covers one-time,
// event-triggered schedules that have no recurring interval at all.
type intervalScheduler struct {
	schedule Schedule
}

func (s intervalScheduler) GetTasks(planGUID string, ctx Context) ([]Task, error) {
	var tasks []Task
	step, ok, err := anchorTime(s.schedule, ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var interval func(time.Time) (time.Time, error)
	if s.schedule.Interval != "" {
		d, err := parsePeriod(s.schedule.Interval)
		if err != nil {
			return nil, fmt.Errorf("interval: %w", err)
		}
		zone := ctx.Zone()
		interval = func(t time.Time) (time.Time, error) { return addPeriod(t, d, zone), nil }
	}
	for step.Before(ctx.EndsOn()) {
		tasks, err = s.addTasksForEachTime(planGUID, ctx, step, tasks)
		if err != nil {
			return nil, err
		}
		// A one-time schedule with no interval; don't loop.
		if interval == nil {
			break
		}
		if step, err = interval(step); err != nil {
			return nil, err
		}
	}
	return trimTasks(tasks, ctx.Now()), nil
}

// addTasksForEachTime emits one occurrence per declared time of day on the
// step's local date, in declaration order. A schedule without times of day
// fires at the step instant itself.
func (s intervalScheduler) addTasksForEachTime(planGUID string, ctx Context, step time.Time, tasks []Task) ([]Task, error) {
	if len(s.schedule.TimesOfDay) == 0 {
		return tasksForTime(s.schedule, planGUID, ctx, step, tasks)
	}
	local := step.In(ctx.Zone())
	year, month, day := local.Date()
	var err error
	for _, tod := range s.schedule.TimesOfDay {
		hour, minute, perr := parseTimeOfDay(tod)
		if perr != nil {
			return nil, perr
		}
		at := time.Date(year, month, day, hour, minute, 0, 0, ctx.Zone())
		if tasks, err = tasksForTime(s.schedule, planGUID, ctx, at, tasks); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}
