package schedule

import (
	"fmt"
	"time"
)

// Scheduler expands a schedule into concrete task occurrences for one
// participant. Implementations are pure: they read only the schedule and the
// context, and are safe to run concurrently across plans.
//
// Errors are reserved for internal-invariant violations (a malformed trigger
// that slipped past authoring validation); an absent anchor event or an empty
// window yields an empty list, not an error.
type Scheduler interface {
	GetTasks(planGUID string, ctx Context) ([]Task, error)
}

// anchorTime resolves the instant a schedule's clock starts from: the named
// anchor event plus the schedule's delay. ok is false when the participant
// has not experienced the event yet.
func anchorTime(s Schedule, ctx Context) (anchor time.Time, ok bool, err error) {
	event, ok := ctx.Event(s.eventID())
	if !ok {
		return time.Time{}, false, nil
	}
	if s.Delay != "" {
		event, err = addPeriodString(event, s.Delay, ctx.Zone())
		if err != nil {
			return time.Time{}, false, fmt.Errorf("delay: %w", err)
		}
	}
	return event, true, nil
}

// tasksForTime emits one candidate task per activity at the given instant,
// applying the schedule's own bounds clipping. Comparisons happen on the
// absolute instant; the stored time keeps the context zone for display.
func tasksForTime(s Schedule, planGUID string, ctx Context, at time.Time, tasks []Task) ([]Task, error) {
	if !s.inBounds(at) || !at.Before(ctx.EndsOn()) {
		return tasks, nil
	}
	var expiresOn *time.Time
	if s.Expires != "" {
		exp, err := addPeriodString(at, s.Expires, ctx.Zone())
		if err != nil {
			return nil, fmt.Errorf("expires: %w", err)
		}
		expiresOn = &exp
	}
	for i, activity := range s.Activities {
		tasks = append(tasks, Task{
			HealthCode:    ctx.HealthCode(),
			PlanGUID:      planGUID,
			ScheduledOn:   at.In(ctx.Zone()),
			ExpiresOn:     expiresOn,
			Activity:      activity,
			ActivityOrder: i,
		})
	}
	return tasks, nil
}

// trimTasks drops occurrences that have already lapsed: anything whose
// computed expiry is at or before the generation instant is never surfaced
// as new. Occurrences without an expiry are kept.
func trimTasks(tasks []Task, now time.Time) []Task {
	trimmed := tasks[:0]
	for _, t := range tasks {
		if t.ExpiresOn != nil && !t.ExpiresOn.After(now) {
			continue
		}
		trimmed = append(trimmed, t)
	}
	return trimmed
}
