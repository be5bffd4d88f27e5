package schedule_test

import (
	"testing"
	"time"

	"studyline/internal/schedule"
)

func intervalContext(endsOn, now time.Time) schedule.Context {
	return schedule.NewContextBuilder().
		WithHealthCode("hc-1").
		WithEndsOn(endsOn).
		WithEvent(schedule.DefaultEventID, enrollment).
		WithNow(now).
		Build()
}

func TestOneShotDelaySchedule(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Once,
		Delay:        "P2D",
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Consent", "consent")},
	}
	tasks, err := s.Scheduler().GetTasks("plan-1", intervalContext(enrollment.AddDate(0, 0, 7), enrollment))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	assertDates(t, tasks, "2015-03-25 10:00")
}

func TestDailyScheduleWithTimesOfDay(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Recurring,
		Interval:     "P1D",
		TimesOfDay:   []string{"08:00", "20:00"},
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Tapping", "tapping")},
	}
	endsOn := enrollment.AddDate(0, 0, 3)
	tasks, err := s.Scheduler().GetTasks("plan-1", intervalContext(endsOn, enrollment))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	assertDates(t, tasks,
		"2015-03-23 08:00", "2015-03-23 20:00",
		"2015-03-24 08:00", "2015-03-24 20:00",
		"2015-03-25 08:00", "2015-03-25 20:00")
}

func TestExpiredOccurrencesAreTrimmed(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Recurring,
		Interval:     "P1D",
		TimesOfDay:   []string{"10:00"},
		Expires:      "PT1H",
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Tapping", "tapping")},
	}
	now := time.Date(2015, 3, 25, 10, 30, 0, 0, time.UTC)
	endsOn := enrollment.AddDate(0, 0, 3)
	tasks, err := s.Scheduler().GetTasks("plan-1", intervalContext(endsOn, now))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	// The occurrences on the 23rd and 24th expired an hour after firing; only
	// the 25th is still live at 10:30.
	assertDates(t, tasks, "2015-03-25 10:00")
	if tasks[0].ExpiresOn == nil || !tasks[0].ExpiresOn.Equal(time.Date(2015, 3, 25, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected expiry an hour after firing, got %v", tasks[0].ExpiresOn)
	}
}

func TestIntervalScheduleWithoutAnchorEvent(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Recurring,
		EventID:      "medication_started",
		Interval:     "P1D",
		TimesOfDay:   []string{"10:00"},
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Tapping", "tapping")},
	}
	tasks, err := s.Scheduler().GetTasks("plan-1", intervalContext(enrollment.AddDate(0, 0, 3), enrollment))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks before the anchor event fires, got %d", len(tasks))
	}
}

func TestIntervalScheduleCustomEvent(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Once,
		EventID:      "medication_started",
		Delay:        "PT4H",
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Side effects", "side-effects")},
	}
	started := time.Date(2015, 3, 24, 8, 0, 0, 0, time.UTC)
	ctx := schedule.NewContextBuilder().
		WithHealthCode("hc-1").
		WithEndsOn(enrollment.AddDate(0, 0, 7)).
		WithEvent(schedule.DefaultEventID, enrollment).
		WithEvent("medication_started", started).
		WithNow(enrollment).
		Build()
	tasks, err := s.Scheduler().GetTasks("plan-1", ctx)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	assertDates(t, tasks, "2015-03-24 12:00")
}

func TestIntervalScheduleBounds(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Recurring,
		Interval:     "P1D",
		TimesOfDay:   []string{"10:00"},
		StartsOn:     utc("2015-03-24 00:00"),
		EndsOn:       utc("2015-03-25 00:00"),
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Tapping", "tapping")},
	}
	tasks, err := s.Scheduler().GetTasks("plan-1", intervalContext(enrollment.AddDate(0, 0, 7), enrollment))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	assertDates(t, tasks, "2015-03-24 10:00")
}

func TestActivitiesFanOutInDeclaredOrder(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Once,
		Delay:        "P1D",
		Activities: []schedule.Activity{
			schedule.NewTaskActivity("Tapping", "tapping"),
			schedule.NewSurveyActivity("Mood check", "svy-1"),
		},
	}
	tasks, err := s.Scheduler().GetTasks("plan-1", intervalContext(enrollment.AddDate(0, 0, 7), enrollment))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected one task per activity, got %d", len(tasks))
	}
	if tasks[0].Activity.Ref() != "tapping" || tasks[0].ActivityOrder != 0 {
		t.Fatalf("first task out of order: %+v", tasks[0])
	}
	if tasks[1].Activity.Ref() != "svy-1" || tasks[1].ActivityOrder != 1 {
		t.Fatalf("second task out of order: %+v", tasks[1])
	}
	if !tasks[0].ScheduledOn.Equal(tasks[1].ScheduledOn) {
		t.Fatalf("fan-out tasks should share a scheduled time")
	}
}

func TestMonthlyIntervalRespectsCalendarMonths(t *testing.T) {
	s := schedule.Schedule{
		ScheduleType: schedule.Recurring,
		Interval:     "P1M",
		TimesOfDay:   []string{"10:00"},
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Checkup", "checkup")},
	}
	endsOn := time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC)
	tasks, err := s.Scheduler().GetTasks("plan-1", intervalContext(endsOn, enrollment))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	assertDates(t, tasks, "2015-03-23 10:00", "2015-04-23 10:00", "2015-05-23 10:00")
}
