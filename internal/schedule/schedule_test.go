package schedule_test

import (
	"strings"
	"testing"

	"studyline/internal/schedule"
)

func validSchedule() schedule.Schedule {
	return schedule.Schedule{
		ScheduleType: schedule.Recurring,
		Interval:     "P1D",
		TimesOfDay:   []string{"10:00"},
		Activities:   []schedule.Activity{schedule.NewTaskActivity("Tapping", "tapping")},
	}
}

func TestScheduleValidate(t *testing.T) {
	if err := validSchedule().Validate(); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*schedule.Schedule)
		wantErr string
	}{
		{"bad type", func(s *schedule.Schedule) { s.ScheduleType = "sometimes" }, "schedule_type"},
		{"no activities", func(s *schedule.Schedule) { s.Activities = nil }, "at least one activity"},
		{"both triggers", func(s *schedule.Schedule) { s.CronTrigger = "0 15 9 ? * WED *" }, "cannot declare both"},
		{"no trigger", func(s *schedule.Schedule) { s.Interval = ""; s.TimesOfDay = nil }, "requires a cron trigger"},
		{"bad cron", func(s *schedule.Schedule) {
			s.Interval = ""
			s.TimesOfDay = nil
			s.CronTrigger = "not a cron"
		}, "cron_trigger"},
		{"bad interval", func(s *schedule.Schedule) { s.Interval = "tomorrow" }, "interval"},
		{"bad delay", func(s *schedule.Schedule) { s.Delay = "2 days" }, "delay"},
		{"bad expires", func(s *schedule.Schedule) { s.Expires = "1h" }, "expires"},
		{"bad time of day", func(s *schedule.Schedule) { s.TimesOfDay = []string{"25:00"} }, "time of day"},
		{"inverted bounds", func(s *schedule.Schedule) {
			s.StartsOn = utc("2015-04-01 00:00")
			s.EndsOn = utc("2015-03-01 00:00")
		}, "starts_on must be before ends_on"},
		{"bad activity", func(s *schedule.Schedule) { s.Activities = []schedule.Activity{{Label: "x"}} }, "activity 0"},
	}
	for _, tc := range cases {
		s := validSchedule()
		tc.mutate(&s)
		err := s.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestActivityValidate(t *testing.T) {
	if err := schedule.NewTaskActivity("Tapping", "tapping").Validate(); err != nil {
		t.Fatalf("task activity: %v", err)
	}
	if err := schedule.NewSurveyActivity("Mood", "svy-1").Validate(); err != nil {
		t.Fatalf("survey activity: %v", err)
	}
	if err := (schedule.Activity{TaskRef: "tapping"}).Validate(); err == nil {
		t.Fatalf("expected error for missing label")
	}
	both := schedule.NewTaskActivity("x", "tapping")
	both.Survey = &schedule.SurveyReference{GUID: "svy-1"}
	if err := both.Validate(); err == nil {
		t.Fatalf("expected error for task and survey together")
	}
}

func TestActivityRef(t *testing.T) {
	if ref := schedule.NewTaskActivity("x", "tapping").Ref(); ref != "tapping" {
		t.Fatalf("task ref %q", ref)
	}
	a := schedule.NewSurveyActivity("x", "svy-1")
	if ref := a.Ref(); ref != "svy-1" {
		t.Fatalf("survey ref %q", ref)
	}
	// Rehydration pins a version and attaches a response; the ref must not move.
	a.Survey.CreatedOn = 12345
	a.SurveyResponse = &schedule.SurveyResponseReference{Identifier: "resp-1"}
	if ref := a.Ref(); ref != "svy-1" {
		t.Fatalf("rehydrated survey ref %q", ref)
	}
}

func TestClientInfoFromUserAgent(t *testing.T) {
	ci := schedule.ClientInfoFromUserAgent("app/11")
	if ci.AppVersion == nil || *ci.AppVersion != 11 {
		t.Fatalf("parsed %+v", ci)
	}
	for _, ua := range []string{"", "app", "app/beta"} {
		if got := schedule.ClientInfoFromUserAgent(ua); got.AppVersion != nil {
			t.Fatalf("%q parsed to %+v", ua, got)
		}
	}
}

func TestTaskRunKey(t *testing.T) {
	base := validSchedule()
	ctx := intervalContext(enrollment.AddDate(0, 0, 2), enrollment)
	tasks, err := base.Scheduler().GetTasks("plan-1", ctx)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) == 0 {
		t.Fatalf("expected tasks")
	}
	again, err := base.Scheduler().GetTasks("plan-1", ctx)
	if err != nil {
		t.Fatalf("get tasks again: %v", err)
	}
	for i := range tasks {
		if tasks[i].RunKey() != again[i].RunKey() {
			t.Fatalf("run key unstable at %d: %q vs %q", i, tasks[i].RunKey(), again[i].RunKey())
		}
	}
	if tasks[0].RunKey() == tasks[1].RunKey() {
		t.Fatalf("distinct occurrences share a run key")
	}
}

func TestContextBuilderDefaultsAndCopies(t *testing.T) {
	b := schedule.NewContextBuilder().
		WithHealthCode("hc-1").
		WithEvent("enrollment", enrollment)
	ctx := b.Build()
	if ctx.Zone() == nil {
		t.Fatalf("zone must default")
	}
	if ctx.Now().IsZero() {
		t.Fatalf("now must default to the wall clock")
	}
	// Later builder mutations must not leak into the built context.
	b.WithEvent("medication_started", enrollment)
	if _, ok := ctx.Event("medication_started"); ok {
		t.Fatalf("built context picked up a later builder mutation")
	}
	derived := schedule.NewContextBuilder().WithContext(ctx).WithStudyID("study-1").Build()
	if derived.HealthCode() != "hc-1" || derived.StudyID() != "study-1" {
		t.Fatalf("derived context lost fields: %+v", derived)
	}
	if _, ok := derived.Event("enrollment"); !ok {
		t.Fatalf("derived context lost events")
	}
}
