package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"studyline/internal/config"
	"studyline/internal/db"
	"studyline/internal/domain"
	"studyline/internal/engine"
	"studyline/internal/migrate"
	"studyline/internal/schedule"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Now    time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("study-1")
	eng := engine.New(conn, cfg)
	now := time.Date(2015, 4, 6, 10, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	ctx := context.Background()
	if err := eng.SetTaskEvent(ctx, domain.TaskEvent{
		HealthCode: "hc-1",
		Name:       schedule.DefaultEventID,
		Timestamp:  time.Date(2015, 4, 6, 9, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("set event: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Now: now}
}

func simplePlanJSON(t *testing.T, s schedule.Schedule) string {
	t.Helper()
	data, err := schedule.MarshalStrategy(schedule.SimpleStrategy{Schedule: s})
	if err != nil {
		t.Fatalf("marshal strategy: %v", err)
	}
	return string(data)
}

func dailySchedule(activity schedule.Activity) schedule.Schedule {
	return schedule.Schedule{
		Label:        "daily",
		ScheduleType: schedule.Recurring,
		Interval:     "P1D",
		Expires:      "P1D",
		TimesOfDay:   []string{"10:00"},
		Activities:   []schedule.Activity{activity},
	}
}

func (env testEnv) scheduleContext(t *testing.T, opts ...func(*schedule.ContextBuilder)) schedule.Context {
	t.Helper()
	b := schedule.NewContextBuilder().
		WithStudyID("study-1").
		WithHealthCode("hc-1").
		WithEndsOn(env.Now.AddDate(0, 0, 2)).
		WithNow(env.Now)
	for _, opt := range opts {
		opt(b)
	}
	return b.Build()
}

func TestGetTasksIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	plan, err := env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{
		Label:        "tapping",
		StrategyJSON: simplePlanJSON(t, dailySchedule(schedule.NewTaskActivity("Tapping", "tapping"))),
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sctx := env.scheduleContext(t)

	first, err := env.Engine.GetTasks(env.Ctx, sctx)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(first))
	}
	for _, task := range first {
		if task.GUID == "" {
			t.Fatalf("task has no guid")
		}
		if task.PlanGUID != plan.GUID {
			t.Fatalf("task plan guid %q, want %q", task.PlanGUID, plan.GUID)
		}
	}

	second, err := env.Engine.GetTasks(env.Ctx, sctx)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("second call returned %d tasks, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i].GUID != second[i].GUID {
			t.Fatalf("task %d guid changed across calls: %q vs %q", i, first[i].GUID, second[i].GUID)
		}
		if !first[i].ScheduledOn.Equal(second[i].ScheduledOn) {
			t.Fatalf("task %d scheduled time changed across calls", i)
		}
	}
}

func TestGetTasksDoesNotResurrectFinishedTasks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{
		StrategyJSON: simplePlanJSON(t, dailySchedule(schedule.NewTaskActivity("Tapping", "tapping"))),
	}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sctx := env.scheduleContext(t)
	tasks, err := env.Engine.GetTasks(env.Ctx, sctx)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	done := tasks[0]
	finished := env.Now.Add(5 * time.Minute)
	done.StartedOn = &env.Now
	done.FinishedOn = &finished
	if err := env.Engine.UpdateTasks(env.Ctx, "hc-1", []*schedule.Task{&done}); err != nil {
		t.Fatalf("update tasks: %v", err)
	}

	remaining, err := env.Engine.GetTasks(env.Ctx, sctx)
	if err != nil {
		t.Fatalf("get tasks after finish: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 task after finishing one, got %d", len(remaining))
	}
	if remaining[0].GUID == done.GUID {
		t.Fatalf("finished task came back")
	}
}

func TestGetTasksVersionGating(t *testing.T) {
	env := newTestEnv(t)
	min := 9
	if _, err := env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{
		StrategyJSON:  simplePlanJSON(t, dailySchedule(schedule.NewTaskActivity("Tapping", "tapping"))),
		MinAppVersion: &min,
	}); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	withVersion := func(v int) func(*schedule.ContextBuilder) {
		return func(b *schedule.ContextBuilder) {
			b.WithClientInfo(schedule.ClientInfo{AppVersion: &v})
		}
	}

	old, err := env.Engine.GetTasks(env.Ctx, env.scheduleContext(t, withVersion(5)))
	if err != nil {
		t.Fatalf("old client: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("old client should get no tasks, got %d", len(old))
	}

	current, err := env.Engine.GetTasks(env.Ctx, env.scheduleContext(t, withVersion(11)))
	if err != nil {
		t.Fatalf("current client: %v", err)
	}
	if len(current) != 2 {
		t.Fatalf("current client expected 2 tasks, got %d", len(current))
	}

	// An unknown client matches every plan.
	unknown, err := env.Engine.GetTasks(env.Ctx, env.scheduleContext(t))
	if err != nil {
		t.Fatalf("unknown client: %v", err)
	}
	if len(unknown) != 2 {
		t.Fatalf("unknown client expected 2 tasks, got %d", len(unknown))
	}
}

func TestGetTasksValidatesWindow(t *testing.T) {
	env := newTestEnv(t)

	past := env.scheduleContext(t, func(b *schedule.ContextBuilder) {
		b.WithEndsOn(env.Now.Add(-time.Hour))
	})
	if _, err := env.Engine.GetTasks(env.Ctx, past); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for past endsOn, got %v", err)
	}

	farOut := env.scheduleContext(t, func(b *schedule.ContextBuilder) {
		b.WithEndsOn(env.Now.AddDate(0, 0, 30))
	})
	if _, err := env.Engine.GetTasks(env.Ctx, farOut); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input beyond horizon, got %v", err)
	}

	noCode := env.scheduleContext(t, func(b *schedule.ContextBuilder) {
		b.WithHealthCode("")
	})
	if _, err := env.Engine.GetTasks(env.Ctx, noCode); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input without health code, got %v", err)
	}
}

func TestUpdateTasksRejectsBadBatches(t *testing.T) {
	env := newTestEnv(t)

	if err := env.Engine.UpdateTasks(env.Ctx, "hc-1", nil); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("empty batch: %v", err)
	}
	if err := env.Engine.UpdateTasks(env.Ctx, "hc-1", []*schedule.Task{nil}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("null entry: %v", err)
	}
	if err := env.Engine.UpdateTasks(env.Ctx, "hc-1", []*schedule.Task{{}}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("missing guid: %v", err)
	}
	if err := env.Engine.UpdateTasks(env.Ctx, "", []*schedule.Task{{GUID: "t-1"}}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("missing health code: %v", err)
	}
}

func TestDeleteTasksAllowsRegeneration(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{
		StrategyJSON: simplePlanJSON(t, dailySchedule(schedule.NewTaskActivity("Tapping", "tapping"))),
	}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sctx := env.scheduleContext(t)
	before, err := env.Engine.GetTasks(env.Ctx, sctx)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if err := env.Engine.DeleteTasks(env.Ctx, "hc-1"); err != nil {
		t.Fatalf("delete tasks: %v", err)
	}
	after, err := env.Engine.GetTasks(env.Ctx, sctx)
	if err != nil {
		t.Fatalf("get tasks after delete: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected %d regenerated tasks, got %d", len(before), len(after))
	}
	for i := range after {
		if after[i].GUID == before[i].GUID {
			t.Fatalf("task %d kept its guid across a delete", i)
		}
	}
}

func TestSurveyTasksAreRehydrated(t *testing.T) {
	env := newTestEnv(t)
	for _, s := range []domain.Survey{
		{GUID: "svy-1", StudyID: "study-1", Identifier: "mood", CreatedOn: 100, Published: true},
		{GUID: "svy-1", StudyID: "study-1", Identifier: "mood", CreatedOn: 200, Published: true},
		{GUID: "svy-1", StudyID: "study-1", Identifier: "mood", CreatedOn: 300, Published: false},
	} {
		if err := env.Engine.Repo.InsertSurvey(env.Ctx, s); err != nil {
			t.Fatalf("insert survey: %v", err)
		}
	}
	once := schedule.Schedule{
		ScheduleType: schedule.Once,
		Delay:        "PT1H",
		Activities:   []schedule.Activity{schedule.NewSurveyActivity("Mood check", "svy-1")},
	}
	if _, err := env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{
		StrategyJSON: simplePlanJSON(t, once),
	}); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	tasks, err := env.Engine.GetTasks(env.Ctx, env.scheduleContext(t))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	activity := tasks[0].Activity
	if activity.Survey == nil || activity.Survey.CreatedOn != 200 {
		t.Fatalf("survey not pinned to newest published version: %+v", activity.Survey)
	}
	if activity.SurveyResponse == nil || activity.SurveyResponse.Identifier == "" {
		t.Fatalf("survey response not attached: %+v", activity.SurveyResponse)
	}
}

func TestCreateSchedulePlanValidatesStrategy(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{
		StrategyJSON: `{"type":"simple","schedule":{"schedule_type":"recurring","activities":[]}}`,
	})
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty activities, got %v", err)
	}
	_, err = env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{StrategyJSON: `not json`})
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad json, got %v", err)
	}
}

func TestDeleteSchedulePlanStopsGeneration(t *testing.T) {
	env := newTestEnv(t)
	plan, err := env.Engine.CreateSchedulePlan(env.Ctx, domain.SchedulePlan{
		StrategyJSON: simplePlanJSON(t, dailySchedule(schedule.NewTaskActivity("Tapping", "tapping"))),
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := env.Engine.DeleteSchedulePlan(env.Ctx, plan.GUID); err != nil {
		t.Fatalf("delete plan: %v", err)
	}
	tasks, err := env.Engine.GetTasks(env.Ctx, env.scheduleContext(t))
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks after plan deletion, got %d", len(tasks))
	}
	if err := env.Engine.DeleteSchedulePlan(env.Ctx, plan.GUID); err == nil {
		t.Fatalf("expected error deleting a missing plan")
	}
}
