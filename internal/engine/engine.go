package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studyline/internal/config"
	"studyline/internal/domain"
	"studyline/internal/events"
	"studyline/internal/repo"
	"studyline/internal/schedule"
)

// ErrInvalidInput marks caller-input failures: they are reported before any
// I/O happens and never leave partial work behind.
var ErrInvalidInput = errors.New("invalid input")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GetTasks computes the tasks that should exist for the participant within
// the context window, reconciles them against persisted state, persists the
// newly due ones, and returns the deduplicated union in ascending
// scheduled-time order. Calling it again with the same context returns the
// same set.
func (e Engine) GetTasks(ctx context.Context, sctx schedule.Context) ([]schedule.Task, error) {
	now := e.now()
	if err := e.validateContext(sctx, now); err != nil {
		return nil, err
	}
	stored, err := e.Repo.GetTaskEventMap(ctx, sctx.HealthCode())
	if err != nil {
		return nil, fmt.Errorf("load task events: %w", err)
	}
	// One consistent clock for the whole computation; stored events override
	// whatever the caller seeded.
	sctx = schedule.NewContextBuilder().
		WithContext(sctx).
		WithEvents(stored).
		WithNow(now).
		Build()

	candidates, err := e.generate(ctx, sctx)
	if err != nil {
		return nil, err
	}
	if err := e.rehydrateSurveys(ctx, sctx, candidates); err != nil {
		return nil, err
	}

	persisted, err := e.Repo.GetTasks(ctx, sctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted tasks: %w", err)
	}
	created, err := e.merge(ctx, sctx, candidates, persisted)
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		if err := e.saveTasks(ctx, sctx, created); err != nil {
			return nil, err
		}
	}

	result := append(persisted, created...)
	sortTasks(result)
	e.Log.Debug().
		Str("health_code", sctx.HealthCode()).
		Int("persisted", len(persisted)).
		Int("created", len(created)).
		Msg("tasks reconciled")
	return result, nil
}

func (e Engine) validateContext(sctx schedule.Context, now time.Time) error {
	if sctx.HealthCode() == "" {
		return fmt.Errorf("%w: health code is required", ErrInvalidInput)
	}
	if sctx.StudyID() == "" {
		return fmt.Errorf("%w: study identifier is required", ErrInvalidInput)
	}
	if !sctx.EndsOn().After(now) {
		return fmt.Errorf("%w: endsOn must be after now", ErrInvalidInput)
	}
	horizon := now.AddDate(0, 0, e.Config.Scheduler.MaxHorizonDays)
	if sctx.EndsOn().After(horizon) {
		return fmt.Errorf("%w: endsOn cannot be more than %d days in the future",
			ErrInvalidInput, e.Config.Scheduler.MaxHorizonDays)
	}
	return nil
}

// generate runs every applicable plan's strategy and scheduler against the
// context. Generation is pure; plans that resolve to no schedule for this
// participant are skipped.
func (e Engine) generate(ctx context.Context, sctx schedule.Context) ([]schedule.Task, error) {
	plans, err := e.Repo.GetSchedulePlans(ctx, sctx.StudyID())
	if err != nil {
		return nil, fmt.Errorf("load schedule plans: %w", err)
	}
	var candidates []schedule.Task
	for _, plan := range plans {
		if !plan.AppliesTo(sctx.ClientInfo()) {
			continue
		}
		strategy, err := plan.Strategy()
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", plan.GUID, err)
		}
		sched, ok := strategy.Resolve(plan.GUID, sctx.HealthCode())
		if !ok {
			continue
		}
		tasks, err := sched.Scheduler().GetTasks(plan.GUID, sctx)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", plan.GUID, err)
		}
		candidates = append(candidates, tasks...)
	}
	return candidates, nil
}

// rehydrateSurveys swaps each survey activity's reference for the most
// recently published version plus a fresh response handle. Applied uniformly
// to every candidate before persistence.
func (e Engine) rehydrateSurveys(ctx context.Context, sctx schedule.Context, candidates []schedule.Task) error {
	for i := range candidates {
		activity := &candidates[i].Activity
		if !activity.IsSurvey() {
			continue
		}
		survey, err := e.Repo.GetMostRecentlyPublishedSurvey(ctx, sctx.StudyID(), activity.Survey.GUID)
		if err != nil {
			return fmt.Errorf("survey %s: %w", activity.Survey.GUID, err)
		}
		resp, err := e.Repo.CreateSurveyResponse(ctx, sctx.HealthCode(), survey)
		if err != nil {
			return fmt.Errorf("survey response for %s: %w", activity.Survey.GUID, err)
		}
		ref := *activity.Survey
		ref.CreatedOn = survey.CreatedOn
		ref.Href = fmt.Sprintf("/v0/surveys/%s/revisions/%d", survey.GUID, survey.CreatedOn)
		activity.Survey = &ref
		activity.SurveyResponse = &schedule.SurveyResponseReference{
			Identifier: resp.GUID,
			Href:       "/v0/surveyresponses/" + resp.GUID,
		}
	}
	return nil
}

// merge decides which candidates are newly due. A candidate already
// represented by a persisted task is dropped (the persisted row keeps its
// identity and completion state); a candidate whose run has already occurred
// but is filtered out of the window query (finished or expired) is never
// re-issued.
func (e Engine) merge(ctx context.Context, sctx schedule.Context, candidates, persisted []schedule.Task) ([]schedule.Task, error) {
	represented := make(map[string]bool, len(persisted))
	for _, t := range persisted {
		represented[t.RunKey()] = true
	}
	var created []schedule.Task
	for _, c := range candidates {
		key := c.RunKey()
		if represented[key] {
			continue
		}
		notOccurred, err := e.Repo.TaskRunHasNotOccurred(ctx, sctx.HealthCode(), key)
		if err != nil {
			return nil, fmt.Errorf("check task run: %w", err)
		}
		if !notOccurred {
			continue
		}
		c.GUID = uuid.New().String()
		represented[key] = true
		created = append(created, c)
	}
	return created, nil
}

func (e Engine) saveTasks(ctx context.Context, sctx schedule.Context, created []schedule.Task) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveTasks(ctx, tx, created); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "tasks.created", sctx.StudyID(), "task", "", sctx.HealthCode(), events.EventPayload{
		"count": len(created),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// sortTasks orders tasks by scheduled time ascending, breaking ties with the
// schedule's declared activity order and then the activity reference, never
// arrival order, so repeated calls return identical orderings.
func sortTasks(tasks []schedule.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.ScheduledOn.Equal(b.ScheduledOn) {
			return a.ScheduledOn.Before(b.ScheduledOn)
		}
		if a.ActivityOrder != b.ActivityOrder {
			return a.ActivityOrder < b.ActivityOrder
		}
		return a.Activity.Ref() < b.Activity.Ref()
	})
}

// UpdateTasks records completion state for a batch of tasks. The whole batch
// is rejected if any entry is missing or lacks an identity.
func (e Engine) UpdateTasks(ctx context.Context, healthCode string, tasks []*schedule.Task) error {
	if healthCode == "" {
		return fmt.Errorf("%w: health code is required", ErrInvalidInput)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("%w: task list is empty", ErrInvalidInput)
	}
	batch := make([]schedule.Task, 0, len(tasks))
	for i, t := range tasks {
		if t == nil {
			return fmt.Errorf("%w: task %d is null", ErrInvalidInput, i)
		}
		if t.GUID == "" {
			return fmt.Errorf("%w: task %d has no guid", ErrInvalidInput, i)
		}
		batch = append(batch, *t)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTasks(ctx, tx, healthCode, batch); err != nil {
		return fmt.Errorf("update tasks: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "tasks.updated", e.Config.Study.ID, "task", "", healthCode, events.EventPayload{
		"count": len(batch),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteTasks removes every persisted task for the health code.
func (e Engine) DeleteTasks(ctx context.Context, healthCode string) error {
	if healthCode == "" {
		return fmt.Errorf("%w: health code is required", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTasks(ctx, tx, healthCode); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "tasks.deleted", e.Config.Study.ID, "task", "", healthCode, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetTaskEvent records an external signal timestamp; the latest write for a
// given event name wins.
func (e Engine) SetTaskEvent(ctx context.Context, event domain.TaskEvent) error {
	if event.HealthCode == "" {
		return fmt.Errorf("%w: health code is required", ErrInvalidInput)
	}
	if event.Name == "" {
		return fmt.Errorf("%w: event name is required", ErrInvalidInput)
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("%w: event timestamp is required", ErrInvalidInput)
	}
	if err := e.Repo.PutTaskEvent(ctx, event); err != nil {
		return fmt.Errorf("put task event: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "task_event.set", e.Config.Study.ID, "task_event", event.Name, event.HealthCode, events.EventPayload{
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateSchedulePlan validates and stores a plan.
func (e Engine) CreateSchedulePlan(ctx context.Context, plan domain.SchedulePlan) (domain.SchedulePlan, error) {
	if plan.StudyID == "" {
		plan.StudyID = e.Config.Study.ID
	}
	strategy, err := plan.Strategy()
	if err != nil {
		return plan, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := strategy.Validate(); err != nil {
		return plan, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if plan.MinAppVersion != nil && plan.MaxAppVersion != nil && *plan.MinAppVersion > *plan.MaxAppVersion {
		return plan, fmt.Errorf("%w: min_app_version cannot exceed max_app_version", ErrInvalidInput)
	}
	if plan.GUID == "" {
		plan.GUID = uuid.New().String()
	}
	plan.ModifiedOn = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return plan, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSchedulePlan(ctx, tx, plan); err != nil {
		return plan, fmt.Errorf("insert schedule plan: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "plan.created", plan.StudyID, "plan", plan.GUID, "", events.EventPayload{
		"label": plan.Label,
	}); err != nil {
		return plan, err
	}
	if err := tx.Commit(); err != nil {
		return plan, err
	}
	return plan, nil
}

// DeleteSchedulePlan removes a plan by guid.
func (e Engine) DeleteSchedulePlan(ctx context.Context, guid string) error {
	if guid == "" {
		return fmt.Errorf("%w: plan guid is required", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSchedulePlan(ctx, tx, guid); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "plan.deleted", e.Config.Study.ID, "plan", guid, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}
