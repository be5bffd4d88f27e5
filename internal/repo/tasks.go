package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"studyline/internal/schedule"
)

// GetTasks returns the participant's persisted tasks restricted to the
// context window: scheduled before the window end, not finished, and not yet
// expired. Timestamps come back in the context's zone for display; the
// stored values are UTC.
func (r Repo) GetTasks(ctx context.Context, sctx schedule.Context) ([]schedule.Task, error) {
	endsOn := sctx.EndsOn().UTC().Format(timeFormat)
	now := sctx.Now().UTC().Format(timeFormat)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT guid,health_code,COALESCE(plan_guid,''),scheduled_on,expires_on,activity_json,activity_order,started_on,finished_on
		 FROM tasks
		 WHERE health_code=? AND scheduled_on<? AND finished_on IS NULL
		   AND (expires_on IS NULL OR expires_on>?)
		 ORDER BY scheduled_on, activity_order, guid`,
		sctx.HealthCode(), endsOn, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []schedule.Task
	for rows.Next() {
		t, err := scanTask(rows, sctx.Zone())
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows, zone *time.Location) (schedule.Task, error) {
	var t schedule.Task
	var scheduledOn, activityJSON string
	var expiresOn, startedOn, finishedOn sql.NullString
	if err := rows.Scan(&t.GUID, &t.HealthCode, &t.PlanGUID, &scheduledOn, &expiresOn, &activityJSON, &t.ActivityOrder, &startedOn, &finishedOn); err != nil {
		return t, err
	}
	at, err := parseStoredTime(scheduledOn)
	if err != nil {
		return t, err
	}
	t.ScheduledOn = at.In(zone)
	for _, col := range []struct {
		raw  sql.NullString
		dest **time.Time
	}{
		{expiresOn, &t.ExpiresOn}, {startedOn, &t.StartedOn}, {finishedOn, &t.FinishedOn},
	} {
		if !col.raw.Valid {
			continue
		}
		ts, err := parseStoredTime(col.raw.String)
		if err != nil {
			return t, err
		}
		local := ts.In(zone)
		*col.dest = &local
	}
	if err := json.Unmarshal([]byte(activityJSON), &t.Activity); err != nil {
		return t, fmt.Errorf("invalid stored activity: %w", err)
	}
	return t, nil
}

// SaveTasks persists newly generated tasks. The insert ignores conflicts on
// (health_code, run_key), so two concurrent requests generating the same
// logical occurrence cannot produce duplicate rows.
func (r Repo) SaveTasks(ctx context.Context, tx *sql.Tx, tasks []schedule.Task) error {
	now := time.Now().UTC().Format(timeFormat)
	for _, t := range tasks {
		activity, err := json.Marshal(t.Activity)
		if err != nil {
			return fmt.Errorf("marshal activity: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks(guid,health_code,plan_guid,run_key,scheduled_on,expires_on,activity_json,activity_order,started_on,finished_on,created_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(health_code,run_key) DO NOTHING`,
			t.GUID, t.HealthCode, nullable(t.PlanGUID), t.RunKey(),
			t.ScheduledOn.UTC().Format(timeFormat), nullableTime(t.ExpiresOn),
			string(activity), t.ActivityOrder, nullableTime(t.StartedOn), nullableTime(t.FinishedOn), now)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateTasks writes completion state for the given tasks. Only startedOn and
// finishedOn are caller-mutable; identity and scheduling fields never change.
func (r Repo) UpdateTasks(ctx context.Context, tx *sql.Tx, healthCode string, tasks []schedule.Task) error {
	for _, t := range tasks {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET started_on=?, finished_on=? WHERE guid=? AND health_code=?`,
			nullableTime(t.StartedOn), nullableTime(t.FinishedOn), t.GUID, healthCode)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteTasks removes every task for the health code.
func (r Repo) DeleteTasks(ctx context.Context, tx *sql.Tx, healthCode string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE health_code=?`, healthCode)
	return err
}

// TaskRunHasNotOccurred reports whether no task row exists yet for the run
// key. It is the suppression check for re-issuing an occurrence that exists
// in storage but is filtered out of the window query (finished or expired).
func (r Repo) TaskRunHasNotOccurred(ctx context.Context, healthCode, runKey string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE health_code=? AND run_key=? LIMIT 1`, healthCode, runKey)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
