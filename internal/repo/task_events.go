package repo

import (
	"context"
	"time"

	"studyline/internal/domain"
)

// GetTaskEventMap returns the participant's event timestamps keyed by event
// name. Absent events are simply missing keys.
func (r Repo) GetTaskEventMap(ctx context.Context, healthCode string) (map[string]time.Time, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, ts FROM task_events WHERE health_code=?`, healthCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := map[string]time.Time{}
	for rows.Next() {
		var name, ts string
		if err := rows.Scan(&name, &ts); err != nil {
			return nil, err
		}
		t, err := parseStoredTime(ts)
		if err != nil {
			return nil, err
		}
		events[name] = t
	}
	return events, rows.Err()
}

// PutTaskEvent records an event timestamp; the latest write for a given
// (healthCode, name) pair wins.
func (r Repo) PutTaskEvent(ctx context.Context, event domain.TaskEvent) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO task_events(health_code,name,ts) VALUES (?,?,?)
		 ON CONFLICT(health_code,name) DO UPDATE SET ts=excluded.ts`,
		event.HealthCode, event.Name, event.Timestamp.UTC().Format(timeFormat))
	return err
}

// ListTaskEvents returns the participant's events sorted by name.
func (r Repo) ListTaskEvents(ctx context.Context, healthCode string) ([]domain.TaskEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, ts FROM task_events WHERE health_code=? ORDER BY name`, healthCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.TaskEvent
	for rows.Next() {
		var name, ts string
		if err := rows.Scan(&name, &ts); err != nil {
			return nil, err
		}
		t, err := parseStoredTime(ts)
		if err != nil {
			return nil, err
		}
		events = append(events, domain.TaskEvent{HealthCode: healthCode, Name: name, Timestamp: t})
	}
	return events, rows.Err()
}
