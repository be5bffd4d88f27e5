package repo

import (
	"context"

	"studyline/internal/domain"
)

// ListEvents returns the newest audit entries, most recent first.
func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(study_id,''), entity_kind, COALESCE(entity_id,''), COALESCE(health_code,''), COALESCE(payload_json,'')
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.StudyID, &e.EntityKind, &e.EntityID, &e.HealthCode, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
