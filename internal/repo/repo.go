package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const timeFormat = time.RFC3339

// GetSchedulePlans returns every plan declared for the study. Version gating
// happens in the engine, not here.
func (r Repo) GetSchedulePlans(ctx context.Context, studyID string) ([]domain.SchedulePlan, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT guid,study_id,COALESCE(label,''),strategy_json,min_app_version,max_app_version,modified_on
		 FROM schedule_plans WHERE study_id=? ORDER BY modified_on, guid`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plans []domain.SchedulePlan
	for rows.Next() {
		var p domain.SchedulePlan
		var minV, maxV sql.NullInt64
		if err := rows.Scan(&p.GUID, &p.StudyID, &p.Label, &p.StrategyJSON, &minV, &maxV, &p.ModifiedOn); err != nil {
			return nil, err
		}
		if minV.Valid {
			v := int(minV.Int64)
			p.MinAppVersion = &v
		}
		if maxV.Valid {
			v := int(maxV.Int64)
			p.MaxAppVersion = &v
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (r Repo) GetSchedulePlan(ctx context.Context, guid string) (domain.SchedulePlan, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT guid,study_id,COALESCE(label,''),strategy_json,min_app_version,max_app_version,modified_on
		 FROM schedule_plans WHERE guid=?`, guid)
	var p domain.SchedulePlan
	var minV, maxV sql.NullInt64
	err := row.Scan(&p.GUID, &p.StudyID, &p.Label, &p.StrategyJSON, &minV, &maxV, &p.ModifiedOn)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if minV.Valid {
		v := int(minV.Int64)
		p.MinAppVersion = &v
	}
	if maxV.Valid {
		v := int(maxV.Int64)
		p.MaxAppVersion = &v
	}
	return p, nil
}

func (r Repo) InsertSchedulePlan(ctx context.Context, tx *sql.Tx, p domain.SchedulePlan) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO schedule_plans(guid,study_id,label,strategy_json,min_app_version,max_app_version,modified_on)
		 VALUES (?,?,?,?,?,?,?)`,
		p.GUID, p.StudyID, nullable(p.Label), p.StrategyJSON, nullableInt(p.MinAppVersion), nullableInt(p.MaxAppVersion), p.ModifiedOn)
	return err
}

func (r Repo) DeleteSchedulePlan(ctx context.Context, tx *sql.Tx, guid string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM schedule_plans WHERE guid=?`, guid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
