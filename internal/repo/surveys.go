package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"studyline/internal/domain"
)

// GetMostRecentlyPublishedSurvey returns the newest published version of the
// survey in the study.
func (r Repo) GetMostRecentlyPublishedSurvey(ctx context.Context, studyID, surveyGUID string) (domain.Survey, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT guid,study_id,identifier,created_on,published FROM surveys
		 WHERE study_id=? AND guid=? AND published=1 ORDER BY created_on DESC LIMIT 1`,
		studyID, surveyGUID)
	var s domain.Survey
	var published int
	err := row.Scan(&s.GUID, &s.StudyID, &s.Identifier, &s.CreatedOn, &published)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Published = published != 0
	return s, nil
}

// InsertSurvey stores a survey version.
func (r Repo) InsertSurvey(ctx context.Context, s domain.Survey) error {
	published := 0
	if s.Published {
		published = 1
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO surveys(guid,study_id,identifier,created_on,published) VALUES (?,?,?,?,?)`,
		s.GUID, s.StudyID, s.Identifier, s.CreatedOn, published)
	return err
}

// CreateSurveyResponse creates a response handle for the participant against
// a specific survey version.
func (r Repo) CreateSurveyResponse(ctx context.Context, healthCode string, survey domain.Survey) (domain.SurveyResponse, error) {
	resp := domain.SurveyResponse{
		GUID:            uuid.New().String(),
		HealthCode:      healthCode,
		SurveyGUID:      survey.GUID,
		SurveyCreatedOn: survey.CreatedOn,
		Identifier:      survey.Identifier,
		CreatedAt:       time.Now().UTC().Format(timeFormat),
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO survey_responses(guid,health_code,survey_guid,survey_created_on,identifier,created_at) VALUES (?,?,?,?,?,?)`,
		resp.GUID, resp.HealthCode, resp.SurveyGUID, resp.SurveyCreatedOn, resp.Identifier, resp.CreatedAt)
	if err != nil {
		return domain.SurveyResponse{}, err
	}
	return resp, nil
}
