package server

import (
	"encoding/json"
	"fmt"
	"time"

	"studyline/internal/domain"
	"studyline/internal/schedule"
)

// Request payloads

type UpdateTaskRequest struct {
	GUID       string  `json:"guid"`
	StartedOn  *string `json:"started_on,omitempty" format:"date-time"`
	FinishedOn *string `json:"finished_on,omitempty" format:"date-time"`
}

func (r UpdateTaskRequest) toTask() (*schedule.Task, error) {
	task := &schedule.Task{GUID: r.GUID}
	for _, field := range []struct {
		name string
		raw  *string
		dest **time.Time
	}{
		{"started_on", r.StartedOn, &task.StartedOn},
		{"finished_on", r.FinishedOn, &task.FinishedOn},
	} {
		if field.raw == nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, *field.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: must be RFC 3339", field.name, *field.raw)
		}
		*field.dest = &ts
	}
	return task, nil
}

type CreatePlanRequest struct {
	Label         string         `json:"label,omitempty"`
	Strategy      map[string]any `json:"strategy" jsonschema:"type=object,additionalProperties=true"`
	MinAppVersion *int           `json:"min_app_version,omitempty"`
	MaxAppVersion *int           `json:"max_app_version,omitempty"`
}

type SetEventRequest struct {
	Name      string `json:"name" example:"medication_started"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// Response payloads

type MessageResponse struct {
	Message string `json:"message"`
}

type ActivityResponse struct {
	Label          string                            `json:"label"`
	Task           string                            `json:"task,omitempty"`
	Survey         *schedule.SurveyReference         `json:"survey,omitempty"`
	SurveyResponse *schedule.SurveyResponseReference `json:"survey_response,omitempty"`
}

type TaskResponse struct {
	GUID        string           `json:"guid"`
	PlanGUID    string           `json:"plan_guid,omitempty"`
	ScheduledOn string           `json:"scheduled_on" format:"date-time"`
	ExpiresOn   *string          `json:"expires_on,omitempty" format:"date-time"`
	Activity    ActivityResponse `json:"activity"`
	StartedOn   *string          `json:"started_on,omitempty" format:"date-time"`
	FinishedOn  *string          `json:"finished_on,omitempty" format:"date-time"`
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
	Total int            `json:"total"`
}

func newTaskResponse(t schedule.Task) TaskResponse {
	return TaskResponse{
		GUID:        t.GUID,
		PlanGUID:    t.PlanGUID,
		ScheduledOn: t.ScheduledOn.Format(time.RFC3339),
		ExpiresOn:   formatOptional(t.ExpiresOn),
		Activity: ActivityResponse{
			Label:          t.Activity.Label,
			Task:           t.Activity.TaskRef,
			Survey:         t.Activity.Survey,
			SurveyResponse: t.Activity.SurveyResponse,
		},
		StartedOn:  formatOptional(t.StartedOn),
		FinishedOn: formatOptional(t.FinishedOn),
	}
}

func newTaskListResponse(tasks []schedule.Task) TaskListResponse {
	items := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, newTaskResponse(t))
	}
	return TaskListResponse{Items: items, Total: len(items)}
}

type PlanResponse struct {
	GUID          string `json:"guid"`
	StudyID       string `json:"study_id"`
	Label         string `json:"label,omitempty"`
	Strategy      any    `json:"strategy"`
	MinAppVersion *int   `json:"min_app_version,omitempty"`
	MaxAppVersion *int   `json:"max_app_version,omitempty"`
	ModifiedOn    string `json:"modified_on" format:"date-time"`
}

type PlanListResponse struct {
	Items []PlanResponse `json:"items"`
	Total int            `json:"total"`
}

func newPlanResponse(p domain.SchedulePlan) PlanResponse {
	return PlanResponse{
		GUID:          p.GUID,
		StudyID:       p.StudyID,
		Label:         p.Label,
		Strategy:      rawStrategy(p.StrategyJSON),
		MinAppVersion: p.MinAppVersion,
		MaxAppVersion: p.MaxAppVersion,
		ModifiedOn:    p.ModifiedOn,
	}
}

type EventResponse struct {
	Name      string `json:"name"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
	Total int             `json:"total"`
}

// rawStrategy decodes the stored strategy document for display. Storage only
// accepts validated documents, so a decode failure falls back to the raw text.
func rawStrategy(strategyJSON string) any {
	var v any
	if err := json.Unmarshal([]byte(strategyJSON), &v); err != nil {
		return strategyJSON
	}
	return v
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
