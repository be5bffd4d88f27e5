package domain

import (
	"time"

	"studyline/internal/schedule"
)

// SchedulePlan is the persisted study-level record pairing a selection
// strategy with its schedule(s), plus optional app-version gates.
type SchedulePlan struct {
	GUID          string `json:"guid"`
	StudyID       string `json:"study_id"`
	Label         string `json:"label,omitempty"`
	StrategyJSON  string `json:"strategy_json"`
	MinAppVersion *int   `json:"min_app_version,omitempty"`
	MaxAppVersion *int   `json:"max_app_version,omitempty"`
	ModifiedOn    string `json:"modified_on" format:"date-time"`
}

// Strategy decodes the plan's stored strategy document.
func (p SchedulePlan) Strategy() (schedule.Strategy, error) {
	return schedule.ParseStrategy([]byte(p.StrategyJSON))
}

// AppliesTo reports whether the plan's version gates admit the client.
// A plan with no declared range is unconditionally included; an unknown
// client matches every plan.
func (p SchedulePlan) AppliesTo(ci schedule.ClientInfo) bool {
	if ci.AppVersion == nil {
		return true
	}
	v := *ci.AppVersion
	if p.MinAppVersion != nil && v < *p.MinAppVersion {
		return false
	}
	if p.MaxAppVersion != nil && v > *p.MaxAppVersion {
		return false
	}
	return true
}

// TaskEvent is an external signal keyed by (healthCode, name); the latest
// write for a name wins.
type TaskEvent struct {
	HealthCode string    `json:"-"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp" format:"date-time"`
}

// Survey is a versioned survey record; CreatedOn distinguishes versions and
// Published marks versions visible to participants.
type Survey struct {
	GUID       string `json:"guid"`
	StudyID    string `json:"study_id"`
	Identifier string `json:"identifier"`
	CreatedOn  int64  `json:"created_on"`
	Published  bool   `json:"published"`
}

// SurveyResponse is a participant's response handle for a survey version.
type SurveyResponse struct {
	GUID            string `json:"guid"`
	HealthCode      string `json:"-"`
	SurveyGUID      string `json:"survey_guid"`
	SurveyCreatedOn int64  `json:"survey_created_on"`
	Identifier      string `json:"identifier"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// APIKey authenticates a caller and binds it to a participant.
type APIKey struct {
	ID         string `json:"id"`
	HealthCode string `json:"health_code"`
	StudyID    string `json:"study_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	StudyID    string `json:"study_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	HealthCode string `json:"health_code,omitempty"`
	Payload    string `json:"payload_json"`
}
