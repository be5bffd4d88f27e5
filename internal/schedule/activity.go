package schedule

import (
	"fmt"
	"time"
)

// SurveyReference points at a survey, optionally pinned to a published
// version by CreatedOn.
type SurveyReference struct {
	GUID      string `json:"guid"`
	CreatedOn int64  `json:"created_on,omitempty"`
	Href      string `json:"href,omitempty"`
}

// SurveyResponseReference is filled in when an activity has been rehydrated
// with a response created for the participant.
type SurveyResponseReference struct {
	Identifier string `json:"identifier"`
	Href       string `json:"href"`
}

// Activity is the thing a task asks the participant to do: either a named
// client-side task or a survey. Values are constructed once and copied into
// tasks; nothing mutates them after creation.
type Activity struct {
	Label          string                   `json:"label"`
	TaskRef        string                   `json:"task,omitempty"`
	Survey         *SurveyReference         `json:"survey,omitempty"`
	SurveyResponse *SurveyResponseReference `json:"survey_response,omitempty"`
}

// NewTaskActivity returns an activity referencing a client-side task.
func NewTaskActivity(label, taskRef string) Activity {
	return Activity{Label: label, TaskRef: taskRef}
}

// NewSurveyActivity returns an activity referencing a survey.
func NewSurveyActivity(label, surveyGUID string) Activity {
	return Activity{Label: label, Survey: &SurveyReference{GUID: surveyGUID}}
}

// Ref is the stable reference used to match a generated occurrence against a
// persisted one. For surveys this is the survey GUID, which does not change
// when the activity is rehydrated with a published version or a response.
func (a Activity) Ref() string {
	if a.Survey != nil {
		return a.Survey.GUID
	}
	return a.TaskRef
}

// IsSurvey reports whether the activity needs survey rehydration.
func (a Activity) IsSurvey() bool {
	return a.Survey != nil
}

func (a Activity) Validate() error {
	if a.Label == "" {
		return fmt.Errorf("label is required")
	}
	if a.TaskRef == "" && a.Survey == nil {
		return fmt.Errorf("activity requires a task ref or a survey")
	}
	if a.TaskRef != "" && a.Survey != nil {
		return fmt.Errorf("activity cannot reference both a task and a survey")
	}
	if a.Survey != nil && a.Survey.GUID == "" {
		return fmt.Errorf("survey guid is required")
	}
	return nil
}

// ClientInfo carries the app version reported by the participant's client.
// A nil AppVersion means an unknown client, which matches every plan.
type ClientInfo struct {
	AppVersion *int `json:"app_version,omitempty"`
}

// UnknownClient matches all schedule plans regardless of version gates.
var UnknownClient = ClientInfo{}

// ClientInfoFromUserAgent parses a "name/version" user agent ("app/11").
// Anything unparseable is treated as an unknown client.
func ClientInfoFromUserAgent(ua string) ClientInfo {
	for i := len(ua) - 1; i >= 0; i-- {
		if ua[i] == '/' {
			var v int
			if _, err := fmt.Sscanf(ua[i+1:], "%d", &v); err == nil {
				return ClientInfo{AppVersion: &v}
			}
			break
		}
	}
	return UnknownClient
}

// Task is one concrete, time-bound occurrence of an activity for a
// participant. GUID is assigned once when the occurrence is first persisted;
// regeneration never changes the identity of a persisted occurrence.
type Task struct {
	GUID        string     `json:"guid"`
	HealthCode  string     `json:"-"`
	PlanGUID    string     `json:"plan_guid,omitempty"`
	ScheduledOn time.Time  `json:"scheduled_on" format:"date-time"`
	ExpiresOn   *time.Time `json:"expires_on,omitempty" format:"date-time"`
	Activity    Activity   `json:"activity"`
	// Position of the activity in its schedule's declared order; used as the
	// deterministic tie-break when sorting tasks with equal scheduled times.
	ActivityOrder int        `json:"-"`
	StartedOn     *time.Time `json:"started_on,omitempty" format:"date-time"`
	FinishedOn    *time.Time `json:"finished_on,omitempty" format:"date-time"`
}

// RunKey identifies the logical occurrence independent of the task GUID:
// the same (healthCode, scheduledOn, activity ref) combination always maps to
// the same key, so regenerating and merging is idempotent.
func (t Task) RunKey() string {
	return t.ScheduledOn.UTC().Format(time.RFC3339) + ":" + t.Activity.Ref()
}
