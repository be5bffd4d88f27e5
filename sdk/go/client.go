package studylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Studyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HealthCode  string // legacy X-Health-Code header; dev use only
	UserAgent   string // "app/11" style, drives plan version gating
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Activity is the thing a task asks the participant to do.
type Activity struct {
	Label          string         `json:"label"`
	Task           string         `json:"task,omitempty"`
	Survey         *SurveyRef     `json:"survey,omitempty"`
	SurveyResponse *SurveyRespRef `json:"survey_response,omitempty"`
}

type SurveyRef struct {
	GUID      string `json:"guid"`
	CreatedOn int64  `json:"created_on,omitempty"`
	Href      string `json:"href,omitempty"`
}

type SurveyRespRef struct {
	Identifier string `json:"identifier"`
	Href       string `json:"href"`
}

// Task represents one scheduled occurrence.
type Task struct {
	GUID        string   `json:"guid"`
	PlanGUID    string   `json:"plan_guid,omitempty"`
	ScheduledOn string   `json:"scheduled_on"`
	ExpiresOn   *string  `json:"expires_on,omitempty"`
	Activity    Activity `json:"activity"`
	StartedOn   *string  `json:"started_on,omitempty"`
	FinishedOn  *string  `json:"finished_on,omitempty"`
}

// TaskList wraps the tasks response.
type TaskList struct {
	Items []Task `json:"items"`
	Total int    `json:"total"`
}

// TaskUpdate records completion state for a task.
type TaskUpdate struct {
	GUID       string  `json:"guid"`
	StartedOn  *string `json:"started_on,omitempty"`
	FinishedOn *string `json:"finished_on,omitempty"`
}

// Event is a scheduling event timestamp.
type Event struct {
	Name      string `json:"name"`
	Timestamp string `json:"timestamp"`
}

// EventList wraps the events response.
type EventList struct {
	Items []Event `json:"items"`
	Total int     `json:"total"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetTasks computes and fetches the participant's tasks up to until. A zero
// until leaves the window to the server's configured default.
func (c *Client) GetTasks(ctx context.Context, until time.Time) (TaskList, error) {
	endpoint := "v0/tasks"
	if !until.IsZero() {
		endpoint += "?until=" + url.QueryEscape(until.Format(time.RFC3339))
	}
	var resp TaskList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateTasks records started/finished state for a batch of tasks.
func (c *Client) UpdateTasks(ctx context.Context, updates []TaskUpdate) error {
	return c.do(ctx, http.MethodPost, "v0/tasks", updates, nil)
}

// DeleteTasks removes every persisted task for the participant.
func (c *Client) DeleteTasks(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "v0/tasks", nil, nil)
}

// SetEvent records a scheduling event; later writes replace earlier ones.
func (c *Client) SetEvent(ctx context.Context, name string, ts time.Time) error {
	return c.do(ctx, http.MethodPut, "v0/events", Event{
		Name:      name,
		Timestamp: ts.Format(time.RFC3339),
	}, nil)
}

// ListEvents returns the participant's scheduling events.
func (c *Client) ListEvents(ctx context.Context) (EventList, error) {
	var resp EventList
	err := c.do(ctx, http.MethodGet, "v0/events", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.HealthCode != "":
		req.Header.Set("X-Health-Code", c.HealthCode)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
