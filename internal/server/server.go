package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"studyline/internal/domain"
	"studyline/internal/engine"
	"studyline/internal/repo"
	"studyline/internal/schedule"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"endsOn must be after now"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Studyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Studyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerSchedulePlans(group, cfg.Engine)
	registerTaskEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrInvalidInput) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Get scheduled tasks",
		Description: "Computes, persists and returns the participant's tasks up to the requested end of window.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Until     string `query:"until" doc:"End of the scheduling window, RFC 3339. The offset sets the participant's time zone unless zone is given." example:"2015-04-08T10:00:00-07:00"`
		Zone      string `query:"zone" doc:"IANA time zone overriding the until offset." example:"America/Los_Angeles"`
		UserAgent string `header:"User-Agent"`
	}) (*struct {
		Body TaskListResponse
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sctx, err := buildScheduleContext(e, principal, input.Until, input.Zone, input.UserAgent)
		if err != nil {
			return nil, err
		}
		tasks, terr := e.GetTasks(ctx, sctx)
		if terr != nil {
			return nil, handleError(terr)
		}
		resp := &struct {
			Body TaskListResponse
		}{}
		resp.Body = newTaskListResponse(tasks)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Update task state",
		Description: "Records startedOn/finishedOn for a batch of tasks.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body []UpdateTaskRequest
	}) (*struct {
		Body MessageResponse
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		batch := make([]*schedule.Task, 0, len(input.Body))
		for _, item := range input.Body {
			task, err := item.toTask()
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			batch = append(batch, task)
		}
		if err := e.UpdateTasks(ctx, principal.HealthCode, batch); err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body MessageResponse
		}{}
		resp.Body.Message = fmt.Sprintf("%d tasks updated", len(batch))
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-tasks",
		Method:      http.MethodDelete,
		Path:        "/tasks",
		Summary:     "Delete all tasks",
		Description: "Removes every persisted task for the participant; the next fetch regenerates them.",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MessageResponse
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTasks(ctx, principal.HealthCode); err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body MessageResponse
		}{}
		resp.Body.Message = "tasks deleted"
		return resp, nil
	})
}

// buildScheduleContext assembles the immutable evaluation context from the
// request. The window end defaults to the study's configured window; its
// offset doubles as the participant's time zone unless an explicit zone is
// named.
func buildScheduleContext(e engine.Engine, principal Principal, until, zoneName, userAgent string) (schedule.Context, huma.StatusError) {
	now := time.Now()
	endsOn := now.AddDate(0, 0, e.Config.Scheduler.DefaultWindowDays)
	zone := time.UTC
	if until != "" {
		parsed, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return schedule.Context{}, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("invalid until %q: must be RFC 3339", until), nil)
		}
		endsOn = parsed
		zone = parsed.Location()
	}
	if zoneName != "" {
		loc, err := time.LoadLocation(zoneName)
		if err != nil {
			return schedule.Context{}, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("unknown zone %q", zoneName), nil)
		}
		zone = loc
	}
	studyID := principal.StudyID
	if studyID == "" {
		studyID = e.Config.Study.ID
	}
	return schedule.NewContextBuilder().
		WithStudyID(studyID).
		WithHealthCode(principal.HealthCode).
		WithZone(zone).
		WithEndsOn(endsOn).
		WithClientInfo(schedule.ClientInfoFromUserAgent(userAgent)).
		WithNow(now).
		Build(), nil
}

func registerSchedulePlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List schedule plans",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PlanListResponse
	}, error) {
		plans, err := e.Repo.GetSchedulePlans(ctx, e.Config.Study.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body PlanListResponse
		}{}
		resp.Body.Items = make([]PlanResponse, 0, len(plans))
		for _, p := range plans {
			resp.Body.Items = append(resp.Body.Items, newPlanResponse(p))
		}
		resp.Body.Total = len(plans)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{guid}",
		Summary:     "Get a schedule plan",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		GUID string `path:"guid"`
	}) (*struct {
		Body PlanResponse
	}, error) {
		plan, err := e.Repo.GetSchedulePlan(ctx, input.GUID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body PlanResponse
		}{}
		resp.Body = newPlanResponse(plan)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Create a schedule plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreatePlanRequest
	}) (*struct {
		Body PlanResponse
	}, error) {
		strategyJSON, err := json.Marshal(input.Body.Strategy)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid strategy", nil)
		}
		plan, cerr := e.CreateSchedulePlan(ctx, domain.SchedulePlan{
			Label:         input.Body.Label,
			StrategyJSON:  string(strategyJSON),
			MinAppVersion: input.Body.MinAppVersion,
			MaxAppVersion: input.Body.MaxAppVersion,
		})
		if cerr != nil {
			return nil, handleError(cerr)
		}
		resp := &struct {
			Body PlanResponse
		}{}
		resp.Body = newPlanResponse(plan)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-plan",
		Method:      http.MethodDelete,
		Path:        "/plans/{guid}",
		Summary:     "Delete a schedule plan",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		GUID string `path:"guid"`
	}) (*struct {
		Body MessageResponse
	}, error) {
		if err := e.DeleteSchedulePlan(ctx, input.GUID); err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body MessageResponse
		}{}
		resp.Body.Message = "plan deleted"
		return resp, nil
	})
}

func registerTaskEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List scheduling events",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EventListResponse
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		events, err := e.Repo.ListTaskEvents(ctx, principal.HealthCode)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body EventListResponse
		}{}
		resp.Body.Items = make([]EventResponse, 0, len(events))
		for _, ev := range events {
			resp.Body.Items = append(resp.Body.Items, EventResponse{
				Name:      ev.Name,
				Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
			})
		}
		resp.Body.Total = len(events)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-event",
		Method:      http.MethodPut,
		Path:        "/events",
		Summary:     "Record a scheduling event",
		Description: "Sets the timestamp for a named event; later writes replace earlier ones.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SetEventRequest
	}) (*struct {
		Body MessageResponse
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts, err := time.Parse(time.RFC3339, input.Body.Timestamp)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("invalid timestamp %q: must be RFC 3339", input.Body.Timestamp), nil)
		}
		if serr := e.SetTaskEvent(ctx, domain.TaskEvent{
			HealthCode: principal.HealthCode,
			Name:       input.Body.Name,
			Timestamp:  ts,
		}); serr != nil {
			return nil, handleError(serr)
		}
		resp := &struct {
			Body MessageResponse
		}{}
		resp.Body.Message = "event recorded"
		return resp, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Studyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
