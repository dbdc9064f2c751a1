// Package server exposes the engine over HTTP with huma-generated OpenAPI.
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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/genai"
	"taskforge/internal/llm"
	"taskforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 7 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskforge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema-level request problems are the client's fault
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Taskforge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStories(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerGeneration(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

// handleError maps domain and backend errors onto the envelope. Anything
// unclassified is an internal error with the cause tucked into details.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": verr.Field})
	}
	var nfe repo.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"entity": nfe.Entity, "id": nfe.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var derr *genai.DecompositionError
	if errors.As(err, &derr) {
		return newAPIError(http.StatusBadGateway, "decomposition_failed", err.Error(), nil)
	}
	switch {
	case errors.Is(err, llm.ErrUnavailable):
		return newAPIError(http.StatusBadGateway, "model_unavailable", err.Error(), nil)
	case errors.Is(err, llm.ErrRefused):
		return newAPIError(http.StatusBadGateway, "model_refused", err.Error(), nil)
	case errors.Is(err, genai.ErrUnparsableNumber),
		errors.Is(err, genai.ErrOutOfRange),
		errors.Is(err, genai.ErrUnknownCategory),
		errors.Is(err, genai.ErrEmptyResponse):
		return newAPIError(http.StatusBadGateway, "model_output_invalid", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "bad_gateway"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
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
    <title>Taskforge API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/stories",
		Summary:       "Create user story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateStoryRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		s, err := e.CreateStory(ctx, storyFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-story",
		Method:        http.MethodPost,
		Path:          "/stories/generate",
		Summary:       "Generate user story from a prompt",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body GenerateStoryRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Prompt) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", nil)
		}
		s, err := e.GenerateStory(ctx, input.Body.Prompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List user stories",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Offset int `query:"offset" minimum:"0"`
	}) (*struct {
		Body []StoryResponse `json:"body"`
	}, error) {
		items, err := e.ListStories(ctx, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StoryResponse `json:"body"`
		}{Body: mapStories(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{id}",
		Summary:     "Get user story",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		s, err := e.GetStory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-story",
		Method:      http.MethodDelete,
		Path:        "/stories/{id}",
		Summary:     "Delete user story and its tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteStory(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-story-tasks",
		Method:      http.MethodGet,
		Path:        "/stories/{id}/tasks",
		Summary:     "List the story's tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.ListStoryTasks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-story-tasks",
		Method:        http.MethodPost,
		Path:          "/stories/{id}/generate-tasks",
		Summary:       "Decompose the story into enriched tasks",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body GenerateTasksRequest `json:"body"`
	}) (*struct {
		Body GeneratedTasksResponse `json:"body"`
	}, error) {
		count := input.Body.Count
		if count == 0 {
			count = 3
		}
		results, err := e.GenerateTasksForStory(ctx, input.ID, count)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GeneratedTasksResponse `json:"body"`
		}{Body: GeneratedTasksResponse{StoryID: input.ID, Tasks: mapResults(results)}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body TaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.CreateTask(ctx, taskFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		StoryID  int64  `query:"user_story_id" minimum:"0"`
		Status   string `query:"status"`
		Category string `query:"category"`
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Offset   int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		f := repo.TaskFilters{
			Status:   input.Status,
			Category: input.Category,
			Limit:    input.Limit,
			Offset:   input.Offset,
		}
		// 0 means unfiltered; story ids start at 1
		if input.StoryID > 0 {
			f.StoryID = &input.StoryID
		}
		items, err := e.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Replace task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   int64       `path:"id"`
		Body TaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t := taskFromRequest(input.Body)
		t.ID = input.ID
		updated, err := e.UpdateTask(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	registerEnrichTask(api, e)
}

func registerEnrichTask(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "enrich-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/enrich",
		Summary:     "Fill the task's missing fields by generation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body struct {
			Stages []string `json:"stages,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body EnrichedTaskResponse `json:"body"`
	}, error) {
		tracks := make([]genai.Track, 0, len(input.Body.Stages))
		for _, s := range input.Body.Stages {
			tracks = append(tracks, genai.Track(s))
		}
		t, outcomes, err := e.EnrichTask(ctx, input.ID, tracks)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnrichedTaskResponse `json:"body"`
		}{Body: EnrichedTaskResponse{Task: taskResponse(t), Outcomes: mapOutcomes(outcomes)}}, nil
	})
}

// registerGeneration exposes the stateless stage endpoints: the caller posts
// a task payload and gets the generated fields back without anything being
// stored.
func registerGeneration(api huma.API, e engine.Engine) {
	stages := []struct {
		op      string
		path    string
		summary string
		tracks  []genai.Track
		reset   func(*domain.Task)
	}{
		{"ai-describe-task", "/ai/tasks/describe", "Generate a task description", []genai.Track{genai.TrackDescription}, nil},
		{"ai-categorize-task", "/ai/tasks/categorize", "Classify a task", []genai.Track{genai.TrackCategory}, nil},
		// estimate always produces a fresh number, even when the payload carries one
		{"ai-estimate-task", "/ai/tasks/estimate", "Estimate task effort", []genai.Track{genai.TrackEffort},
			func(t *domain.Task) { t.EffortHours = nil }},
		{"ai-audit-task", "/ai/tasks/audit", "Risk analysis and mitigation for a task", []genai.Track{genai.TrackAudit}, nil},
	}
	for _, st := range stages {
		tracks := st.tracks
		reset := st.reset
		huma.Register(api, huma.Operation{
			OperationID: st.op,
			Method:      http.MethodPost,
			Path:        st.path,
			Summary:     st.summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusBadGateway,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			Body TaskRequest `json:"body"`
		}) (*struct {
			Body EnrichedTaskResponse `json:"body"`
		}, error) {
			payload := taskFromRequest(input.Body)
			if reset != nil {
				reset(&payload)
			}
			t, outcomes, err := e.EnrichPayload(ctx, payload, tracks)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body EnrichedTaskResponse `json:"body"`
			}{Body: EnrichedTaskResponse{Task: taskResponse(t), Outcomes: mapOutcomes(outcomes)}}, nil
		})
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
