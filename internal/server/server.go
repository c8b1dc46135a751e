package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tilesync/internal/domain"
	"tilesync/internal/engine"
	"tilesync/internal/store"
	"tilesync/internal/vocab"
)

// Config for the HTTP API handler. Parents supplies the roster for a
// backfill request without a body.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Parents  func() ([]domain.ParentEntity, error)
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"version conflict on T-1: expected 3, current 4"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current\":{\"id\":\"T-1\",\"version\":4}}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the HTTP API plus the websocket hub behind /ws.
type Server struct {
	http.Handler
	hub *hub
}

// Close disconnects websocket clients. In-flight HTTP requests are left to
// http.Server.Shutdown.
func (s *Server) Close() { s.hub.closeAll() }

// Clients reports connected websocket clients.
func (s *Server) Clients() int { return s.hub.count() }

// New returns the tilesync HTTP API.
func New(cfg Config) (*Server, error) {
	if cfg.Engine.Views == nil || cfg.Engine.Store == nil {
		return nil, errors.New("server: engine is not configured")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation failures are the caller's fault
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Tilesync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := newHub(cfg.Engine, logger)
	registerDocs(router, basePath)
	registerHealth(group, h)
	registerViews(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerBackfill(group, cfg.Engine, cfg.Parents)
	registerOpenAPI(router, api, basePath)
	router.Get(path.Join(basePath, "ws"), h.handle)

	return &Server{Handler: router, hub: h}, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	var conflict *store.VersionConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"expected_version": conflict.Expected,
			"current":          itemResponse(conflict.Current),
		})
	}
	var unknownLabel *vocab.UnknownLabelError
	if errors.As(err, &unknownLabel) {
		return newAPIError(http.StatusBadRequest, "unknown_label", err.Error(), map[string]any{
			"view":  unknownLabel.View,
			"label": unknownLabel.Label,
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, vocab.ErrUnknownView):
		return newAPIError(http.StatusNotFound, "unknown_view", msg, nil)
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, store.ErrDuplicate):
		return newAPIError(http.StatusConflict, "duplicate", msg, nil)
	case errors.Is(err, store.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, store.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", map[string]any{"error": msg})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tilesync API Docs</title>
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

func registerHealth(api huma.API, h *hub) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"status": "ok", "ws_clients": h.count()}}, nil
	})
}

func registerViews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-views",
		Method:      http.MethodGet,
		Path:        "/views",
		Summary:     "List view vocabularies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ViewResponse `json:"body"`
	}, error) {
		views := e.Views.Views()
		res := make([]ViewResponse, 0, len(views))
		for _, v := range views {
			res = append(res, viewResponse(v))
		}
		return &struct {
			Body []ViewResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-view-items",
		Method:      http.MethodGet,
		Path:        "/views/{view}/items",
		Summary:     "List items visible in a view",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		View     string `path:"view"`
		ParentID string `query:"parent_id"`
	}) (*struct {
		Body []ViewItemResponse `json:"body"`
	}, error) {
		items, err := e.ListForView(ctx, input.View, input.ParentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ViewItemResponse `json:"body"`
		}{Body: viewItemResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-status-from-view",
		Method:      http.MethodPost,
		Path:        "/views/{view}/items/{id}/status",
		Summary:     "Change an item's status using a view label",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		View string              `path:"view"`
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body ViewItemResponse `json:"body"`
	}, error) {
		it, err := e.UpdateStatusFromView(ctx, input.View, input.ID, input.Body.Label, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		label, _ := e.Views.ToLocal(input.View, it.Status)
		return &struct {
			Body ViewItemResponse `json:"body"`
		}{Body: ViewItemResponse{Label: label, Item: itemResponse(it)}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		opts, err := input.Body.options()
		if err != nil {
			return nil, handleError(err)
		}
		if opts.Label != "" && opts.View == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "view is required with label", nil)
		}
		it, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items-by-status",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List items at a canonical status",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" required:"true" enum:"designing,pending_approval,queued,in_progress,ready_for_next_stage,assembling,done"`
		ParentID string `query:"parent_id"`
	}) (*struct {
		Body []ItemResponse `json:"body"`
	}, error) {
		status, err := parseStatus(&input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListByStatus(ctx, *status, input.ParentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ItemResponse `json:"body"`
		}{Body: itemResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get item",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		it, err := e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{id}",
		Summary:     "Update item fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		opts, err := input.Body.options(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if opts.Label != "" && opts.View == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "view is required with label", nil)
		}
		it, err := e.UpdateFields(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-transitions",
		Method:      http.MethodGet,
		Path:        "/items/{id}/transitions",
		Summary:     "Status history of an item",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		if _, err := e.GetItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		trs, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TransitionResponse, 0, len(trs))
		for _, tr := range trs {
			res = append(res, transitionResponse(tr))
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerBackfill(api huma.API, e engine.Engine, roster func() ([]domain.ParentEntity, error)) {
	huma.Register(api, huma.Operation{
		OperationID: "backfill",
		Method:      http.MethodPost,
		Path:        "/backfill",
		Summary:     "Create default items for parents that have none",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *BackfillRequest `json:"body" required:"false"`
	}) (*struct {
		Body BackfillResponse `json:"body"`
	}, error) {
		var list []domain.ParentEntity
		if len(bodyBytes(ctx)) == 0 || input.Body == nil || len(input.Body.Parents) == 0 {
			if roster == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "parents required: no roster configured", nil)
			}
			var err error
			if list, err = roster(); err != nil {
				return nil, newAPIError(http.StatusInternalServerError, "internal_error", "load parents", map[string]any{"error": err.Error()})
			}
		} else {
			list = input.Body.parents()
		}
		rep, err := e.EnsureDefaultItems(ctx, list)
		if err != nil && len(rep.Created) == 0 && len(rep.Skipped) == 0 {
			return nil, handleError(err)
		}
		// parents that failed are retried on the next run
		res := backfillResponse(rep)
		if err != nil {
			res.Errors = strings.Split(err.Error(), "\n")
		}
		return &struct {
			Body BackfillResponse `json:"body"`
		}{Body: res}, nil
	})
}
