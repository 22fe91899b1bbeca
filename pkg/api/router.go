package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/easzlab/eztc/pkg/desiredstate"
	"github.com/easzlab/eztc/pkg/reconciler"
	"github.com/easzlab/eztc/pkg/rules"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// maxBodyBytes bounds desired-state documents accepted over HTTP.
const maxBodyBytes = 1 << 20

// Handler serves the desired-state HTTP API.
type Handler struct {
	sync   *desiredstate.Sync
	store  *rules.Store
	logger *zap.Logger
}

// NewRouter creates the HTTP router:
//
//	GET   /healthz  liveness
//	GET   /rules    current rule set
//	PUT   /rules    full document, replaces every rule
//	PATCH /rules    patch document
func NewRouter(sync *desiredstate.Sync, store *rules.Store, logger *zap.Logger) http.Handler {
	h := &Handler{sync: sync, store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.health)
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Put("/", h.replaceRules)
		r.Patch("/", h.patchRules)
	})
	return r
}

// resultResponse is the JSON form of a reconciler.Result.
type resultResponse struct {
	Name    string             `json:"name"`
	Adapter string             `json:"adapter,omitempty"`
	Outcome reconciler.Outcome `json:"outcome"`
	Error   string             `json:"error,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type reportResponse struct {
	Results []resultResponse `json:"results"`
	Aborted bool             `json:"aborted"`
	Error   string           `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"rules": h.store.Len()})
}

func (h *Handler) listRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

func (h *Handler) replaceRules(w http.ResponseWriter, r *http.Request) {
	h.handleDocument(w, r, h.sync.OnFullState)
}

func (h *Handler) patchRules(w http.ResponseWriter, r *http.Request) {
	h.handleDocument(w, r, h.sync.OnPatch)
}

type documentFunc func(ctx context.Context, doc []byte) (reconciler.Report, error)

func (h *Handler) handleDocument(w http.ResponseWriter, r *http.Request, apply documentFunc) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	// Reconciliation outlives the request: a client disconnect must not cut a batch short.
	report, err := apply(context.WithoutCancel(r.Context()), doc)

	var cfgErr *desiredstate.ConfigError
	if errors.As(err, &cfgErr) && len(report.Results) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: cfgErr.Error()})
		return
	}

	response := toReportResponse(report)
	if err != nil {
		response.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func toReportResponse(report reconciler.Report) reportResponse {
	response := reportResponse{
		Results: make([]resultResponse, 0, len(report.Results)),
		Aborted: report.Aborted(),
	}
	for _, result := range report.Results {
		item := resultResponse{
			Name:    result.Name,
			Adapter: result.Adapter,
			Outcome: result.Outcome,
			Output:  result.Output,
		}
		if result.Err != nil {
			item.Error = result.Err.Error()
		}
		response.Results = append(response.Results, item)
	}
	if report.Err != nil {
		response.Error = report.Err.Error()
	}
	return response
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
