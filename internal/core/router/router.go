// Package router exposes the edit sessions over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/intercept"
	"github.com/mohammed-shakir/editsync/internal/logger"
	"github.com/mohammed-shakir/editsync/internal/session"
	"github.com/mohammed-shakir/editsync/internal/workflow"
)

const maxBody = 8 << 20

// Sessions is the session registry the handlers operate on.
type Sessions interface {
	OpenSpec(ctx context.Context, spec session.ViewSpec) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Close(id string) error
	IDs() []string
}

// SupervisorLister returns the supervisor roster of the technician layer.
type SupervisorLister func(ctx context.Context) ([]string, error)

type API struct {
	log         *slog.Logger
	sessions    Sessions
	supervisors SupervisorLister
}

func New(log *slog.Logger, sessions Sessions, supervisors SupervisorLister) *API {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &API{log: log, sessions: sessions, supervisors: supervisors}
}

// Mount registers the /v1 routes on r.
func (a *API) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", a.handle("/v1/sessions", a.listSessions))
		r.Post("/sessions", a.handle("/v1/sessions", a.openSession))
		r.Get("/supervisors", a.handle("/v1/supervisors", a.listSupervisors))
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", a.handle("/v1/sessions/{id}", a.getSession))
			r.Delete("/", a.handle("/v1/sessions/{id}", a.closeSession))
			r.Post("/selection", a.handle("/v1/sessions/{id}/selection", a.selection))
			r.Post("/visibility", a.handle("/v1/sessions/{id}/visibility", a.visibility))
			r.Post("/cancel", a.handle("/v1/sessions/{id}/cancel", a.cancel))
			r.Post("/create", a.handle("/v1/sessions/{id}/create", a.create))
			r.Post("/draft/geometry", a.handle("/v1/sessions/{id}/draft/geometry", a.draftGeometry))
			r.Post("/layers/{layerKey}/edits", a.handle("/v1/sessions/{id}/layers/{layerKey}/edits", a.edits))
			r.Post("/layer-views", a.handle("/v1/sessions/{id}/layer-views", a.addLayerView))
			r.Delete("/layer-views/{viewId}", a.handle("/v1/sessions/{id}/layer-views/{viewId}", a.removeLayerView))
			r.Post("/layer-views/{viewId}/visibility", a.handle("/v1/sessions/{id}/layer-views/{viewId}/visibility", a.layerVisibility))
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (a *API) handle(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type errorBody struct {
	Error    string                     `json:"error"`
	Failures []intercept.FeatureFailure `json:"failures,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	body := errorBody{Error: err.Error()}
	var verr *intercept.ValidationError
	if errors.As(err, &verr) {
		body.Failures = verr.Failures
	}
	if code >= http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "err", err)
	} else {
		a.log.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, body)
}

// statusFor maps domain errors to HTTP codes; anything else is def.
func statusFor(err error, def int) int {
	switch {
	case errors.Is(err, intercept.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, session.ErrUnknownLayer),
		errors.Is(err, session.ErrUnknownSource),
		errors.Is(err, session.ErrUnknownView):
		return http.StatusNotFound
	case errors.Is(err, session.ErrFixedView):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInvalidView):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed), errors.Is(err, workflow.ErrClosed):
		return http.StatusGone
	}
	return def
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, *http.Request, bool) {
	id := chi.URLParam(r, "id")
	s, err := a.sessions.Get(id)
	if err != nil {
		a.fail(w, r, statusFor(err, http.StatusInternalServerError), err)
		return nil, r, false
	}
	return s, r.WithContext(logger.WithSession(r.Context(), id)), true
}

func (a *API) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": a.sessions.IDs()})
}

func (a *API) openSession(w http.ResponseWriter, r *http.Request) {
	var spec session.ViewSpec
	if err := decode(r, &spec); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	s, err := a.sessions.OpenSpec(r.Context(), spec)
	if err != nil {
		a.fail(w, r, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+s.ID())
	writeJSON(w, http.StatusCreated, s.State())
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, _, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.State())
}

func (a *API) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Close(chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type selectionRequest struct {
	DataSourceID string  `json:"dataSourceId"`
	IDs          []int64 `json:"ids"`
	FromEditor   bool    `json:"fromEditor"`
}

type workflowResponse struct {
	Workflow workflow.Workflow `json:"workflow"`
	Error    string            `json:"error,omitempty"`
}

func (a *API) selection(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.DataSourceID) == "" {
		a.fail(w, r, http.StatusBadRequest, errors.New("dataSourceId is required"))
		return
	}
	wf, err := s.Select(r.Context(), req.DataSourceID, req.IDs, req.FromEditor)
	if err != nil && !errors.Is(err, workflow.ErrNoFeatures) {
		a.fail(w, r, statusFor(err, http.StatusBadGateway), err)
		return
	}
	resp := workflowResponse{Workflow: wf}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) visibility(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Visible == nil {
		a.fail(w, r, http.StatusBadRequest, errors.New("visible is required"))
		return
	}
	out, err := s.SetVisible(r.Context(), *req.Visible)
	if err != nil && !errors.Is(err, workflow.ErrNoFeatures) {
		a.fail(w, r, statusFor(err, http.StatusBadGateway), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{Workflow: s.Cancel(r.Context())})
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	var req struct {
		LayerKey string `json:"layerKey"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	out, err := s.BeginCreate(r.Context(), req.LayerKey)
	if err != nil {
		a.fail(w, r, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) draftGeometry(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	g, err := geojson.UnmarshalGeometry(body)
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid geometry: %w", err))
		return
	}
	if g.Geometry() == nil {
		a.fail(w, r, http.StatusBadRequest, errors.New("geometry is required"))
		return
	}
	if err := s.PlaceDraft(g.Geometry()); err != nil {
		a.fail(w, r, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.State())
}

func (a *API) edits(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	var batch model.EditBatch
	if err := decode(r, &batch); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	key := chi.URLParam(r, "layerKey")
	res, err := s.SubmitEdits(logger.WithLayer(r.Context(), key), key, batch)
	if err != nil {
		a.fail(w, r, statusFor(err, http.StatusBadGateway), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type layerViewRequest struct {
	Layer       session.LayerSpec `json:"layer"`
	FromRuntime bool              `json:"fromRuntime"`
}

type layerViewResponse struct {
	ViewID         string        `json:"viewId"`
	Visible        bool          `json:"visible"`
	PendingRebuild bool          `json:"pendingRebuild"`
	State          session.State `json:"state"`
}

func (a *API) addLayerView(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	var req layerViewRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	lv, err := s.AddLayerView(logger.WithLayer(r.Context(), req.Layer.ID), req.Layer, req.FromRuntime)
	if err != nil {
		a.fail(w, r, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+s.ID()+"/layer-views/"+lv.ID)
	writeJSON(w, http.StatusCreated, layerViewResponse{
		ViewID:         lv.ID,
		Visible:        lv.Visible,
		PendingRebuild: s.PendingRebuild(),
		State:          s.State(),
	})
}

func (a *API) removeLayerView(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := s.RemoveLayerView(r.Context(), chi.URLParam(r, "viewId")); err != nil {
		a.fail(w, r, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) layerVisibility(w http.ResponseWriter, r *http.Request) {
	s, r, ok := a.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Visible == nil {
		a.fail(w, r, http.StatusBadRequest, errors.New("visible is required"))
		return
	}
	viewID := chi.URLParam(r, "viewId")
	if err := s.SetLayerVisible(r.Context(), viewID, *req.Visible); err != nil {
		a.fail(w, r, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, layerViewResponse{
		ViewID:         viewID,
		Visible:        *req.Visible,
		PendingRebuild: s.PendingRebuild(),
		State:          s.State(),
	})
}

func (a *API) listSupervisors(w http.ResponseWriter, r *http.Request) {
	if a.supervisors == nil {
		writeJSON(w, http.StatusOK, map[string][]string{"supervisors": {}})
		return
	}
	names, err := a.supervisors(r.Context())
	if err != nil {
		a.fail(w, r, http.StatusBadGateway, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"supervisors": names})
}
