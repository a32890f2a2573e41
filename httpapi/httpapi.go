// Package httpapi provides the HTTP API handler for Autolyst.
// It delegates all business logic to the engine and the datasource registry.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/autolyst-dev/autolyst/datasource"
	"github.com/autolyst-dev/autolyst/engine"
	"github.com/autolyst-dev/autolyst/model"
)

// Handler provides the HTTP API for Autolyst.
type Handler struct {
	engine   *engine.Engine
	registry *datasource.Registry
	router   chi.Router
}

// New creates a new HTTP API handler.
func New(eng *engine.Engine, registry *datasource.Registry) *Handler {
	h := &Handler{engine: eng, registry: registry}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/sessions", h.handleCreateSession)
			r.Get("/sessions", h.handleListSessions)
			r.Get("/sessions/{id}", h.handleGetSession)
			r.Post("/sessions/{id}/files", h.handleUploadFile)
			r.Post("/sessions/{id}/stage", h.handleStageFromDataSource)
			r.Post("/sessions/{id}/start", h.handleStartSession)
			r.Post("/sessions/{id}/cancel", h.handleCancelSession)
			r.Get("/sessions/{id}/turns", h.handleGetTurns)
			r.Get("/sessions/{id}/artifacts", h.handleGetArtifacts)

			r.Post("/datasources", h.handleCreateDataSource)
			r.Get("/datasources", h.handleListDataSources)
			r.Get("/datasources/{id}", h.handleGetDataSource)
			r.Put("/datasources/{id}", h.handleUpdateDataSource)
			r.Delete("/datasources/{id}", h.handleDeleteDataSource)
			r.Get("/datasources/{id}/items", h.handleListDataSourceItems)
			r.Post("/datasources/{id}/test", h.handleTestDataSource)
		})
		r.Get("/sessions/{id}/events", h.handleSessionEvents)
		r.Get("/sessions/{id}/artifacts/*", h.handleDownloadArtifact)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createSessionRequest struct {
	Task      string `json:"task"`
	MaxRounds int    `json:"max_rounds,omitempty"`
}

type uploadResponse struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type stageRequest struct {
	DataSource string `json:"datasource"`
	Identifier string `json:"identifier"`
}

type stageResponse struct {
	File       string `json:"file"`
	DataSource string `json:"datasource"`
}

type dataSourceRequest struct {
	Name    string            `json:"name"`
	Kind    string            `json:"kind"`
	Params  map[string]string `json:"params,omitempty"`
	Secrets map[string]string `json:"secrets,omitempty"`
	// Test controls whether the connection is verified before persisting.
	// Defaults to true.
	Test *bool `json:"test,omitempty"`
}

type testResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Session handlers ---

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if len([]rune(req.Task)) > 10000 {
		writeError(w, http.StatusBadRequest, "task exceeds 10000 characters")
		return
	}
	if req.MaxRounds < 0 {
		writeError(w, http.StatusBadRequest, "max_rounds must be positive")
		return
	}

	sess, err := h.engine.CreateSession(req.Task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		slog.Error("creating session", "error", err)
		return
	}
	if req.MaxRounds > 0 {
		sess.MaxRounds = req.MaxRounds
		if err := h.engine.Store().UpdateSession(sess); err != nil {
			slog.Error("persisting max_rounds override", "session", sess.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.Store().ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		slog.Error("listing sessions", "error", err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 100<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	n, err := h.engine.StageInput(id, header.Filename, file)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		Name: filepath.Base(header.Filename), Size: n,
	})
}

func (h *Handler) handleStageFromDataSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.Status != model.StatusPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot stage into a %s session", sess.Status))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DataSource == "" || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "datasource and identifier are required")
		return
	}

	ds, err := h.engine.Store().GetDataSource(req.DataSource)
	if err != nil {
		ds, err = h.engine.Store().GetDataSourceByName(req.DataSource)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}

	name, err := h.registry.Fetch(r.Context(), ds, req.Identifier, sess.Workspace)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	sess.Source = ds.ID
	if err := h.engine.Store().UpdateSession(sess); err != nil {
		slog.Error("persisting session source", "session", id, "error", err)
	}
	writeJSON(w, http.StatusCreated, stageResponse{File: name, DataSource: ds.ID})
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := h.engine.StartSession(id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (h *Handler) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := h.engine.CancelSession(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (h *Handler) handleGetTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := h.engine.Store().GetTurns(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get turns")
		slog.Error("loading turns", "session", id, "error", err)
		return
	}
	if turns == nil {
		turns = []*model.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func (h *Handler) handleGetArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifacts, err := h.engine.Store().GetArtifacts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get artifacts")
		slog.Error("loading artifacts", "session", id, "error", err)
		return
	}
	if artifacts == nil {
		artifacts = []*model.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (h *Handler) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// Rooted clean keeps the path inside the workspace.
	rel := path.Clean("/" + chi.URLParam(r, "*"))
	full := filepath.Join(sess.Workspace, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	http.ServeFile(w, r, full)
}

func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.engine.Store().GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var after int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("after"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}

	// Subscribe before replaying so nothing falls in the gap; live events
	// already replayed are skipped by ID.
	ch := h.engine.Bus().Subscribe(id)
	defer h.engine.Bus().Unsubscribe(id, ch)

	events, err := h.engine.Store().GetEvents(id, after)
	if err != nil {
		slog.Error("loading events", "session", id, "error", err)
		events = nil
	}
	lastID := after
	done := false
	for _, e := range events {
		writeSSE(w, e)
		lastID = e.ID
		if e.Type == "done" {
			done = true
		}
	}
	flusher.Flush()
	if done {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID <= lastID {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
			if event.Type == "done" {
				return
			}
		}
	}
}

// --- Data source handlers ---

func (h *Handler) handleCreateDataSource(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req dataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("kind is required (one of: %s)", strings.Join(h.registry.Kinds(), ", ")))
		return
	}

	sealed, err := h.registry.Seal(req.Secrets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to seal credentials")
		slog.Error("sealing credentials", "error", err)
		return
	}

	now := time.Now().UTC()
	ds := &model.DataSource{
		ID:        uuid.New().String()[:8],
		Name:      req.Name,
		Kind:      req.Kind,
		Params:    req.Params,
		Sealed:    sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Test == nil || *req.Test {
		if err := h.registry.Test(r.Context(), ds); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	if err := h.engine.Store().CreateDataSource(ds); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "datasource name already in use")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create datasource")
		slog.Error("creating datasource", "error", err)
		return
	}
	writeJSON(w, http.StatusCreated, dataSourceView(ds))
}

func (h *Handler) handleListDataSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.engine.Store().ListDataSources()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list datasources")
		slog.Error("listing datasources", "error", err)
		return
	}
	views := make([]*model.DataSource, 0, len(sources))
	for _, ds := range sources {
		views = append(views, dataSourceView(ds))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGetDataSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ds, err := h.engine.Store().GetDataSource(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}
	writeJSON(w, http.StatusOK, dataSourceView(ds))
}

func (h *Handler) handleUpdateDataSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ds, err := h.engine.Store().GetDataSource(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req dataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		ds.Name = name
	}
	if req.Params != nil {
		ds.Params = req.Params
	}
	if req.Secrets != nil {
		sealed, err := h.registry.Seal(req.Secrets)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to seal credentials")
			slog.Error("sealing credentials", "datasource", id, "error", err)
			return
		}
		ds.Sealed = sealed
	}

	if req.Test == nil || *req.Test {
		if err := h.registry.Test(r.Context(), ds); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	if err := h.engine.Store().UpdateDataSource(ds); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "datasource name already in use")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update datasource")
		slog.Error("updating datasource", "datasource", id, "error", err)
		return
	}
	h.registry.Invalidate(id)
	writeJSON(w, http.StatusOK, dataSourceView(ds))
}

func (h *Handler) handleDeleteDataSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetDataSource(id); err != nil {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}
	if err := h.engine.Store().DeleteDataSource(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete datasource")
		slog.Error("deleting datasource", "datasource", id, "error", err)
		return
	}
	h.registry.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListDataSourceItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ds, err := h.engine.Store().GetDataSource(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}
	items, err := h.registry.ListItems(r.Context(), ds, r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if items == nil {
		items = []datasource.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleTestDataSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ds, err := h.engine.Store().GetDataSource(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}
	if err := h.registry.Test(r.Context(), ds); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, testResponse{OK: true})
}

// --- Helpers ---

// dataSourceView copies a data source with credential material masked.
func dataSourceView(ds *model.DataSource) *model.DataSource {
	view := *ds
	view.Params = datasource.SanitizeParams(ds.Params)
	view.Sealed = nil
	return &view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("encoding event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, string(data)); err != nil {
		slog.Error("writing event", "error", err)
	}
}
