package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bobarin/cenaflow/internal/assembler"
	"github.com/bobarin/cenaflow/internal/db"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/orchestrator"
	"github.com/bobarin/cenaflow/internal/queue"
	"github.com/bobarin/cenaflow/internal/scenes"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ProjectStore interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

type SceneStore interface {
	Get(ctx context.Context, projectID, sceneID uuid.UUID) (models.Scene, error)
	Snapshot(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
	Replace(ctx context.Context, projectID uuid.UUID, list []models.Scene) error
}

type JobQueue interface {
	EnqueueSceneTask(ctx context.Context, projectID, sceneID uuid.UUID, task string) (uuid.UUID, error)
	EnqueueEnsurePreviews(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error)
	EnqueueRender(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*queue.JobState, error)
}

// TaskControl exposes the in-process task registry. Nil when the worker
// runs elsewhere.
type TaskControl interface {
	Cancel(projectID, sceneID uuid.UUID, task models.TaskType) bool
	Running(projectID uuid.UUID) []orchestrator.TaskInfo
	ClearStale(ctx context.Context, projectID, sceneID uuid.UUID) (bool, error)
}

type RenderState interface {
	IsRendering() bool
}

type Handler struct {
	projects ProjectStore
	scenes   SceneStore
	queue    JobQueue
	tasks    TaskControl
	render   RenderState
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(projects ProjectStore, sceneStore SceneStore, q JobQueue, tasks TaskControl, render RenderState, logger zerolog.Logger) *Handler {
	return &Handler{
		projects: projects,
		scenes:   sceneStore,
		queue:    q,
		tasks:    tasks,
		render:   render,
		validate: validator.New(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if !h.decode(w, r, &req) {
		return
	}

	project := &models.Project{
		ID:            uuid.New(),
		Name:          strings.TrimSpace(req.Name),
		NarrationPath: req.NarrationPath,
		MusicPath:     req.MusicPath,
		SubtitlePath:  req.SubtitlePath,
		Status:        models.ProjectStatusDraft,
	}

	if err := h.projects.CreateProject(r.Context(), project); err != nil {
		h.fail(w, err, "Failed to create project")
		return
	}

	respondJSON(w, http.StatusCreated, project)
}

// GetProject handles GET /v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	project, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, "Failed to get project")
		return
	}

	list, err := h.scenes.Snapshot(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, "Failed to get scenes")
		return
	}

	resp := models.ProjectResponse{Project: *project, Scenes: list}
	if h.render != nil {
		resp.Rendering = h.render.IsRendering()
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListScenes handles GET /v1/projects/{id}/scenes
func (h *Handler) ListScenes(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.existingProject(w, r)
	if !ok {
		return
	}

	list, err := h.scenes.Snapshot(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, "Failed to get scenes")
		return
	}
	if list == nil {
		list = []models.Scene{}
	}
	respondJSON(w, http.StatusOK, list)
}

// ReplaceScenes handles PUT /v1/projects/{id}/scenes. The body is the whole
// new scene list.
func (h *Handler) ReplaceScenes(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.existingProject(w, r)
	if !ok {
		return
	}

	var req models.ReplaceScenesRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.scenes.Replace(r.Context(), projectID, req.Scenes); err != nil {
		h.fail(w, err, "Failed to replace scenes")
		return
	}

	list, err := h.scenes.Snapshot(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, "Failed to get scenes")
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// StartTask handles POST /v1/projects/{id}/scenes/{sceneId}/tasks
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.existingProject(w, r)
	if !ok {
		return
	}
	sceneID, ok := pathUUID(w, r, "sceneId")
	if !ok {
		return
	}

	var req models.StartTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	scene, err := h.scenes.Get(r.Context(), projectID, sceneID)
	if err != nil {
		h.fail(w, err, "Failed to get scene")
		return
	}
	if scene.Busy() && !h.clearStale(w, r, projectID, sceneID) {
		return
	}

	jobID, err := h.queue.EnqueueSceneTask(r.Context(), projectID, sceneID, req.Task)
	if err != nil {
		h.fail(w, err, "Failed to enqueue task")
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{JobID: jobID, Status: string(queue.JobStatusQueued)})
}

// CancelTask handles DELETE /v1/projects/{id}/scenes/{sceneId}/tasks/{task}
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	sceneID, ok := pathUUID(w, r, "sceneId")
	if !ok {
		return
	}
	task, err := models.ParseTaskType(chi.URLParam(r, "task"))
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if h.tasks == nil || !h.tasks.Cancel(projectID, sceneID, task) {
		respondError(w, http.StatusNotFound, "No running task to cancel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTasks handles GET /v1/projects/{id}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	running := []orchestrator.TaskInfo{}
	if h.tasks != nil {
		running = append(running, h.tasks.Running(projectID)...)
	}
	respondJSON(w, http.StatusOK, running)
}

// EnsurePreviews handles POST /v1/projects/{id}/previews
func (h *Handler) EnsurePreviews(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.existingProject(w, r)
	if !ok {
		return
	}

	jobID, err := h.queue.EnqueueEnsurePreviews(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, "Failed to enqueue previews")
		return
	}
	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{JobID: jobID, Status: string(queue.JobStatusQueued)})
}

// Render handles POST /v1/projects/{id}/render
func (h *Handler) Render(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.existingProject(w, r)
	if !ok {
		return
	}
	if h.render != nil && h.render.IsRendering() {
		respondError(w, http.StatusConflict, assembler.ErrRenderInProgress.Error())
		return
	}

	jobID, err := h.queue.EnqueueRender(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, "Failed to enqueue render")
		return
	}
	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{JobID: jobID, Status: string(queue.JobStatusQueued)})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	state, err := h.queue.GetStatus(r.Context(), jobID)
	if err != nil {
		h.fail(w, err, "Failed to get job")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// clearStale lets a busy scene start again when the local worker has no task
// for it, which means the flag outlived the run that raised it. Otherwise it
// answers 409 and returns false.
func (h *Handler) clearStale(w http.ResponseWriter, r *http.Request, projectID, sceneID uuid.UUID) bool {
	if h.tasks == nil {
		respondError(w, http.StatusConflict, orchestrator.ErrTaskInProgress.Error())
		return false
	}
	cleared, err := h.tasks.ClearStale(r.Context(), projectID, sceneID)
	if err != nil {
		h.fail(w, err, "Failed to check scene task")
		return false
	}
	if !cleared {
		respondError(w, http.StatusConflict, orchestrator.ErrTaskInProgress.Error())
		return false
	}
	return true
}

// existingProject parses {id} and answers 404 when the project is unknown.
func (h *Handler) existingProject(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	projectID, ok := pathUUID(w, r, "id")
	if !ok {
		return uuid.Nil, false
	}
	if _, err := h.projects.GetProject(r.Context(), projectID); err != nil {
		h.fail(w, err, "Failed to get project")
		return uuid.Nil, false
	}
	return projectID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

// fail maps domain errors to status codes; anything unknown is a 500 with a
// generic message and the cause logged.
func (h *Handler) fail(w http.ResponseWriter, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg(message)
		respondError(w, status, message)
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrProjectNotFound),
		errors.Is(err, scenes.ErrSceneNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, assembler.ErrRenderInProgress),
		errors.Is(err, queue.ErrRenderLocked),
		errors.Is(err, orchestrator.ErrTaskInProgress):
		return http.StatusConflict
	case errors.Is(err, assembler.ErrMissingAsset),
		errors.Is(err, assembler.ErrNoScenes):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
