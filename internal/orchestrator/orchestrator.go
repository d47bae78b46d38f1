package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/cenaflow/internal/admission"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	ErrAdmission      = errors.New("admission failed")
	ErrGeneration     = errors.New("generation failed")
	ErrNoOp           = errors.New("generator returned its input unchanged")
	ErrWaitTimeout    = errors.New("timed out waiting for queue release")
	ErrCancelled      = errors.New("task cancelled")
	ErrTaskInProgress = errors.New("scene already has a task in progress")
	ErrNoGenerator    = errors.New("no generator configured for task")
)

// Admission is the remote queue gate.
type Admission interface {
	Enqueue(ctx context.Context, requestID, lane string) (admission.EnqueueResponse, error)
	Status(ctx context.Context, requestID, lane string) (admission.StatusResponse, error)
	Confirm(ctx context.Context, requestID, lane string) error
}

// SceneUpdater reads scenes and applies read-modify-write updates to them.
type SceneUpdater interface {
	Get(ctx context.Context, projectID, sceneID uuid.UUID) (models.Scene, error)
	Update(ctx context.Context, projectID, sceneID uuid.UUID, fn func(*models.Scene)) (models.Scene, error)
}

// Generator produces a new asset for a scene and returns its path.
type Generator interface {
	Generate(ctx context.Context, scene models.Scene) (string, error)
}

// Thumbnailer extracts a still from a generated video.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, videoPath string) (string, error)
}

// Policy bounds one task type's wait and execution phases.
type Policy struct {
	Lane         string
	PollInterval time.Duration
	MaxPolls     int
	MaxAttempts  int
	RetryDelay   time.Duration
}

type Config struct {
	Admission   Admission
	Scenes      SceneUpdater
	Generators  map[models.TaskType]Generator
	Thumbnailer Thumbnailer
	Policies    map[models.TaskType]Policy
	Logger      zerolog.Logger
}

// TaskInfo describes a running task.
type TaskInfo struct {
	ProjectID uuid.UUID        `json:"project_id"`
	SceneID   uuid.UUID        `json:"scene_id"`
	Task      models.TaskType  `json:"task"`
	State     models.TaskState `json:"state"`
	RequestID string           `json:"request_id,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

type sceneKey struct {
	projectID uuid.UUID
	sceneID   uuid.UUID
}

type running struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// Orchestrator drives scene tasks through enqueue, wait for release,
// bounded-retry execution and release. At most one task runs per scene.
type Orchestrator struct {
	admission  Admission
	scenes     SceneUpdater
	generators map[models.TaskType]Generator
	thumbs     Thumbnailer
	policies   map[models.TaskType]Policy
	logger     zerolog.Logger

	// The try-on collaborator is not safe for concurrent use.
	clothes *semaphore.Weighted

	mu    sync.Mutex
	tasks map[sceneKey]*running
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		admission:  cfg.Admission,
		scenes:     cfg.Scenes,
		generators: cfg.Generators,
		thumbs:     cfg.Thumbnailer,
		policies:   cfg.Policies,
		logger:     cfg.Logger.With().Str("component", "orchestrator").Logger(),
		clothes:    semaphore.NewWeighted(1),
		tasks:      make(map[sceneKey]*running),
	}
}

// Cancel stops the scene's running task if it is of the given type.
func (o *Orchestrator) Cancel(projectID, sceneID uuid.UUID, task models.TaskType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.tasks[sceneKey{projectID, sceneID}]
	if !ok || r.info.Task != task {
		return false
	}
	r.cancel()
	return true
}

// Running lists the project's tasks that have not finished yet.
func (o *Orchestrator) Running(projectID uuid.UUID) []TaskInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []TaskInfo
	for k, r := range o.tasks {
		if k.projectID == projectID {
			out = append(out, r.info)
		}
	}
	return out
}

// ClearStale lowers task flags left on a scene by a run that no longer
// exists, such as one lost when the process died. The admission request id
// is kept so the next run re-registers under it. It reports whether anything
// was cleared; a scene with a live task here is left alone.
func (o *Orchestrator) ClearStale(ctx context.Context, projectID, sceneID uuid.UUID) (bool, error) {
	cleared := false
	_, err := o.scenes.Update(ctx, projectID, sceneID, func(s *models.Scene) {
		o.mu.Lock()
		_, live := o.tasks[sceneKey{projectID, sceneID}]
		o.mu.Unlock()
		if live || !s.Busy() {
			return
		}
		for _, task := range models.TaskTypes {
			s.SetTaskFlag(task, false)
		}
		msg := "Tarefa interrompida"
		s.AttemptCounter = 0
		s.ErrorMessage = &msg
		s.QueueStatusMessage = nil
		s.PreviewQueuePosition = nil
		cleared = true
	})
	if err != nil {
		return false, err
	}
	if cleared {
		o.logger.Warn().
			Str("project_id", projectID.String()).
			Str("scene_id", sceneID.String()).
			Msg("Cleared task flags left by an interrupted run")
	}
	return cleared, nil
}

func (o *Orchestrator) register(ctx context.Context, projectID, sceneID uuid.UUID, task models.TaskType) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := sceneKey{projectID, sceneID}
	if r, ok := o.tasks[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskInProgress, r.info.Task)
	}

	ctx, cancel := context.WithCancel(ctx)
	o.tasks[key] = &running{
		info: TaskInfo{
			ProjectID: projectID,
			SceneID:   sceneID,
			Task:      task,
			State:     models.TaskStateIdle,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	return ctx, nil
}

func (o *Orchestrator) unregister(projectID, sceneID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := sceneKey{projectID, sceneID}
	if r, ok := o.tasks[key]; ok {
		r.cancel()
		delete(o.tasks, key)
	}
}

func (o *Orchestrator) setState(projectID, sceneID uuid.UUID, state models.TaskState, requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.tasks[sceneKey{projectID, sceneID}]; ok {
		r.info.State = state
		if requestID != "" {
			r.info.RequestID = requestID
		}
	}
}

// Run executes one task for one scene to completion. Outcomes are persisted on
// the scene record; the returned error mirrors what was persisted.
func (o *Orchestrator) Run(ctx context.Context, projectID, sceneID uuid.UUID, task models.TaskType) error {
	gen, ok := o.generators[task]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGenerator, task)
	}
	policy := o.policy(task)

	ctx, err := o.register(ctx, projectID, sceneID, task)
	if err != nil {
		return err
	}
	defer o.unregister(projectID, sceneID)

	t := &taskRun{
		o:         o,
		projectID: projectID,
		sceneID:   sceneID,
		task:      task,
		policy:    policy,
		gen:       gen,
		logger: o.logger.With().
			Str("project_id", projectID.String()).
			Str("scene_id", sceneID.String()).
			Str("task", string(task)).
			Str("lane", policy.Lane).
			Logger(),
	}
	return t.run(ctx)
}

func (o *Orchestrator) policy(task models.TaskType) Policy {
	p := o.policies[task]
	if p.MaxPolls < 1 {
		p.MaxPolls = 1
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
