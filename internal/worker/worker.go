package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/cenaflow/internal/assembler"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/preview"
	"github.com/bobarin/cenaflow/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const dequeueTimeout = 5 * time.Second

// JobSource is the queue the worker consumes.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	SetStatus(ctx context.Context, id uuid.UUID, status queue.JobStatus, errMsg string) error
}

type TaskRunner interface {
	Run(ctx context.Context, projectID, sceneID uuid.UUID, task models.TaskType) error
}

type PreviewEnsurer interface {
	EnsureAll(ctx context.Context, project models.Project, list []models.Scene) (preview.Report, error)
}

type Renderer interface {
	Render(ctx context.Context, projectID uuid.UUID) (assembler.Result, error)
}

type ProjectReader interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

type SceneReader interface {
	Snapshot(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
}

type Config struct {
	Jobs     JobSource
	Tasks    TaskRunner
	Previews PreviewEnsurer
	Renderer Renderer
	Projects ProjectReader
	Scenes   SceneReader

	// TaskConsumers is how many scene tasks may be in flight at once. Most of
	// a task's life is spent waiting on the admission queue.
	TaskConsumers int
	Logger        zerolog.Logger
}

// Worker consumes jobs from the Redis queues and dispatches them to the
// orchestrator, the preview cache and the assembler.
type Worker struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) *Worker {
	if cfg.TaskConsumers < 1 {
		cfg.TaskConsumers = 1
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "worker").Logger(),
	}
}

// Start runs the consumers until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Int("task_consumers", w.cfg.TaskConsumers).Msg("Worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.TaskConsumers; i++ {
		g.Go(func() error { return w.consume(ctx, queue.QueueSceneTask) })
	}
	g.Go(func() error { return w.consume(ctx, queue.QueueEnsurePreviews) })
	g.Go(func() error { return w.consume(ctx, queue.QueueRender) })

	err := g.Wait()
	w.logger.Info().Msg("Worker shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, queueName string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := w.cfg.Jobs.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error().Err(err).Str("queue", queueName).Msg("Failed to dequeue")
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	logger := w.logger.With().
		Str("job_id", job.ID.String()).
		Str("type", job.Type).
		Str("project_id", job.ProjectID.String()).
		Logger()
	logger.Info().Msg("Processing job")

	statusCtx := context.WithoutCancel(ctx)
	if err := w.cfg.Jobs.SetStatus(statusCtx, job.ID, queue.JobStatusRunning, ""); err != nil {
		logger.Warn().Err(err).Msg("Failed to update job status")
	}

	started := time.Now()
	err := w.Handle(ctx, job)
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("Job failed")
		if serr := w.cfg.Jobs.SetStatus(statusCtx, job.ID, queue.JobStatusFailed, err.Error()); serr != nil {
			logger.Warn().Err(serr).Msg("Failed to update job status")
		}
		return
	}

	logger.Info().Dur("elapsed", time.Since(started)).Msg("Job completed")
	if serr := w.cfg.Jobs.SetStatus(statusCtx, job.ID, queue.JobStatusSucceeded, ""); serr != nil {
		logger.Warn().Err(serr).Msg("Failed to update job status")
	}
}

// Handle runs a single job to completion.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSceneTask:
		if job.SceneID == nil {
			return fmt.Errorf("scene task job without scene id")
		}
		task, err := models.ParseTaskType(job.Task)
		if err != nil {
			return err
		}
		return w.cfg.Tasks.Run(ctx, job.ProjectID, *job.SceneID, task)

	case queue.JobTypeEnsurePreviews:
		project, err := w.cfg.Projects.GetProject(ctx, job.ProjectID)
		if err != nil {
			return err
		}
		list, err := w.cfg.Scenes.Snapshot(ctx, job.ProjectID)
		if err != nil {
			return err
		}
		report, err := w.cfg.Previews.EnsureAll(ctx, *project, list)
		if err != nil {
			return err
		}
		w.logger.Info().Str("project_id", job.ProjectID.String()).Int("built", report.Built).Int("reused", report.Reused).Msg("Previews ensured")
		return nil

	case queue.JobTypeRender:
		_, err := w.cfg.Renderer.Render(ctx, job.ProjectID)
		return err
	}
	return fmt.Errorf("unknown job type %q", job.Type)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
