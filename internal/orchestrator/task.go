package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/cenaflow/internal/admission"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// taskRun is one pass through the task state machine.
type taskRun struct {
	o         *Orchestrator
	projectID uuid.UUID
	sceneID   uuid.UUID
	task      models.TaskType
	policy    Policy
	gen       Generator
	logger    zerolog.Logger

	requestID string
}

func (t *taskRun) run(ctx context.Context) error {
	if err := t.begin(ctx); err != nil {
		return err
	}
	defer t.release(ctx)

	if err := t.enqueue(ctx); err != nil {
		return t.fail(ctx, err)
	}
	if err := t.waitForRelease(ctx); err != nil {
		return t.fail(ctx, err)
	}
	path, err := t.execute(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	return t.succeed(ctx, path)
}

// begin raises the task flag and attaches the admission request id, reusing
// one left on the record by an earlier run.
func (t *taskRun) begin(ctx context.Context) error {
	scene, err := t.o.scenes.Update(ctx, t.projectID, t.sceneID, func(s *models.Scene) {
		s.SetTaskFlag(t.task, true)
		s.AttemptCounter = 0
		s.ErrorMessage = nil
		if s.QueueRequestID == nil || *s.QueueRequestID == "" {
			id := uuid.NewString()
			s.QueueRequestID = &id
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	t.requestID = *scene.QueueRequestID
	t.logger = t.logger.With().Str("request_id", t.requestID).Logger()
	t.logger.Info().Msg("Task started")
	return nil
}

func (t *taskRun) enqueue(ctx context.Context) error {
	t.o.setState(t.projectID, t.sceneID, models.TaskStateEnqueuing, t.requestID)

	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	resp, err := t.o.admission.Enqueue(ctx, t.requestID, t.policy.Lane)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %w", ErrAdmission, err)
	}

	t.o.setState(t.projectID, t.sceneID, models.TaskStateWaitingForRelease, "")
	t.persistQueue(ctx, resp.Position, fmt.Sprintf("Na fila: posição %d", resp.Position))
	t.logger.Info().Int("position", resp.Position).Msg("Waiting for queue release")
	return nil
}

func (t *taskRun) waitForRelease(ctx context.Context) error {
	lastMessage := ""
	for poll := 1; poll <= t.policy.MaxPolls; poll++ {
		if err := sleep(ctx, t.policy.PollInterval); err != nil {
			return ErrCancelled
		}

		st, err := t.o.admission.Status(ctx, t.requestID, t.policy.Lane)
		switch {
		case errors.Is(err, admission.ErrNotRegistered):
			// The coordinator forgot us; register again under the same id.
			t.logger.Warn().Int("poll", poll).Msg("Request lost by coordinator, re-enqueueing")
			if _, err := t.o.admission.Enqueue(ctx, t.requestID, t.policy.Lane); err != nil {
				if ctx.Err() != nil {
					return ErrCancelled
				}
				return fmt.Errorf("%w: re-enqueue: %w", ErrAdmission, err)
			}
		case err != nil:
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("%w: %w", ErrAdmission, err)
		case st.Released():
			t.logger.Info().Int("poll", poll).Msg("Released by queue")
			return nil
		default:
			if st.Message != lastMessage {
				t.persistQueue(ctx, st.Position, st.Message)
				lastMessage = st.Message
			}
		}
	}

	return fmt.Errorf("%w after %d polls", ErrWaitTimeout, t.policy.MaxPolls)
}

func (t *taskRun) execute(ctx context.Context) (string, error) {
	t.o.setState(t.projectID, t.sceneID, models.TaskStateExecuting, "")

	var lastErr error
	for attempt := 1; attempt <= t.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, t.policy.RetryDelay); err != nil {
				return "", ErrCancelled
			}
		}
		if ctx.Err() != nil {
			return "", ErrCancelled
		}

		scene, err := t.o.scenes.Get(ctx, t.projectID, t.sceneID)
		if err != nil {
			return "", fmt.Errorf("failed to read scene: %w", err)
		}

		path, err := t.generate(ctx, scene)
		if err == nil {
			return path, nil
		}
		if ctx.Err() != nil {
			return "", ErrCancelled
		}

		lastErr = err
		t.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", t.policy.MaxAttempts).Msg("Attempt failed")
		msg := fmt.Sprintf("Tentativa %d de %d falhou: %v", attempt, t.policy.MaxAttempts, err)
		t.persist(ctx, func(s *models.Scene) {
			s.AttemptCounter = attempt
			s.ErrorMessage = &msg
		})
	}
	return "", lastErr
}

func (t *taskRun) generate(ctx context.Context, scene models.Scene) (string, error) {
	if t.task == models.TaskChangeClothes {
		if err := t.o.clothes.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer t.o.clothes.Release(1)
	}

	input := scene.SourceAssetPath()
	path, err := t.gen.Generate(ctx, scene)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty asset path", ErrGeneration)
	}
	if t.task == models.TaskChangeClothes && path == input {
		return "", fmt.Errorf("%w: %w", ErrGeneration, ErrNoOp)
	}
	return path, nil
}

func (t *taskRun) succeed(ctx context.Context, path string) error {
	ctx = context.WithoutCancel(ctx)

	thumb := &path
	if t.task == models.TaskGenerateVideo {
		thumb = nil
		if t.o.thumbs != nil {
			if p, err := t.o.thumbs.Thumbnail(ctx, path); err != nil {
				t.logger.Warn().Err(err).Msg("Thumbnail extraction failed, keeping previous thumb")
			} else {
				thumb = &p
			}
		}
	}

	_, err := t.o.scenes.Update(ctx, t.projectID, t.sceneID, func(s *models.Scene) {
		s.GeneratedAssetPath = &path
		if thumb != nil {
			s.ThumbPath = thumb
		}
		s.SetTaskFlag(t.task, false)
		s.AttemptCounter = 0
		s.ErrorMessage = nil
		s.ClearQueueBookkeeping()
	})
	if err != nil {
		t.o.setState(t.projectID, t.sceneID, models.TaskStateFailed, "")
		t.logger.Error().Err(err).Msg("Failed to persist task result")
		return fmt.Errorf("failed to persist task result: %w", err)
	}

	t.o.setState(t.projectID, t.sceneID, models.TaskStateSucceeded, "")
	t.logger.Info().Str("asset", path).Msg("Task succeeded")
	return nil
}

func (t *taskRun) fail(ctx context.Context, cause error) error {
	t.o.setState(t.projectID, t.sceneID, models.TaskStateFailed, "")

	msg := cause.Error()
	if errors.Is(cause, ErrCancelled) {
		msg = "Tarefa cancelada"
		t.logger.Info().Msg("Task cancelled")
	} else {
		t.logger.Error().Err(cause).Msg("Task failed")
	}

	t.persist(context.WithoutCancel(ctx), func(s *models.Scene) {
		s.SetTaskFlag(t.task, false)
		s.AttemptCounter = 0
		s.ErrorMessage = &msg
		s.ClearQueueBookkeeping()
	})
	return cause
}

// release gives the lane slot back. Runs exactly once per task, whatever
// state the task exits from.
func (t *taskRun) release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := t.o.admission.Confirm(ctx, t.requestID, t.policy.Lane); err != nil {
		t.logger.Error().Err(err).Msg("Failed to confirm execution to queue")
		return
	}
	t.logger.Debug().Msg("Queue slot released")
}

func (t *taskRun) persistQueue(ctx context.Context, position int, message string) {
	t.persist(ctx, func(s *models.Scene) {
		s.PreviewQueuePosition = &position
		s.QueueStatusMessage = &message
	})
}

// persist writes an intermediate update. Failures are logged, not fatal.
func (t *taskRun) persist(ctx context.Context, fn func(*models.Scene)) {
	if _, err := t.o.scenes.Update(ctx, t.projectID, t.sceneID, fn); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to persist scene update")
	}
}
