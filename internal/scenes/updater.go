package scenes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errUpdaterClosed = errors.New("scene updater closed")

// Updater funnels every read-modify-write of scene lists through a single
// goroutine, so concurrent tasks in this process never clobber each other's
// fields. Writers in other processes still race at whole-collection level.
type Updater struct {
	store  Store
	logger zerolog.Logger
	reqs   chan *mutation
	done   chan struct{}
}

type mutation struct {
	ctx       context.Context
	projectID uuid.UUID
	apply     func(list []models.Scene) ([]models.Scene, models.Scene, error)
	reply     chan mutationResult
}

type mutationResult struct {
	scene models.Scene
	err   error
}

func NewUpdater(store Store, logger zerolog.Logger) *Updater {
	u := &Updater{
		store:  store,
		logger: logger.With().Str("component", "scenes").Logger(),
		reqs:   make(chan *mutation),
		done:   make(chan struct{}),
	}
	go u.loop()
	return u
}

// Close stops the coordinating goroutine. Pending callers get an error.
func (u *Updater) Close() {
	select {
	case <-u.done:
	default:
		close(u.done)
	}
}

func (u *Updater) loop() {
	for {
		select {
		case <-u.done:
			return
		case m := <-u.reqs:
			scene, err := u.execute(m)
			m.reply <- mutationResult{scene: scene, err: err}
		}
	}
}

func (u *Updater) execute(m *mutation) (models.Scene, error) {
	list, err := u.store.ReadAll(m.ctx, m.projectID)
	if err != nil {
		return models.Scene{}, fmt.Errorf("failed to read scenes: %w", err)
	}
	next, scene, err := m.apply(list)
	if err != nil {
		return models.Scene{}, err
	}
	started := time.Now()
	if err := u.store.ReplaceAll(m.ctx, m.projectID, next); err != nil {
		u.logger.Error().Err(err).Str("project_id", m.projectID.String()).Msg("Scene list write failed")
		return models.Scene{}, fmt.Errorf("failed to replace scenes: %w", err)
	}
	u.logger.Debug().
		Str("project_id", m.projectID.String()).
		Int("scenes", len(next)).
		Dur("elapsed", time.Since(started)).
		Msg("Scene list written")
	return scene, nil
}

func (u *Updater) submit(ctx context.Context, m *mutation) (models.Scene, error) {
	m.ctx = ctx
	m.reply = make(chan mutationResult, 1)

	select {
	case u.reqs <- m:
	case <-ctx.Done():
		return models.Scene{}, ctx.Err()
	case <-u.done:
		return models.Scene{}, errUpdaterClosed
	}

	select {
	case res := <-m.reply:
		return res.scene, res.err
	case <-ctx.Done():
		return models.Scene{}, ctx.Err()
	}
}

// Update applies fn to the scene matching sceneID and writes the whole list back.
func (u *Updater) Update(ctx context.Context, projectID, sceneID uuid.UUID, fn func(*models.Scene)) (models.Scene, error) {
	return u.submit(ctx, &mutation{
		projectID: projectID,
		apply: func(list []models.Scene) ([]models.Scene, models.Scene, error) {
			next := make([]models.Scene, len(list))
			copy(next, list)
			for i := range next {
				if next[i].ID != sceneID {
					continue
				}
				fn(&next[i])
				next[i].UpdatedAt = time.Now()
				return next, next[i], nil
			}
			return nil, models.Scene{}, fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
		},
	})
}

// Replace swaps the full scene list through the same coordinating goroutine.
func (u *Updater) Replace(ctx context.Context, projectID uuid.UUID, list []models.Scene) error {
	now := time.Now()
	next := make([]models.Scene, len(list))
	for i, s := range list {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.ProjectID = projectID
		s.UpdatedAt = now
		next[i] = s
	}
	_, err := u.submit(ctx, &mutation{
		projectID: projectID,
		apply: func([]models.Scene) ([]models.Scene, models.Scene, error) {
			return next, models.Scene{}, nil
		},
	})
	return err
}

// Get reads a single scene from the current snapshot.
func (u *Updater) Get(ctx context.Context, projectID, sceneID uuid.UUID) (models.Scene, error) {
	list, err := u.store.ReadAll(ctx, projectID)
	if err != nil {
		return models.Scene{}, fmt.Errorf("failed to read scenes: %w", err)
	}
	s, ok := Find(list, sceneID)
	if !ok {
		return models.Scene{}, fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	return s, nil
}

// Snapshot returns the project's current scene list.
func (u *Updater) Snapshot(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	return u.store.ReadAll(ctx, projectID)
}
