package scenes

import (
	"context"
	"errors"
	"sync"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/google/uuid"
)

var ErrSceneNotFound = errors.New("scene not found")

// Store is the project's scene collection. The only mutation primitive is
// replacing the whole ordered list; there is no per-record update.
type Store interface {
	ReadAll(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
	ReplaceAll(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error
}

// MemoryStore keeps scene lists in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[uuid.UUID][]models.Scene
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[uuid.UUID][]models.Scene)}
}

func (m *MemoryStore) ReadAll(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Scene(nil), m.projects[projectID]...), nil
}

func (m *MemoryStore) ReplaceAll(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectID] = append([]models.Scene(nil), scenes...)
	return nil
}

// Find returns the scene with the given id from a snapshot.
func Find(list []models.Scene, sceneID uuid.UUID) (models.Scene, bool) {
	for _, s := range list {
		if s.ID == sceneID {
			return s, true
		}
	}
	return models.Scene{}, false
}
