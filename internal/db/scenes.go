package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/google/uuid"
)

// SceneStore exposes the scenes table as a whole-list store.
type SceneStore struct {
	db *DB
}

func (db *DB) Scenes() *SceneStore {
	return &SceneStore{db: db}
}

func (s *SceneStore) ReadAll(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	query := `
		SELECT data
		FROM scenes
		WHERE project_id = $1
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenes: %w", err)
	}
	defer rows.Close()

	var list []models.Scene
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		var scene models.Scene
		if err := json.Unmarshal(raw, &scene); err != nil {
			return nil, fmt.Errorf("failed to decode scene: %w", err)
		}
		list = append(list, scene)
	}

	return list, rows.Err()
}

// ReplaceAll rewrites the project's scene list in one transaction.
func (s *SceneStore) ReplaceAll(ctx context.Context, projectID uuid.UUID, list []models.Scene) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scenes WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to clear scenes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO scenes (project_id, position, id, data) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("failed to prepare scene insert: %w", err)
	}
	defer stmt.Close()

	for i, scene := range list {
		raw, err := json.Marshal(scene)
		if err != nil {
			return fmt.Errorf("failed to encode scene %s: %w", scene.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, projectID, i, scene.ID, raw); err != nil {
			return fmt.Errorf("failed to insert scene %s: %w", scene.ID, err)
		}
	}

	return tx.Commit()
}
