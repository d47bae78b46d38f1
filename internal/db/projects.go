package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/google/uuid"
)

var ErrProjectNotFound = errors.New("project not found")

func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (
			id, name, narration_path, music_path, subtitle_path, status
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		project.ID, project.Name, project.NarrationPath,
		project.MusicPath, project.SubtitlePath, project.Status,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `
		SELECT
			id, name, narration_path, music_path, subtitle_path, status,
			render_progress, final_video_path, final_video_url, error_message,
			created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	project := &models.Project{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&project.ID, &project.Name, &project.NarrationPath,
		&project.MusicPath, &project.SubtitlePath, &project.Status,
		&project.RenderProgress, &project.FinalVideoPath, &project.FinalVideoURL,
		&project.ErrorMessage, &project.CreatedAt, &project.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// StartProjectRender resets progress and clears the previous render's error.
func (db *DB) StartProjectRender(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE projects
		SET status = $1, render_progress = 0, error_message = NULL, updated_at = NOW()
		WHERE id = $2
	`
	_, err := db.ExecContext(ctx, query, models.ProjectStatusRendering, id)
	return err
}

func (db *DB) UpdateRenderProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	query := `UPDATE projects SET render_progress = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, progress, id)
	return err
}

func (db *DB) UpdateProjectError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE projects
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.ProjectStatusFailed, errorMessage, id)
	return err
}

// SetProjectFinalVideo marks the project completed. url may be empty when
// the render was not published.
func (db *DB) SetProjectFinalVideo(ctx context.Context, id uuid.UUID, path, url string) error {
	query := `
		UPDATE projects
		SET final_video_path = $1, final_video_url = NULLIF($2, ''), status = $3,
			render_progress = 100, error_message = NULL, updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, path, url, models.ProjectStatusCompleted, id)
	return err
}
