package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/preview"
	"github.com/bobarin/cenaflow/internal/settings"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	ErrRenderInProgress = errors.New("a render is already in progress")
	ErrNoScenes         = errors.New("project has no scenes")
	ErrMissingAsset     = errors.New("scenes without generated asset")
	ErrPreviewRepair    = errors.New("failed to repair scene previews")
)

// Job is one full assembly handed to the encoder.
type Job struct {
	Previews      []string
	NarrationPath string
	MusicPath     string
	SubtitlePath  string
	OutputPath    string
	Settings      models.RenderSettings
}

// Encoder runs the media tool over a job, reporting each log line.
type Encoder interface {
	Assemble(ctx context.Context, job Job, onLine func(string)) error
}

type PreviewEnsurer interface {
	EnsureAll(ctx context.Context, project models.Project, list []models.Scene) (preview.Report, error)
}

type SceneReader interface {
	Snapshot(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
}

type ProjectStore interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	StartProjectRender(ctx context.Context, id uuid.UUID) error
	UpdateRenderProgress(ctx context.Context, id uuid.UUID, progress float64) error
	UpdateProjectError(ctx context.Context, id uuid.UUID, errorMessage string) error
	SetProjectFinalVideo(ctx context.Context, id uuid.UUID, path, url string) error
}

// Subtitler builds a subtitle track from the narration when none was given.
type Subtitler interface {
	Subtitles(ctx context.Context, narrationPath, outputDir string, rs models.RenderSettings) (string, error)
}

// Publisher uploads the final video and returns a public URL.
type Publisher interface {
	PublishFile(ctx context.Context, localPath, objectPath, contentType string) (string, error)
}

// RenderLock is the cross-process render lock taken when a render is queued.
type RenderLock interface {
	ReleaseRender(ctx context.Context) error
}

// Notifier delivers render events to whoever watches the project.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type Config struct {
	Encoder   Encoder
	Previews  PreviewEnsurer
	Scenes    SceneReader
	Projects  ProjectStore
	Settings  settings.Source
	Subtitler Subtitler  // optional
	Publisher Publisher  // optional
	Notifier  Notifier   // optional
	Lock      RenderLock // optional
	OutputDir string
	Logger    zerolog.Logger
}

// Result is a successful render.
type Result struct {
	VideoPath string
	VideoURL  string
}

// Assembler renders a project's final video. Only one render runs per
// process at a time.
type Assembler struct {
	cfg    Config
	logger zerolog.Logger

	permit    *semaphore.Weighted
	rendering atomic.Bool
}

func New(cfg Config) *Assembler {
	return &Assembler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "assembler").Logger(),
		permit: semaphore.NewWeighted(1),
	}
}

// IsRendering reports whether a render holds the permit.
func (a *Assembler) IsRendering() bool {
	return a.rendering.Load()
}

// Render assembles the project's final video. A second call while one is
// running fails immediately with ErrRenderInProgress.
func (a *Assembler) Render(ctx context.Context, projectID uuid.UUID) (Result, error) {
	if !a.permit.TryAcquire(1) {
		return Result{}, ErrRenderInProgress
	}
	a.rendering.Store(true)

	logger := a.logger.With().Str("project_id", projectID.String()).Logger()
	defer func() {
		if a.cfg.Lock != nil {
			if err := a.cfg.Lock.ReleaseRender(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("Failed to release render lock")
			}
		}
		a.rendering.Store(false)
		a.permit.Release(1)
	}()

	started := time.Now()

	res, err := a.render(ctx, projectID, logger)
	if err != nil {
		a.fail(ctx, projectID, err, logger)
		return Result{}, err
	}

	logger.Info().Str("video", res.VideoPath).Dur("elapsed", time.Since(started)).Msg("Render completed")
	a.notify(ctx, Event{Type: EventRenderCompleted, ProjectID: projectID, Progress: 100, VideoPath: res.VideoPath, VideoURL: res.VideoURL}, logger)
	return res, nil
}

func (a *Assembler) render(ctx context.Context, projectID uuid.UUID, logger zerolog.Logger) (Result, error) {
	project, err := a.cfg.Projects.GetProject(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	if err := a.cfg.Projects.StartProjectRender(ctx, projectID); err != nil {
		return Result{}, fmt.Errorf("failed to mark project rendering: %w", err)
	}

	mapper := NewProgressMapper(ProgressBase)
	report := func(p float64) {
		if err := a.cfg.Projects.UpdateRenderProgress(ctx, projectID, p); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist render progress")
		}
		logger.Debug().Float64("progress", p).Msg("Render progress")
		a.notify(ctx, Event{Type: EventRenderProgress, ProjectID: projectID, Progress: p}, logger)
	}

	list, err := a.cfg.Scenes.Snapshot(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read scenes: %w", err)
	}
	if len(list) == 0 {
		return Result{}, ErrNoScenes
	}

	var missing []string
	for i := range list {
		if !list[i].HasGeneratedAsset() {
			missing = append(missing, list[i].Label())
		}
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingAsset, strings.Join(missing, ", "))
	}

	if p, ok := mapper.Advance(ProgressBase / 4); ok {
		report(p)
	}

	repaired, err := a.cfg.Previews.EnsureAll(ctx, *project, list)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPreviewRepair, err)
	}
	if repaired.Built > 0 {
		logger.Info().Int("repaired", repaired.Built).Msg("Repaired scene previews before assembly")
	}

	// Previews were written back by the cache; read the fresh paths.
	list, err = a.cfg.Scenes.Snapshot(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read scenes: %w", err)
	}
	previews := make([]string, 0, len(list))
	for i := range list {
		if list[i].PreviewPath == nil {
			return Result{}, fmt.Errorf("%w: scene %s has no preview", ErrPreviewRepair, list[i].Label())
		}
		previews = append(previews, *list[i].PreviewPath)
	}

	if p, ok := mapper.Advance(ProgressBase); ok {
		report(p)
	}

	rs := a.cfg.Settings.Current()
	outDir := filepath.Join(a.cfg.OutputDir, projectID.String())
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	job := Job{
		Previews:      previews,
		NarrationPath: project.NarrationPath,
		OutputPath:    filepath.Join(outDir, fmt.Sprintf("final_%d.mp4", time.Now().Unix())),
		Settings:      rs,
	}
	if project.MusicPath != nil {
		job.MusicPath = *project.MusicPath
	}
	job.SubtitlePath = a.subtitles(ctx, project, outDir, rs, logger)

	logger.Info().Int("scenes", len(previews)).Str("output", job.OutputPath).Msg("Assembling final video")
	err = a.cfg.Encoder.Assemble(ctx, job, func(line string) {
		if p, ok := mapper.Feed(line); ok {
			report(p)
		}
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to assemble video: %w", err)
	}

	res := Result{VideoPath: job.OutputPath}
	if a.cfg.Publisher != nil {
		objectPath := fmt.Sprintf("projects/%s/%s", projectID, filepath.Base(job.OutputPath))
		url, err := a.cfg.Publisher.PublishFile(ctx, job.OutputPath, objectPath, "video/mp4")
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to publish final video, keeping local copy only")
		} else {
			res.VideoURL = url
		}
	}

	if err := a.cfg.Projects.SetProjectFinalVideo(ctx, projectID, res.VideoPath, res.VideoURL); err != nil {
		return Result{}, fmt.Errorf("failed to save final video: %w", err)
	}
	report(mapper.Complete())
	return res, nil
}

// subtitles returns the project's subtitle track, generating one from the
// narration when configured. Generation failures only drop the subtitles.
func (a *Assembler) subtitles(ctx context.Context, project *models.Project, outDir string, rs models.RenderSettings, logger zerolog.Logger) string {
	if project.SubtitlePath != nil && *project.SubtitlePath != "" {
		return *project.SubtitlePath
	}
	if a.cfg.Subtitler == nil {
		return ""
	}
	path, err := a.cfg.Subtitler.Subtitles(ctx, project.NarrationPath, outDir, rs)
	if err != nil {
		logger.Warn().Err(err).Msg("Automatic subtitles failed, rendering without subtitles")
		return ""
	}
	return path
}

func (a *Assembler) fail(ctx context.Context, projectID uuid.UUID, cause error, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	logger.Error().Err(cause).Msg("Render failed")

	if err := a.cfg.Projects.UpdateProjectError(ctx, projectID, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("Failed to record render error")
	}
	a.notify(ctx, Event{Type: EventRenderFailed, ProjectID: projectID, Error: cause.Error()}, logger)
}

func (a *Assembler) notify(ctx context.Context, event Event, logger zerolog.Logger) {
	if a.cfg.Notifier == nil {
		return
	}
	event.At = time.Now()
	if err := a.cfg.Notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to send notification")
	}
}
