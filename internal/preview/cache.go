package preview

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/settings"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingAsset     = errors.New("scene has no generated asset")
	ErrInvalidWindow    = errors.New("scene time window is empty")
	ErrNarrationMissing = errors.New("narration track not found")
	ErrSnippet          = errors.New("failed to cut narration snippet")
	ErrRender           = errors.New("failed to render preview")
)

// minPreviewBytes filters out truncated files left by interrupted renders.
const minPreviewBytes = 1024

// Media is the encoding tool as seen by the cache.
type Media interface {
	Probe(ctx context.Context, path string) (float64, error)
	TrimAudio(ctx context.Context, src string, start, end float64, dst string) error
	RenderScenePreview(ctx context.Context, job Job) error
}

// Job describes one single-scene preview render.
type Job struct {
	AssetPath  string
	AudioPath  string
	OutputPath string
	Duration   float64
	Settings   models.RenderSettings
}

// SceneUpdater persists preview results on the scene record.
type SceneUpdater interface {
	Update(ctx context.Context, projectID, sceneID uuid.UUID, fn func(*models.Scene)) (models.Scene, error)
}

// Cache renders scene previews into a per-project directory and reuses them
// while the scene's fingerprint is unchanged.
type Cache struct {
	media       Media
	scenes      SceneUpdater
	settings    settings.Source
	root        string
	concurrency int
	logger      zerolog.Logger

	group singleflight.Group
}

func NewCache(media Media, scenes SceneUpdater, src settings.Source, root string, concurrency int, logger zerolog.Logger) *Cache {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Cache{
		media:       media,
		scenes:      scenes,
		settings:    src,
		root:        root,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "preview").Logger(),
	}
}

// Dir is the project's preview directory.
func (c *Cache) Dir(projectID uuid.UUID) string {
	return filepath.Join(c.root, "previews", projectID.String())
}

// Fingerprint digests everything that changes how a scene's preview looks.
// The asset is represented by its size in bytes rather than its content.
func Fingerprint(scene models.Scene, assetSize int64, rs models.RenderSettings) string {
	key := fmt.Sprintf("%s|%d|%g|%g|%t|%t|%d|%d|%d",
		scene.Label(), assetSize, scene.TimeStart, scene.TimeEnd,
		rs.PanZoom, rs.HighMotion, rs.Width, rs.Height, rs.FPS,
	)
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

var unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func safeLabel(label string) string {
	return unsafeLabelChars.ReplaceAllString(label, "_")
}

// FileName is the cache file name of a scene's preview. The label is only
// cosmetic; the scene id keeps names of distinct scenes apart.
func FileName(sceneID uuid.UUID, label, fingerprint string) string {
	return fmt.Sprintf("scene_%s_%s_%s.mp4", safeLabel(label), sceneID, fingerprint)
}

// stalePattern matches every preview of one scene, whatever its label was.
func stalePattern(sceneID uuid.UUID) *regexp.Regexp {
	return regexp.MustCompile(`^scene_.*_` + regexp.QuoteMeta(sceneID.String()) + `_[0-9a-f]{32}\.mp4$`)
}

// Valid reports whether path is a usable preview: present, not trivially
// small, and probed by the media tool as having a positive duration. A probe
// cut short by ctx is not a verdict on the file and returns ctx's error.
func (c *Cache) Valid(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() < minPreviewBytes {
		return false, nil
	}
	d, err := c.media.Probe(ctx, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}
	return d > 0, nil
}

// Result is the outcome of one Ensure call.
type Result struct {
	Path  string
	Built bool
}

// Ensure returns a valid preview for scene, rendering one only on a cache miss.
func (c *Cache) Ensure(ctx context.Context, project models.Project, scene models.Scene) (Result, error) {
	if !scene.HasGeneratedAsset() {
		return Result{}, fmt.Errorf("%w: scene %s", ErrMissingAsset, scene.Label())
	}
	if !scene.HasValidWindow() {
		return Result{}, fmt.Errorf("%w: scene %s (%.2f-%.2f)", ErrInvalidWindow, scene.Label(), scene.TimeStart, scene.TimeEnd)
	}

	info, err := os.Stat(*scene.GeneratedAssetPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: scene %s: %v", ErrMissingAsset, scene.Label(), err)
	}

	rs := c.settings.Current()
	fp := Fingerprint(scene, info.Size(), rs)
	dir := c.Dir(project.ID)
	path := filepath.Join(dir, FileName(scene.ID, scene.Label(), fp))

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		return c.ensure(ctx, project, scene, rs, fp, path)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Cache) ensure(ctx context.Context, project models.Project, scene models.Scene, rs models.RenderSettings, fp, path string) (Result, error) {
	logger := c.logger.With().
		Str("project_id", project.ID.String()).
		Str("scene", scene.Label()).
		Str("fingerprint", fp).
		Logger()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if _, err := os.Stat(path); err == nil {
		ok, err := c.Valid(ctx, path)
		if err != nil {
			return Result{}, err
		}
		if ok {
			logger.Debug().Msg("Preview cache hit")
			if scene.PreviewPath == nil || *scene.PreviewPath != path {
				c.persistPath(ctx, project.ID, scene.ID, path, logger)
			}
			return Result{Path: path}, nil
		}
		logger.Warn().Str("path", path).Msg("Cached preview failed integrity probe, regenerating")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Result{}, fmt.Errorf("failed to remove corrupt preview: %w", err)
		}
	}

	if err := c.render(ctx, project, scene, rs, fp, path); err != nil {
		// Cancellation says nothing about the scene; leave its record alone.
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Debug().Err(err).Msg("Preview render cancelled")
			return Result{}, ctxErr
		}
		c.persistError(ctx, project.ID, scene.ID, err, logger)
		return Result{}, err
	}

	c.evictStale(filepath.Dir(path), scene.ID, path, logger)
	c.persistPath(ctx, project.ID, scene.ID, path, logger)
	logger.Info().Str("path", path).Msg("Preview rendered")
	return Result{Path: path, Built: true}, nil
}

func (c *Cache) render(ctx context.Context, project models.Project, scene models.Scene, rs models.RenderSettings, fp, path string) error {
	if _, err := os.Stat(project.NarrationPath); err != nil {
		return fmt.Errorf("%w: %s", ErrNarrationMissing, project.NarrationPath)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create preview dir: %w", err)
	}

	snippet := filepath.Join(dir, fmt.Sprintf("audio_%s_%s.m4a", scene.ID, fp))
	defer os.Remove(snippet)
	if err := c.media.TrimAudio(ctx, project.NarrationPath, scene.TimeStart, scene.TimeEnd, snippet); err != nil {
		return fmt.Errorf("%w: %v", ErrSnippet, err)
	}

	// Render next to the final name so a crash never leaves a half-written
	// file under a name that looks like a cache entry.
	partial := strings.TrimSuffix(path, ".mp4") + ".part.mp4"
	defer os.Remove(partial)

	err := c.media.RenderScenePreview(ctx, Job{
		AssetPath:  *scene.GeneratedAssetPath,
		AudioPath:  snippet,
		OutputPath: partial,
		Duration:   scene.Duration(),
		Settings:   rs,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRender, err)
	}
	ok, err := c.Valid(ctx, partial)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: output failed integrity probe", ErrRender)
	}
	if err := os.Rename(partial, path); err != nil {
		return fmt.Errorf("%w: %v", ErrRender, err)
	}
	return nil
}

// evictStale removes previews of the same scene left by older fingerprints.
func (c *Cache) evictStale(dir string, sceneID uuid.UUID, keep string, logger zerolog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list preview dir")
		return
	}
	pattern := stalePattern(sceneID)
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(dir, name)
		if e.IsDir() || full == keep || !pattern.MatchString(name) {
			continue
		}
		if err := os.Remove(full); err != nil {
			logger.Warn().Err(err).Str("path", full).Msg("Failed to evict stale preview")
			continue
		}
		logger.Debug().Str("path", full).Msg("Evicted stale preview")
	}
}

func (c *Cache) persistPath(ctx context.Context, projectID, sceneID uuid.UUID, path string, logger zerolog.Logger) {
	_, err := c.scenes.Update(context.WithoutCancel(ctx), projectID, sceneID, func(s *models.Scene) {
		s.PreviewPath = &path
		s.PreviewQueuePosition = nil
		s.ErrorMessage = nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to persist preview path")
	}
}

func (c *Cache) persistError(ctx context.Context, projectID, sceneID uuid.UUID, cause error, logger zerolog.Logger) {
	logger.Error().Err(cause).Msg("Preview generation failed")
	msg := cause.Error()
	_, err := c.scenes.Update(context.WithoutCancel(ctx), projectID, sceneID, func(s *models.Scene) {
		s.ErrorMessage = &msg
		s.PreviewQueuePosition = nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to persist preview error")
	}
}

// Report summarizes an EnsureAll run.
type Report struct {
	Built  int
	Reused int
}

// EnsureAll makes sure every scene has a valid preview, rendering the missing
// or invalid ones concurrently. A failing scene does not stop its siblings;
// the returned error joins every scene's failure.
func (c *Cache) EnsureAll(ctx context.Context, project models.Project, list []models.Scene) (Report, error) {
	var (
		built, reused atomic.Int32
		mu            sync.Mutex
		errs          []error
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range list {
		scene := list[i]
		g.Go(func() error {
			res, err := c.Ensure(ctx, project, scene)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("scene %s: %w", scene.Label(), err))
				mu.Unlock()
				return nil
			}
			if res.Built {
				built.Add(1)
			} else {
				reused.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	err := errors.Join(errs...)
	report := Report{Built: int(built.Load()), Reused: int(reused.Load())}
	c.logger.Info().
		Str("project_id", project.ID.String()).
		Int("built", report.Built).
		Int("reused", report.Reused).
		Int("failed", len(errs)).
		Err(err).
		Msg("Previews ensured")
	return report, err
}
