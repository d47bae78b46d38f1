package settings

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Source yields the render settings currently in effect.
type Source interface {
	Current() models.RenderSettings
}

// Static is a fixed Source.
type Static models.RenderSettings

func (s Static) Current() models.RenderSettings { return models.RenderSettings(s) }

var validate = validator.New()

// Parse decodes a YAML settings document on top of the defaults and validates it.
func Parse(data []byte) (models.RenderSettings, error) {
	rs := models.DefaultRenderSettings()
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return models.RenderSettings{}, fmt.Errorf("failed to decode render settings: %w", err)
	}
	if err := validate.Struct(rs); err != nil {
		return models.RenderSettings{}, fmt.Errorf("invalid render settings: %w", err)
	}
	return rs, nil
}

// FileSource reads render settings from a YAML file and re-reads it whenever
// the file's modification time changes. A missing file means defaults; a file
// that fails to parse keeps the last good settings.
type FileSource struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	modTime time.Time
	current models.RenderSettings
}

func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	s := &FileSource{
		path:    path,
		logger:  logger.With().Str("component", "settings").Str("path", path).Logger(),
		current: models.DefaultRenderSettings(),
	}
	s.refresh()
	return s
}

func (s *FileSource) Current() models.RenderSettings {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *FileSource) refresh() {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("settings: stat failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if info.ModTime().Equal(s.modTime) {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("settings: read failed")
		return
	}
	rs, err := Parse(data)
	if err != nil {
		s.logger.Error().Err(err).Msg("settings: keeping previous render settings")
		s.modTime = info.ModTime()
		return
	}

	s.current = rs
	s.modTime = info.ModTime()
	s.logger.Info().
		Bool("pan_zoom", rs.PanZoom).
		Bool("high_motion", rs.HighMotion).
		Int("width", rs.Width).
		Int("height", rs.Height).
		Int("fps", rs.FPS).
		Msg("settings: render settings loaded")
}
