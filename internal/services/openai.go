package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// Whisper Transcription: word-level timestamps for subtitle generation
// ---------------------------------------------------------------------------

// Transcriber turns narration audio into timed words.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path string) ([]WordTimestamp, error)
}

type OpenAIService struct {
	client   *openai.Client
	language string
	logger   zerolog.Logger
}

func NewOpenAIService(apiKey, language string, logger zerolog.Logger) *OpenAIService {
	if language == "" {
		language = "pt"
	}
	return &OpenAIService{
		client:   openai.NewClient(apiKey),
		language: language,
		logger:   logger.With().Str("component", "whisper").Logger(),
	}
}

// WordTimestamp is a single word with its timing from Whisper.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
}

// TranscribeFile sends an audio file to Whisper and returns word-level timestamps.
func (s *OpenAIService) TranscribeFile(ctx context.Context, path string) ([]WordTimestamp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open narration: %w", err)
	}
	defer f.Close()

	started := time.Now()
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   f,
		FilePath: filepath.Base(path), // filename hint, required by the library
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: s.language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", truncate(resp.Text, 80))
	}

	words := make([]WordTimestamp, len(resp.Words))
	for i, w := range resp.Words {
		words[i] = WordTimestamp{
			Word:  strings.TrimSpace(w.Word),
			Start: w.Start,
			End:   w.End,
		}
	}

	s.logger.Info().
		Int("words", len(words)).
		Float64("duration", resp.Duration).
		Dur("elapsed", time.Since(started)).
		Msg("Narration transcribed")

	return words, nil
}

// SubtitleService builds an ASS track for a narration that came without one.
type SubtitleService struct {
	transcriber Transcriber
	logger      zerolog.Logger
}

func NewSubtitleService(transcriber Transcriber, logger zerolog.Logger) *SubtitleService {
	return &SubtitleService{
		transcriber: transcriber,
		logger:      logger.With().Str("component", "subtitles").Logger(),
	}
}

// Subtitles transcribes the narration and writes subtitles.ass into outputDir,
// sized for the render resolution.
func (s *SubtitleService) Subtitles(ctx context.Context, narrationPath, outputDir string, rs models.RenderSettings) (string, error) {
	words, err := s.transcriber.TranscribeFile(ctx, narrationPath)
	if err != nil {
		return "", err
	}

	out := filepath.Join(outputDir, "subtitles.ass")
	if err := GenerateASSSubtitles(words, out, rs); err != nil {
		return "", err
	}
	s.logger.Debug().Str("path", out).Int("words", len(words)).Msg("Subtitles generated")
	return out, nil
}
