package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/settings"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo video generation
// The scene's current still is the first frame; its video prompt describes
// the motion.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute
)

type VeoService struct {
	client   *genai.Client
	model    string
	assets   *AssetWriter
	settings settings.Source
	logger   zerolog.Logger
}

func NewVeoService(ctx context.Context, apiKey, model string, assets *AssetWriter, src settings.Source, logger zerolog.Logger) (*VeoService, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		client:   client,
		model:    model,
		assets:   assets,
		settings: src,
		logger:   logger.With().Str("component", "veo").Logger(),
	}, nil
}

// buildVideoPrompt wraps the scene's motion description with the constraints
// every provider gets: keep the frame's look, move gently, no audio.
func buildVideoPrompt(rawPrompt string) string {
	return fmt.Sprintf(`%s

Keep the exact look of the input image: same subject, clothing, lighting and color grading. Do not change the art style between frames.

Motion direction: subtle, natural, grounded movement. Favor gentle motion such as hair or fabric in a breeze, breathing, a slow blink, or a slow camera push-in. Avoid sudden jerky movements, morphing and dramatic camera swoops.

No generated audio or dialogue. Silent video only.`, strings.TrimSpace(rawPrompt))
}

// firstFrame returns the still a video task starts from. A scene whose
// current asset is already a video starts from its thumbnail.
func firstFrame(scene models.Scene) (string, error) {
	source := scene.SourceAssetPath()
	if IsVideo(source) {
		if scene.ThumbPath == nil || *scene.ThumbPath == "" {
			return "", fmt.Errorf("scene %s has a video asset but no thumbnail to start from", scene.Label())
		}
		source = *scene.ThumbPath
	}
	return source, nil
}

func videoPrompt(scene models.Scene) (string, error) {
	if scene.VideoPrompt == nil || strings.TrimSpace(*scene.VideoPrompt) == "" {
		return "", fmt.Errorf("scene %s has no video prompt", scene.Label())
	}
	return *scene.VideoPrompt, nil
}

// Generate produces a video for the scene and returns its path. The async
// operation is polled until done, the context ends, or five minutes pass.
func (s *VeoService) Generate(ctx context.Context, scene models.Scene) (string, error) {
	prompt, err := videoPrompt(scene)
	if err != nil {
		return "", err
	}
	framePath, err := firstFrame(scene)
	if err != nil {
		return "", err
	}
	imageData, imageMime, err := readImage(framePath)
	if err != nil {
		return "", err
	}

	rs := s.settings.Current()
	config := &genai.GenerateVideosConfig{
		AspectRatio:      videoAspectRatio(rs),
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	logger := s.logger.With().Str("scene", scene.Label()).Logger()
	logger.Info().Str("model", s.model).Int("image_bytes", len(imageData)).Msg("Starting video generation")

	operation, err := s.client.Models.GenerateVideos(ctx, s.model, buildVideoPrompt(prompt), &genai.Image{
		ImageBytes: imageData,
		MIMEType:   imageMime,
	}, config)
	if err != nil {
		return "", fmt.Errorf("failed to start video generation: %w", err)
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("video generation timed out after %v (polled %d times)", veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = s.client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return "", fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}
		logger.Debug().Int("poll", pollCount).Bool("done", operation.Done).Msg("Video operation polled")
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return "", fmt.Errorf("video generation operation failed: %s", string(errJSON))
	}
	if operation.Response == nil {
		return "", fmt.Errorf("no response in completed operation after %d polls (operation: %s)", pollCount, operation.Name)
	}

	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return "", fmt.Errorf("video blocked by safety filters: %d video(s) filtered, reasons: %s", operation.Response.RAIMediaFilteredCount, reasons)
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return "", fmt.Errorf("no videos in completed operation %s", operation.Name)
	}

	video := operation.Response.GeneratedVideos[0].Video
	videoBytes, err := s.client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
	if err != nil {
		return "", fmt.Errorf("failed to download generated video: %w", err)
	}

	path, err := s.assets.Save(scene.ProjectID, scene.ID, "video", ".mp4", videoBytes)
	if err != nil {
		return "", err
	}
	logger.Info().Int("bytes", len(videoBytes)).Int("polls", pollCount).Msg("Video generated")
	return path, nil
}

// videoAspectRatio narrows the output ratio to what the video models accept.
func videoAspectRatio(rs models.RenderSettings) string {
	if rs.Width > rs.Height {
		return "16:9"
	}
	return "9:16"
}
