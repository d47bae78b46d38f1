package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/settings"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine video generation
// Deferred request pattern: submit generation → poll by request_id → download.
// The API reads the first frame by URL, so the still is published first.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiInitialDelay      = 15 * time.Second
	xaiPollMinInterval   = 5 * time.Second
	xaiPollMaxInterval   = 20 * time.Second
	xaiPollBackoffFactor = 1.5
	xaiMaxPollDuration   = 5 * time.Minute
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultResolution = "720p"
)

// FilePublisher uploads a local file and returns a public URL for it.
type FilePublisher interface {
	PublishFile(ctx context.Context, localPath, objectPath, contentType string) (string, error)
}

type XAIVideoService struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	publisher  FilePublisher
	assets     *AssetWriter
	settings   settings.Source
	logger     zerolog.Logger

	initialDelay time.Duration
	pollInterval time.Duration
	maxPoll      time.Duration
}

func NewXAIVideoService(apiKey string, publisher FilePublisher, assets *AssetWriter, src settings.Source, logger zerolog.Logger) *XAIVideoService {
	return &XAIVideoService{
		apiKey:  apiKey,
		baseURL: xaiBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per call, not the whole poll cycle
		},
		publisher:    publisher,
		assets:       assets,
		settings:     src,
		logger:       logger.With().Str("component", "xai_video").Logger(),
		initialDelay: xaiInitialDelay,
		pollInterval: xaiPollMinInterval,
		maxPoll:      xaiMaxPollDuration,
	}
}

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response from GET /v1/videos/{request_id}.
//
// xAI returns different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"grok-imagine-video"} (no status)
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// clampDuration turns a scene window into the whole-second range xAI accepts.
func clampDuration(seconds float64) int {
	d := int(math.Ceil(seconds))
	if d < xaiMinDuration {
		d = xaiMinDuration
	}
	if d > xaiMaxDuration {
		d = xaiMaxDuration
	}
	return d
}

// Generate produces a video for the scene and returns its path.
func (s *XAIVideoService) Generate(ctx context.Context, scene models.Scene) (string, error) {
	prompt, err := videoPrompt(scene)
	if err != nil {
		return "", err
	}
	framePath, err := firstFrame(scene)
	if err != nil {
		return "", err
	}
	_, mime, err := readImage(framePath)
	if err != nil {
		return "", err
	}

	objectPath := fmt.Sprintf("frames/%s/%s/%s", scene.ProjectID, scene.ID, filepath.Base(framePath))
	imageURL, err := s.publisher.PublishFile(ctx, framePath, objectPath, mime)
	if err != nil {
		return "", fmt.Errorf("failed to publish first frame: %w", err)
	}

	reqBody := xaiGenerationRequest{
		Prompt:      buildVideoPrompt(prompt),
		Model:       xaiVideoModel,
		Image:       &xaiImageInput{URL: imageURL},
		Duration:    clampDuration(scene.Duration()),
		AspectRatio: videoAspectRatio(s.settings.Current()),
		Resolution:  xaiDefaultResolution,
	}

	logger := s.logger.With().Str("scene", scene.Label()).Logger()
	logger.Info().Int("duration", reqBody.Duration).Str("aspect", reqBody.AspectRatio).Msg("Starting video generation")

	requestID, err := s.submitGeneration(ctx, reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to submit video generation: %w", err)
	}
	logger = logger.With().Str("xai_request_id", requestID).Logger()

	result, err := s.pollForResult(ctx, requestID, logger)
	if err != nil {
		return "", err
	}

	videoBytes, err := s.downloadVideo(ctx, result.Video.URL)
	if err != nil {
		return "", fmt.Errorf("failed to download generated video: %w", err)
	}

	path, err := s.assets.Save(scene.ProjectID, scene.ID, "video", ".mp4", videoBytes)
	if err != nil {
		return "", err
	}
	logger.Info().Int("bytes", len(videoBytes)).Msg("Video generated")
	return path, nil
}

// submitGeneration sends the generation request and returns the request_id.
func (s *XAIVideoService) submitGeneration(ctx context.Context, reqBody xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w", err)
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", truncate(string(body), 500))
	}

	return genResp.RequestID, nil
}

// pollForResult polls GET /v1/videos/{request_id} until the video is ready.
// It waits an initial delay, then backs off by 1.5x up to a 20s cap.
func (s *XAIVideoService) pollForResult(ctx context.Context, requestID string, logger zerolog.Logger) (*xaiVideoResult, error) {
	deadline := time.Now().Add(s.maxPoll)
	pollCount := 0
	currentInterval := s.pollInterval

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("video generation cancelled during initial wait: %w", ctx.Err())
	case <-time.After(s.initialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times, request_id=%s)", s.maxPoll, pollCount, requestID)
		}

		pollCount++

		result, err := s.getVideoResult(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll video result (attempt %d): %w", pollCount, err)
		}

		if result.Video != nil && result.Video.URL != "" {
			logger.Debug().Int("poll", pollCount).Int("duration", result.Video.Duration).Msg("Video completed")
			return result, nil
		}

		if result.Status == "failed" {
			errMsg := result.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			return nil, fmt.Errorf("video generation failed: %s (request_id=%s)", errMsg, requestID)
		}

		logger.Debug().Int("poll", pollCount).Str("status", result.Status).Dur("next", currentInterval).Msg("Video pending")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(currentInterval):
		}

		next := time.Duration(float64(currentInterval) * xaiPollBackoffFactor)
		if next > xaiPollMaxInterval {
			next = xaiPollMaxInterval
		}
		currentInterval = next
	}
}

func (s *XAIVideoService) getVideoResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", s.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// 202 carries {"status":"pending"} while the video is being generated.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w", err)
	}

	return &result, nil
}

func (s *XAIVideoService) downloadVideo(ctx context.Context, videoURL string) ([]byte, error) {
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read video data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	return data, nil
}
