package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/settings"
	"github.com/rs/zerolog"
)

const (
	defaultGeminiImageModel = "gemini-2.5-flash-image"
	geminiBaseURL           = "https://generativelanguage.googleapis.com/v1beta"
)

// GeminiImageService generates a scene's still image from its prompt, using
// the author's reference image as a composition guide when there is one.
type GeminiImageService struct {
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	assets   *AssetWriter
	settings settings.Source
	logger   zerolog.Logger
}

func NewGeminiImageService(apiKey, model string, assets *AssetWriter, src settings.Source, logger zerolog.Logger) *GeminiImageService {
	if model == "" {
		model = defaultGeminiImageModel
	}
	return &GeminiImageService{
		apiKey:   apiKey,
		model:    model,
		baseURL:  geminiBaseURL,
		client:   &http.Client{Timeout: 300 * time.Second},
		assets:   assets,
		settings: src,
		logger:   logger.With().Str("component", "gemini").Logger(),
	}
}

// Gemini API request/response structures
type GeminiGenerateContentRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

type GeminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *GeminiImageConfig `json:"imageConfig,omitempty"`
}

type GeminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiGenerateContentResponse struct {
	Candidates []GeminiCandidate `json:"candidates"`
}

type GeminiCandidate struct {
	Content GeminiResponseContent `json:"content"`
}

type GeminiResponseContent struct {
	Parts []GeminiResponsePart `json:"parts"`
}

type GeminiResponsePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

// Generate creates a new still image for the scene and returns its path.
func (s *GeminiImageService) Generate(ctx context.Context, scene models.Scene) (string, error) {
	if strings.TrimSpace(scene.Prompt) == "" {
		return "", fmt.Errorf("scene %s has no image prompt", scene.Label())
	}

	rs := s.settings.Current()
	aspectRatio := aspectRatioFor(rs.Width, rs.Height)

	var reference []byte
	var referenceMime string
	if scene.ReferenceAssetPath != "" && !IsVideo(scene.ReferenceAssetPath) {
		data, mime, err := readImage(scene.ReferenceAssetPath)
		if err != nil {
			s.logger.Warn().Err(err).Str("scene", scene.Label()).Msg("Reference image unusable, generating from prompt only")
		} else {
			reference, referenceMime = data, mime
		}
	}

	parts := []GeminiPart{{Text: composeImagePrompt(scene.Prompt, aspectRatio, reference != nil)}}
	if reference != nil {
		parts = append(parts, GeminiPart{
			InlineData: &GeminiInlineData{
				MimeType: referenceMime,
				Data:     base64.StdEncoding.EncodeToString(reference),
			},
		})
	}

	reqBody := GeminiGenerateContentRequest{
		Contents: []GeminiContent{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: &GeminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig:        &GeminiImageConfig{AspectRatio: aspectRatio},
		},
	}

	started := time.Now()
	image, err := s.doGenerateContent(ctx, reqBody)
	if err != nil {
		return "", err
	}

	path, err := s.assets.Save(scene.ProjectID, scene.ID, "image", imageExt(image), image)
	if err != nil {
		return "", err
	}
	s.logger.Info().
		Str("scene", scene.Label()).
		Str("aspect_ratio", aspectRatio).
		Int("bytes", len(image)).
		Dur("elapsed", time.Since(started)).
		Msg("Image generated")
	return path, nil
}

func (s *GeminiImageService) doGenerateContent(ctx context.Context, reqBody GeminiGenerateContentRequest) ([]byte, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", s.baseURL, s.model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, truncate(string(bodyBytes), 500))
	}

	var geminiResp GeminiGenerateContentResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	var textParts []string
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			imageData, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 image: %w", err)
			}
			return imageData, nil
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) > 0 {
		return nil, fmt.Errorf("gemini returned text instead of image: %s", truncate(textParts[0], 200))
	}
	return nil, fmt.Errorf("no image data found in response (got %d parts, none with inlineData)", len(geminiResp.Candidates[0].Content.Parts))
}

// composeImagePrompt builds the text part of the request. When a reference
// image is attached, the model is told to keep its subject and framing.
func composeImagePrompt(basePrompt, aspectRatio string, withReference bool) string {
	var prompt bytes.Buffer

	if withReference {
		prompt.WriteString("REFERENCE: Use the attached image as the reference for the subject, framing and composition. Keep the same person and setting unless the scene below says otherwise.\n\n")
	}

	prompt.WriteString("SCENE TO DEPICT:\n")
	prompt.WriteString(strings.TrimSpace(basePrompt))

	orientLabel := "Portrait"
	switch aspectRatio {
	case "16:9", "4:3":
		orientLabel = "Landscape"
	case "1:1":
		orientLabel = "Square"
	case "4:5", "3:4":
		orientLabel = "Tall"
	}
	fmt.Fprintf(&prompt, "\n\nOutput: %s %s, highest quality.", orientLabel, aspectRatio)

	return prompt.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
