package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/cenaflow/internal/models"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const defaultTryOnModel = "gemini-2.5-flash-image"

const tryOnPrompt = `Dress the person in the first image with the garment shown in the second image.
Keep the person's face, body, pose, hair and the whole background exactly as they are.
Only replace the clothing, matching fit, folds and lighting to the original photo.
Return a single edited image.`

// TryOnService swaps a scene subject's clothes for a garment reference image.
// When the model declines to edit, it hands back the input path unchanged.
type TryOnService struct {
	client *genai.Client
	model  string
	assets *AssetWriter
	logger zerolog.Logger
}

func NewTryOnService(ctx context.Context, apiKey, model string, assets *AssetWriter, logger zerolog.Logger) (*TryOnService, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = defaultTryOnModel
	}
	return &TryOnService{
		client: client,
		model:  model,
		assets: assets,
		logger: logger.With().Str("component", "tryon").Logger(),
	}, nil
}

func (s *TryOnService) Generate(ctx context.Context, scene models.Scene) (string, error) {
	if scene.ClothingReferencePath == nil || strings.TrimSpace(*scene.ClothingReferencePath) == "" {
		return "", fmt.Errorf("scene %s has no clothing reference", scene.Label())
	}

	source := scene.SourceAssetPath()
	if IsVideo(source) && scene.ThumbPath != nil {
		source = *scene.ThumbPath
	}
	person, personMime, err := readImage(source)
	if err != nil {
		return "", err
	}
	garment, garmentMime, err := readImage(*scene.ClothingReferencePath)
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(tryOnPrompt),
			genai.NewPartFromBytes(person, personMime),
			genai.NewPartFromBytes(garment, garmentMime),
		}, genai.RoleUser),
	}

	started := time.Now()
	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return "", fmt.Errorf("try-on request failed: %w", err)
	}

	image, text := firstImage(resp)
	if image == nil {
		s.logger.Warn().Str("scene", scene.Label()).Str("model_text", truncate(text, 200)).Msg("Try-on returned no image, keeping input")
		return source, nil
	}

	path, err := s.assets.Save(scene.ProjectID, scene.ID, "clothes", imageExt(image), image)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("scene", scene.Label()).Int("bytes", len(image)).Dur("elapsed", time.Since(started)).Msg("Clothes changed")
	return path, nil
}

// firstImage returns the first inline image of the first candidate, or the
// text the model answered with instead.
func firstImage(resp *genai.GenerateContentResponse) ([]byte, string) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ""
	}
	var text []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, ""
		}
		if part.Text != "" {
			text = append(text, part.Text)
		}
	}
	return nil, strings.Join(text, " ")
}
