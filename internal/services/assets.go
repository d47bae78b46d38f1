package services

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// AssetWriter stores generated files under <root>/assets/<projectID>/.
// Every save gets a fresh name so the preview fingerprint sees a new file.
type AssetWriter struct {
	root string
}

func NewAssetWriter(root string) *AssetWriter {
	return &AssetWriter{root: root}
}

// Save writes data for a scene and returns the final path. ext includes the dot.
func (w *AssetWriter) Save(projectID, sceneID uuid.UUID, kind, ext string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to save empty %s asset", kind)
	}

	dir := filepath.Join(w.root, "assets", projectID.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create asset dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%d%s", sceneID.String()[:8], kind, time.Now().UnixNano(), ext)
	path := filepath.Join(dir, name)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write asset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move asset into place: %w", err)
	}
	return path, nil
}

// readImage loads an image file and sniffs its MIME type from the content.
func readImage(path string) ([]byte, string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, "", fmt.Errorf("no image path given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image %s: %w", path, err)
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, "", fmt.Errorf("%s is not an image (%s)", path, mime.String())
	}
	return data, mime.String(), nil
}

// imageExt picks a file extension for generated image bytes.
func imageExt(data []byte) string {
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		return ext
	}
	return ".png"
}

// aspectRatioFor maps output dimensions to the closest ratio the providers accept.
func aspectRatioFor(width, height int) string {
	if width <= 0 || height <= 0 {
		return "9:16"
	}
	target := float64(width) / float64(height)
	ratios := []struct {
		name  string
		value float64
	}{
		{"9:16", 9.0 / 16.0},
		{"3:4", 3.0 / 4.0},
		{"4:5", 4.0 / 5.0},
		{"1:1", 1},
		{"4:3", 4.0 / 3.0},
		{"16:9", 16.0 / 9.0},
	}
	best := ratios[0]
	for _, r := range ratios[1:] {
		if math.Abs(r.value-target) < math.Abs(best.value-target) {
			best = r
		}
	}
	return best.name
}
