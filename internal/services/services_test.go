package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/cenaflow/internal/assembler"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/settings"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pngBytes is enough of a PNG for content sniffing.
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pngBytes, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func strPtr(s string) *string { return &s }

func TestSplitBatches(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}
	got := splitBatches(paths, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 || got[2][0] != "e" {
		t.Errorf("unexpected batches: %v", got)
	}
	if got := splitBatches(paths, 10); len(got) != 1 {
		t.Errorf("expected a single batch, got %v", got)
	}
}

func TestFinalPassArgs(t *testing.T) {
	base := assembler.Job{NarrationPath: "/in/n.mp3", OutputPath: "/out/final.mp4"}

	t.Run("plain", func(t *testing.T) {
		args := strings.Join(finalPassArgs(base, "/tmp/list.txt", 12.5), " ")
		if !strings.Contains(args, "-c:v copy") {
			t.Errorf("expected stream copy without subtitles: %s", args)
		}
		if strings.Contains(args, "-filter_complex") {
			t.Errorf("no filters expected: %s", args)
		}
		if !strings.Contains(args, "-t 12.500") {
			t.Errorf("expected total duration cap: %s", args)
		}
	})

	t.Run("music and subtitles", func(t *testing.T) {
		job := base
		job.MusicPath = "/in/m.mp3"
		job.SubtitlePath = "/w/sub:s.ass"
		args := strings.Join(finalPassArgs(job, "/tmp/list.txt", 3), " ")
		for _, want := range []string{"-stream_loop -1 -i /in/m.mp3", "amix=inputs=2", "volume=0.12", `ass='/w/sub\:s.ass'`, "-c:v libx264"} {
			if !strings.Contains(args, want) {
				t.Errorf("missing %q in %s", want, args)
			}
		}
	})
}

func TestBuildMotionFilter(t *testing.T) {
	rs := models.DefaultRenderSettings()

	calm := buildMotionFilter(EffectZoomIn, 2, rs)
	if !strings.Contains(calm, "crop=2160:3840") || !strings.Contains(calm, "s=1080x1920:fps=30") {
		t.Errorf("unexpected geometry: %s", calm)
	}
	if strings.Contains(calm, "sin(") {
		t.Errorf("calm mode must not pulse: %s", calm)
	}
	if !strings.Contains(calm, "d=90") {
		t.Errorf("expected duration plus one second of frames: %s", calm)
	}

	rs.HighMotion = true
	busy := buildMotionFilter(EffectZoomIn, 2, rs)
	if !strings.Contains(busy, "sin(on*") || !strings.Contains(busy, "1.0+0.500*on/90") {
		t.Errorf("high motion should use full range and pulse: %s", busy)
	}
}

func TestProgressEmitterClampsToDuration(t *testing.T) {
	var lines []string
	emit := progressEmitter(func(l string) { lines = append(lines, l) }, 2, 3, 10)
	emit(4)
	emit(1 << 30)

	want := []string{
		"Lote 2 de 3, Duracao: 10.00, Concluido=4.00",
		"Lote 2 de 3, Duracao: 10.00, Concluido=10.00",
	}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", lines, want)
	}
	for _, l := range lines {
		if _, _, _, _, ok := assembler.ParseProgress(l); !ok {
			t.Errorf("assembler cannot parse %q", l)
		}
	}
}

func TestEscapeFFmpegFilterPath(t *testing.T) {
	got := escapeFFmpegFilterPath(`C:\subs\it's.ass`)
	want := `C\:\\subs\\it'\''s.ass`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAspectRatioFor(t *testing.T) {
	tests := []struct {
		w, h int
		want string
	}{
		{1080, 1920, "9:16"},
		{1920, 1080, "16:9"},
		{1080, 1080, "1:1"},
		{1080, 1350, "4:5"},
		{0, 0, "9:16"},
	}
	for _, tt := range tests {
		if got := aspectRatioFor(tt.w, tt.h); got != tt.want {
			t.Errorf("aspectRatioFor(%d, %d) = %s, want %s", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestAssetWriterSave(t *testing.T) {
	w := NewAssetWriter(t.TempDir())
	projectID, sceneID := uuid.New(), uuid.New()

	first, err := w.Save(projectID, sceneID, "image", ".png", pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.Save(projectID, sceneID, "image", ".png", pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("each save must produce a fresh file name")
	}
	if !strings.Contains(first, projectID.String()) {
		t.Errorf("asset not stored under project dir: %s", first)
	}
	if _, err := os.Stat(first + ".part"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
	if _, err := w.Save(projectID, sceneID, "image", ".png", nil); err == nil {
		t.Error("expected error for empty data")
	}
}

func TestSubtitlesSizedForResolution(t *testing.T) {
	words := []WordTimestamp{
		{Word: "ola", Start: 0, End: 0.4},
		{Word: "mundo.", Start: 0.5, End: 1},
		{Word: "tudo", Start: 1.2, End: 1.5},
	}
	path := filepath.Join(t.TempDir(), "s.ass")
	rs := models.RenderSettings{Width: 1080, Height: 1920, FPS: 30}
	if err := GenerateASSSubtitles(words, path, rs); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"PlayResX: 1080", "PlayResY: 1920", "Noto Sans,62,", "0:00:00.00,0:00:00.50", "MUNDO."} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in subtitles", want)
		}
	}
	if n := strings.Count(out, "Dialogue:"); n != 3 {
		t.Errorf("expected one dialogue line per word, got %d", n)
	}

	if err := GenerateASSSubtitles(nil, path, rs); err == nil {
		t.Error("expected error without words")
	}
}

func TestChunkWordsBreaksAtSentenceEnd(t *testing.T) {
	words := []WordTimestamp{{Word: "a"}, {Word: "b."}, {Word: "c"}, {Word: "d"}, {Word: "e"}, {Word: "f"}, {Word: "g"}}
	chunks := chunkWords(words, 4)
	if len(chunks) != 3 || len(chunks[0]) != 2 || len(chunks[1]) != 4 || len(chunks[2]) != 1 {
		t.Errorf("unexpected chunks: %v", chunks)
	}
}

func TestFormatASSTime(t *testing.T) {
	if got := formatASSTime(3723.456); got != "1:02:03.45" {
		t.Errorf("got %s", got)
	}
	if got := formatASSTime(-1); got != "0:00:00.00" {
		t.Errorf("negative time should clamp, got %s", got)
	}
}

type fakeTranscriber struct {
	words []WordTimestamp
	err   error
}

func (f fakeTranscriber) TranscribeFile(ctx context.Context, path string) ([]WordTimestamp, error) {
	return f.words, f.err
}

func TestSubtitleService(t *testing.T) {
	dir := t.TempDir()
	svc := NewSubtitleService(fakeTranscriber{words: []WordTimestamp{{Word: "oi", Start: 0, End: 1}}}, zerolog.Nop())

	path, err := svc.Subtitles(context.Background(), "/in/n.mp3", dir, models.DefaultRenderSettings())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("subtitles written outside output dir: %s", path)
	}

	failing := NewSubtitleService(fakeTranscriber{err: errors.New("quota")}, zerolog.Nop())
	if _, err := failing.Subtitles(context.Background(), "/in/n.mp3", dir, models.DefaultRenderSettings()); err == nil {
		t.Error("expected transcription error")
	}
}

func TestGeminiImageGenerate(t *testing.T) {
	dir := t.TempDir()
	var got GeminiGenerateContentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(GeminiGenerateContentResponse{Candidates: []GeminiCandidate{{
			Content: GeminiResponseContent{Parts: []GeminiResponsePart{{
				InlineData: &GeminiInlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(pngBytes)},
			}}},
		}}})
	}))
	defer srv.Close()

	svc := NewGeminiImageService("k", "", NewAssetWriter(dir), settings.Static(models.DefaultRenderSettings()), zerolog.Nop())
	svc.baseURL = srv.URL

	scene := models.Scene{
		ID:                 uuid.New(),
		ProjectID:          uuid.New(),
		Cena:               "1",
		Prompt:             "a lighthouse at dawn",
		ReferenceAssetPath: writePNG(t, dir, "ref.png"),
	}
	path, err := svc.Generate(context.Background(), scene)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(path) != ".png" {
		t.Errorf("expected png asset, got %s", path)
	}
	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 2 {
		t.Fatalf("expected prompt plus reference image, got %+v", got.Contents)
	}
	if !strings.Contains(got.Contents[0].Parts[0].Text, "a lighthouse at dawn") {
		t.Errorf("prompt not forwarded: %q", got.Contents[0].Parts[0].Text)
	}
	if got.GenerationConfig.ImageConfig.AspectRatio != "9:16" {
		t.Errorf("unexpected aspect ratio %q", got.GenerationConfig.ImageConfig.AspectRatio)
	}

	scene.Prompt = " "
	if _, err := svc.Generate(context.Background(), scene); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestGeminiTextOnlyResponseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"I cannot draw that"}]}}]}`)
	}))
	defer srv.Close()

	svc := NewGeminiImageService("k", "", NewAssetWriter(t.TempDir()), settings.Static(models.DefaultRenderSettings()), zerolog.Nop())
	svc.baseURL = srv.URL

	_, err := svc.Generate(context.Background(), models.Scene{ID: uuid.New(), Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "text instead of image") {
		t.Errorf("expected text-only failure, got %v", err)
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	objects []string
}

func (p *fakePublisher) PublishFile(ctx context.Context, localPath, objectPath, contentType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects = append(p.objects, objectPath)
	return "https://cdn.example.com/" + objectPath, nil
}

func TestXAIVideoGenerate(t *testing.T) {
	dir := t.TempDir()
	var (
		mu    sync.Mutex
		polls int
		req   xaiGenerationRequest
	)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/videos/generations", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&req)
		mu.Unlock()
		fmt.Fprint(w, `{"request_id":"r1"}`)
	})
	mux.HandleFunc("/videos/r1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"status":"pending"}`)
			return
		}
		fmt.Fprintf(w, `{"video":{"url":"%s/files/v.mp4","duration":5}}`, srv.URL)
	})
	mux.HandleFunc("/files/v.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake mp4 bytes"))
	})

	pub := &fakePublisher{}
	svc := NewXAIVideoService("k", pub, NewAssetWriter(dir), settings.Static(models.DefaultRenderSettings()), zerolog.Nop())
	svc.baseURL = srv.URL
	svc.initialDelay = 0
	svc.pollInterval = time.Millisecond

	image := writePNG(t, dir, "still.png")
	scene := models.Scene{
		ID:                 uuid.New(),
		ProjectID:          uuid.New(),
		TimeStart:          0,
		TimeEnd:            4.2,
		VideoPrompt:        strPtr("the wind moves her hair"),
		GeneratedAssetPath: &image,
	}

	path, err := svc.Generate(context.Background(), scene)
	if err != nil {
		t.Fatal(err)
	}
	if !IsVideo(path) {
		t.Errorf("expected a video asset, got %s", path)
	}
	mu.Lock()
	defer mu.Unlock()
	if polls != 3 {
		t.Errorf("expected 3 polls, got %d", polls)
	}
	if req.Duration != 5 || req.Image == nil || !strings.HasPrefix(req.Image.URL, "https://cdn.example.com/frames/") {
		t.Errorf("unexpected generation request: %+v", req)
	}
	if len(pub.objects) != 1 {
		t.Errorf("expected first frame published once, got %v", pub.objects)
	}
}

func TestXAIVideoFailedStatus(t *testing.T) {
	dir := t.TempDir()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/videos/generations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"request_id":"r2"}`)
	})
	mux.HandleFunc("/videos/r2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"failed","error":"moderation"}`)
	})

	svc := NewXAIVideoService("k", &fakePublisher{}, NewAssetWriter(dir), settings.Static(models.DefaultRenderSettings()), zerolog.Nop())
	svc.baseURL = srv.URL
	svc.initialDelay = 0

	image := writePNG(t, dir, "still.png")
	_, err := svc.Generate(context.Background(), models.Scene{
		ID:                 uuid.New(),
		VideoPrompt:        strPtr("x"),
		GeneratedAssetPath: &image,
	})
	if err == nil || !strings.Contains(err.Error(), "moderation") {
		t.Errorf("expected provider failure, got %v", err)
	}
}

func TestFirstFrame(t *testing.T) {
	video := "/w/assets/v.mp4"
	thumb := "/w/assets/v_thumb.jpg"

	got, err := firstFrame(models.Scene{GeneratedAssetPath: &video, ThumbPath: &thumb})
	if err != nil || got != thumb {
		t.Errorf("video asset should start from thumb, got %q, %v", got, err)
	}
	if _, err := firstFrame(models.Scene{GeneratedAssetPath: &video}); err == nil {
		t.Error("expected error for video without thumb")
	}
	got, _ = firstFrame(models.Scene{ReferenceAssetPath: "/in/ref.jpg"})
	if got != "/in/ref.jpg" {
		t.Errorf("expected reference image, got %q", got)
	}
}

func TestClampDuration(t *testing.T) {
	for in, want := range map[float64]int{0: 1, 0.3: 1, 4.2: 5, 40: 15} {
		if got := clampDuration(in); got != want {
			t.Errorf("clampDuration(%v) = %d, want %d", in, got, want)
		}
	}
}
