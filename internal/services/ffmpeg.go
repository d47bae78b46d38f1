package services

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bobarin/cenaflow/internal/assembler"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/preview"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Motion effect types: a still scene gets one of these, optionally with a
// breathing pulse in high-motion mode
// ---------------------------------------------------------------------------

// ClipEffect is the Ken Burns motion applied to a still image.
type ClipEffect string

const (
	EffectZoomIn         ClipEffect = "zoom_in"
	EffectZoomOut        ClipEffect = "zoom_out"
	EffectPanDown        ClipEffect = "pan_down"
	EffectPanUp          ClipEffect = "pan_up"
	EffectPanLeft        ClipEffect = "pan_left"
	EffectPanRight       ClipEffect = "pan_right"
	EffectZoomInPanUp    ClipEffect = "zoom_in_pan_up"
	EffectZoomInPanDown  ClipEffect = "zoom_in_pan_down"
	EffectZoomInPanLeft  ClipEffect = "zoom_in_pan_left"
	EffectZoomInPanRight ClipEffect = "zoom_in_pan_right"
)

var allEffects = []ClipEffect{
	EffectZoomIn,
	EffectZoomOut,
	EffectPanDown,
	EffectPanUp,
	EffectPanLeft,
	EffectPanRight,
	EffectZoomInPanUp,
	EffectZoomInPanDown,
	EffectZoomInPanLeft,
	EffectZoomInPanRight,
}

// RandomEffect picks a random motion effect for a scene.
func RandomEffect() ClipEffect {
	return allEffects[rand.Intn(len(allEffects))]
}

const (
	// Breathing pulse: ±3% zoom, about one breath every 2 seconds at 30fps.
	breathAmplitude = 0.03
	breathFrequency = 0.12

	// Regular mode moves the camera at this fraction of high-motion strength.
	calmStrength = 0.4

	musicVolume = 0.12
)

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".mkv": true, ".m4v": true,
}

// IsVideo reports whether path looks like a video file.
func IsVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir   string
	batchSize int
	logger    zerolog.Logger
}

func NewFFmpegService(tempDir string, batchSize int, logger zerolog.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &FFmpegService{
		tempDir:   tempDir,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "ffmpeg").Logger(),
	}, nil
}

// Probe returns the media duration in seconds. A file ffprobe cannot read,
// or one without a numeric duration, is an error.
func (s *FFmpegService) Probe(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return d, nil
}

// TrimAudio cuts [start, end] out of src into dst as AAC.
func (s *FFmpegService) TrimAudio(ctx context.Context, src string, start, end float64, dst string) error {
	args := []string{
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-i", src,
		"-vn",
		"-c:a", "aac",
		"-b:a", "192k",
		"-y",
		dst,
	}
	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg trim audio failed: %w", err)
	}
	return nil
}

// RenderScenePreview renders one scene: its asset at the configured size and
// frame rate, with the narration snippet as audio.
func (s *FFmpegService) RenderScenePreview(ctx context.Context, job preview.Job) error {
	rs := job.Settings
	var args []string

	if IsVideo(job.AssetPath) {
		// Freeze the last frame when the clip is shorter than the window.
		vf := fmt.Sprintf("[0:v]%s,fps=%d,tpad=stop_mode=clone:stop_duration=%s[v]",
			fitFilter(rs.Width, rs.Height), rs.FPS, formatSeconds(job.Duration))
		args = []string{
			"-i", job.AssetPath,
			"-i", job.AudioPath,
			"-filter_complex", vf,
			"-map", "[v]",
			"-map", "1:a",
		}
	} else {
		vf := fitFilter(rs.Width, rs.Height) + fmt.Sprintf(",fps=%d", rs.FPS)
		if rs.PanZoom {
			effect := RandomEffect()
			vf = buildMotionFilter(effect, job.Duration, rs)
			s.logger.Debug().Str("effect", string(effect)).Bool("high_motion", rs.HighMotion).Msg("Motion filter")
		}
		args = []string{
			"-loop", "1",
			"-i", job.AssetPath,
			"-i", job.AudioPath,
			"-vf", vf,
		}
	}

	args = append(args,
		"-t", formatSeconds(job.Duration),
		"-r", strconv.Itoa(rs.FPS),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "48000",
		"-movflags", "+faststart",
		"-y",
		job.OutputPath,
	)

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg render preview failed: %w", err)
	}
	return nil
}

// Thumbnail extracts a still from a generated video, next to it.
func (s *FFmpegService) Thumbnail(ctx context.Context, videoPath string) (string, error) {
	out := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_thumb.jpg"
	args := []string{
		"-ss", "0.5",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-y",
		out,
	}
	if err := s.run(ctx, args); err != nil {
		return "", fmt.Errorf("ffmpeg thumbnail failed: %w", err)
	}
	return out, nil
}

// fitFilter scales to fit inside w x h and pads the rest with black.
func fitFilter(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", w, h, w, h)
}

// escapeFFmpegFilterPath escapes a file path for use inside a filter string.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// buildMotionFilter builds the zoompan chain for a still image. The image is
// first cropped to the output aspect at twice the output size so the camera
// has headroom to move without upscaling artifacts.
func buildMotionFilter(effect ClipEffect, durationSec float64, rs models.RenderSettings) string {
	totalFrames := int(durationSec*float64(rs.FPS)) + rs.FPS
	if totalFrames < rs.FPS {
		totalFrames = rs.FPS
	}

	strength := calmStrength
	pulse := ""
	if rs.HighMotion {
		strength = 1
		pulse = fmt.Sprintf("+%.3f*sin(on*%.3f)", breathAmplitude, breathFrequency)
	}
	zoomRange := 0.5 * strength
	panZoom := 1 + 0.3*strength
	comboRange := 0.4 * strength

	const (
		cx = "iw/2-(iw/zoom/2)"
		cy = "ih/2-(ih/zoom/2)"
	)
	n := totalFrames
	var zExpr, xExpr, yExpr string

	switch effect {
	case EffectZoomIn:
		zExpr = fmt.Sprintf("1.0+%.3f*on/%d%s", zoomRange, n, pulse)
		xExpr, yExpr = cx, cy
	case EffectZoomOut:
		zExpr = fmt.Sprintf("%.3f-%.3f*on/%d%s", 1+zoomRange, zoomRange, n, pulse)
		xExpr, yExpr = cx, cy
	case EffectPanDown:
		zExpr = fmt.Sprintf("%.3f%s", panZoom, pulse)
		xExpr = cx
		yExpr = fmt.Sprintf("(ih-ih/zoom)*on/%d", n)
	case EffectPanUp:
		zExpr = fmt.Sprintf("%.3f%s", panZoom, pulse)
		xExpr = cx
		yExpr = fmt.Sprintf("(ih-ih/zoom)*(1-on/%d)", n)
	case EffectPanRight:
		zExpr = fmt.Sprintf("%.3f%s", panZoom, pulse)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*on/%d", n)
		yExpr = cy
	case EffectPanLeft:
		zExpr = fmt.Sprintf("%.3f%s", panZoom, pulse)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*(1-on/%d)", n)
		yExpr = cy
	case EffectZoomInPanUp:
		zExpr = fmt.Sprintf("1.0+%.3f*on/%d%s", comboRange, n, pulse)
		xExpr = cx
		yExpr = fmt.Sprintf("max(0,(ih-ih/zoom)*(1-on/%d))", n)
	case EffectZoomInPanDown:
		zExpr = fmt.Sprintf("1.0+%.3f*on/%d%s", comboRange, n, pulse)
		xExpr = cx
		yExpr = fmt.Sprintf("min(ih-ih/zoom,(ih-ih/zoom)*on/%d)", n)
	case EffectZoomInPanRight:
		zExpr = fmt.Sprintf("1.0+%.3f*on/%d%s", comboRange, n, pulse)
		xExpr = fmt.Sprintf("min(iw-iw/zoom,(iw-iw/zoom)*on/%d)", n)
		yExpr = cy
	case EffectZoomInPanLeft:
		zExpr = fmt.Sprintf("1.0+%.3f*on/%d%s", comboRange, n, pulse)
		xExpr = fmt.Sprintf("max(0,(iw-iw/zoom)*(1-on/%d))", n)
		yExpr = cy
	default:
		zExpr = fmt.Sprintf("1.0+%.3f*on/%d%s", comboRange, n, pulse)
		xExpr, yExpr = cx, cy
	}

	headroomW, headroomH := rs.Width*2, rs.Height*2
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d,setsar=1",
		headroomW, headroomH, headroomW, headroomH,
		zExpr, xExpr, yExpr,
		n, rs.Width, rs.Height, rs.FPS,
	)
}

// ---------------------------------------------------------------------------
// Batch assembly
// ---------------------------------------------------------------------------

// Assemble concatenates the previews in batches, then runs a final pass that
// lays the narration under the video, mixes optional music and burns optional
// subtitles. Every pass reports "Lote i de n, Duracao: d, Concluido=c" lines.
func (s *FFmpegService) Assemble(ctx context.Context, job assembler.Job, onLine func(string)) error {
	if len(job.Previews) == 0 {
		return fmt.Errorf("no previews to assemble")
	}

	batches := splitBatches(job.Previews, s.batchSize)
	passes := len(batches) + 1
	prefix := strings.TrimSuffix(filepath.Base(job.OutputPath), filepath.Ext(job.OutputPath))

	var batchOutputs []string
	defer func() { s.Cleanup(batchOutputs...) }()

	total := 0.0
	for i, batch := range batches {
		duration, err := s.totalDuration(ctx, batch)
		if err != nil {
			return err
		}
		total += duration

		out := s.CreateTempFile(fmt.Sprintf("%s_batch_%03d.mp4", prefix, i+1))
		batchOutputs = append(batchOutputs, out)

		list, err := writeConcatList(s.tempDir, fmt.Sprintf("%s_batch_%03d.txt", prefix, i+1), batch)
		if err != nil {
			return err
		}
		args := []string{
			"-f", "concat",
			"-safe", "0",
			"-i", list,
			"-c", "copy",
			"-y",
			out,
		}
		err = s.runWithProgress(ctx, args, progressEmitter(onLine, i+1, passes, duration))
		os.Remove(list)
		if err != nil {
			return fmt.Errorf("ffmpeg batch %d of %d failed: %w", i+1, len(batches), err)
		}
		s.logger.Debug().Int("batch", i+1).Int("scenes", len(batch)).Float64("duration", duration).Msg("Batch assembled")
	}

	list, err := writeConcatList(s.tempDir, prefix+"_final.txt", batchOutputs)
	if err != nil {
		return err
	}
	defer os.Remove(list)

	args := finalPassArgs(job, list, total)
	if err := s.runWithProgress(ctx, args, progressEmitter(onLine, passes, passes, total)); err != nil {
		return fmt.Errorf("ffmpeg final pass failed: %w", err)
	}
	return nil
}

func finalPassArgs(job assembler.Job, concatList string, total float64) []string {
	args := []string{
		"-f", "concat", "-safe", "0", "-i", concatList, // 0: scenes
		"-i", job.NarrationPath, // 1: narration
	}
	hasMusic := job.MusicPath != ""
	if hasMusic {
		args = append(args, "-stream_loop", "-1", "-i", job.MusicPath) // 2: music, looped
	}

	var filters []string
	videoOut := "0:v"
	if job.SubtitlePath != "" {
		filters = append(filters, fmt.Sprintf("[0:v]ass='%s'[v]", escapeFFmpegFilterPath(job.SubtitlePath)))
		videoOut = "[v]"
	}
	audioOut := "1:a"
	if hasMusic {
		filters = append(filters, fmt.Sprintf(
			"[1:a]volume=1.0[narration];[2:a]volume=%.2f[music];[narration][music]amix=inputs=2:duration=first:dropout_transition=3[aout]",
			musicVolume,
		))
		audioOut = "[aout]"
	}
	if len(filters) > 0 {
		args = append(args, "-filter_complex", strings.Join(filters, ";"))
	}

	args = append(args, "-map", videoOut, "-map", audioOut)
	if job.SubtitlePath != "" {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p")
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", "192k",
		"-t", formatSeconds(total),
		"-movflags", "+faststart",
		"-y",
		job.OutputPath,
	)
	return args
}

func splitBatches(paths []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(paths); start += size {
		end := start + size
		if end > len(paths) {
			end = len(paths)
		}
		out = append(out, paths[start:end])
	}
	return out
}

func writeConcatList(dir, name string, paths []string) (string, error) {
	var sb strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(filepath.ToSlash(abs), "'", "'\\''"))
	}
	listPath := filepath.Join(dir, name)
	if err := os.WriteFile(listPath, []byte(sb.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	return listPath, nil
}

func (s *FFmpegService) totalDuration(ctx context.Context, paths []string) (float64, error) {
	total := 0.0
	for _, p := range paths {
		d, err := s.Probe(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("failed to probe %s: %w", p, err)
		}
		total += d
	}
	return total, nil
}

// progressEmitter formats encoded seconds of pass i of n as a progress line.
func progressEmitter(onLine func(string), i, n int, duration float64) func(float64) {
	return func(done float64) {
		if onLine == nil {
			return
		}
		if done > duration {
			done = duration
		}
		onLine(fmt.Sprintf("Lote %d de %d, Duracao: %.2f, Concluido=%.2f", i, n, duration, done))
	}
}

var outTimeUs = regexp.MustCompile(`^out_time_(?:us|ms)=(\d+)$`)

// runWithProgress runs ffmpeg with machine-readable progress on stdout and
// calls onProgress with the seconds encoded so far.
func (s *FFmpegService) runWithProgress(ctx context.Context, args []string, onProgress func(float64)) error {
	args = append([]string{"-nostats", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: 8 << 10}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := outTimeUs.FindStringSubmatch(line); m != nil {
			us, _ := strconv.ParseInt(m[1], 10, 64)
			onProgress(float64(us) / 1e6)
		} else if line == "progress=end" {
			onProgress(1 << 30)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *FFmpegService) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: 8 << 10}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

// CreateTempFile returns a path inside the service's temp directory.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
