package services

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/bobarin/cenaflow/internal/models"
)

// ---------------------------------------------------------------------------
// Word-by-word highlighted ASS subtitles
//
// Words are shown in small chunks (up to 4 at a time) with the currently
// spoken word highlighted by a thick purple border. Bold white uppercase
// text with a dark outline, centered near the bottom of the frame. Sizes are
// given for a 2160x3840 canvas and scaled to the render resolution.
// ---------------------------------------------------------------------------

const (
	wordsPerChunk = 4

	// Must match a font installed in the container.
	subtitleFontName = "Noto Sans"

	// ASS colors are &HAABBGGRR
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorPurple    = "&H00CC3299" // #9932CC
	assColorSemiBlack = "&H80000000"

	referenceHeight  = 3840.0
	refFontSize      = 124.0
	refOutline       = 6.0
	refOutlineActive = 16.0
	refMarginV       = 440.0
)

// subtitleStyle holds the ASS metrics for one output resolution.
type subtitleStyle struct {
	FontSize      int
	Outline       int
	OutlineActive int
	MarginV       int
	PlayResX      int
	PlayResY      int
}

// styleFor scales the reference metrics by the shorter side of the frame so
// landscape renders do not get oversized text.
func styleFor(rs models.RenderSettings) subtitleStyle {
	w, h := rs.Width, rs.Height
	if w <= 0 || h <= 0 {
		d := models.DefaultRenderSettings()
		w, h = d.Width, d.Height
	}
	short := math.Min(float64(w), float64(h))
	scale := short / (referenceHeight * 9 / 16)
	scaled := func(v float64) int {
		n := int(math.Round(v * scale))
		if n < 1 {
			n = 1
		}
		return n
	}
	return subtitleStyle{
		FontSize:      scaled(refFontSize),
		Outline:       scaled(refOutline),
		OutlineActive: scaled(refOutlineActive),
		MarginV:       int(math.Round(refMarginV * float64(h) / referenceHeight)),
		PlayResX:      w,
		PlayResY:      h,
	}
}

// GenerateASSSubtitles writes an ASS subtitle file for the words, laid out
// for the render resolution in rs.
func GenerateASSSubtitles(words []WordTimestamp, outputPath string, rs models.RenderSettings) error {
	if len(words) == 0 {
		return fmt.Errorf("no words to generate subtitles from")
	}

	style := styleFor(rs)
	chunks := chunkWords(words, wordsPerChunk)

	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", style.PlayResX)
	fmt.Fprintf(&sb, "PlayResY: %d\n", style.PlayResY)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb,
		"Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,2,0,1,%d,0,2,40,40,%d,1\n",
		subtitleFontName, style.FontSize,
		assColorWhite,     // PrimaryColour (text)
		assColorWhite,     // SecondaryColour
		assColorBlack,     // OutlineColour
		assColorSemiBlack, // BackColour (shadow)
		style.Outline,
		style.MarginV,
	)
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	for _, chunk := range chunks {
		for wordIdx, word := range chunk {
			startTime := word.Start
			endTime := word.End
			if wordIdx < len(chunk)-1 {
				// Hold until the next word starts so the chunk never flickers.
				endTime = chunk[wordIdx+1].Start
			}

			fmt.Fprintf(&sb,
				"Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
				formatASSTime(startTime),
				formatASSTime(endTime),
				buildHighlightedChunkText(chunk, wordIdx, style.OutlineActive),
			)
		}
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}

	return nil
}

// chunkWords groups words into display chunks of the specified size.
// It also breaks at sentence boundaries (., !, ?) to keep chunks natural.
func chunkWords(words []WordTimestamp, chunkSize int) [][]WordTimestamp {
	var chunks [][]WordTimestamp
	var current []WordTimestamp

	for _, word := range words {
		current = append(current, word)

		// Break chunk if we've reached the target size
		// OR if the word ends with sentence-ending punctuation
		isSentenceEnd := strings.ContainsAny(word.Word, ".!?")
		if len(current) >= chunkSize || (isSentenceEnd && len(current) >= 2) {
			chunks = append(chunks, current)
			current = nil
		}
	}

	// Don't forget the last partial chunk
	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// buildHighlightedChunkText builds the ASS text for a chunk with the word at
// activeIdx wrapped in a thick purple border of the given width.
//
// Output example: "THE {\3c&H00CC3299\bord8}HISTORY{\r} OF COFFEE"
func buildHighlightedChunkText(chunk []WordTimestamp, activeIdx, border int) string {
	var parts []string

	for i, word := range chunk {
		cleanWord := strings.ToUpper(strings.TrimSpace(word.Word))
		if cleanWord == "" {
			continue
		}

		if i == activeIdx {
			// Highlighted word: thick purple border creates the "pill" effect
			// \3c sets outline color, \bord sets outline thickness
			// \r resets back to the default style after this word
			parts = append(parts, fmt.Sprintf(
				"{\\3c%s\\bord%d}%s{\\r}",
				assColorPurple, border, cleanWord,
			))
		} else {
			// Normal word: just the text (default style applies: white + black outline)
			parts = append(parts, cleanWord)
		}
	}

	return strings.Join(parts, " ")
}

// formatASSTime converts seconds to ASS timestamp format: H:MM:SS.CC (centiseconds)
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	centiseconds := int((seconds - float64(int(seconds))) * 100)

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, centiseconds)
}
