package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	AppEnv             string
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis (job queue + render notifications)
	RedisURL string

	// Admission coordinator
	AdmissionURL          string
	AdmissionTimeout      time.Duration // Per-request timeout for enqueue/status/confirm
	LaneImage             string
	LaneClothes           string
	LaneVideo             string
	AdmissionPollInterval time.Duration
	AdmissionMaxPolls     int

	// Generation retry budget (per task run)
	GenerationMaxAttempts int
	GenerationRetryDelay  time.Duration

	// Local workspace: generated assets, preview cache, final renders
	WorkspaceDir       string
	RenderSettingsPath string

	// Gemini (image generation + try-on + Veo)
	GeminiKey   string
	GeminiModel string

	// Video generation provider: "veo" or "xai"
	VideoProvider string
	VeoModel      string
	XAIAPIKey     string

	// OpenAI (Whisper transcription for automatic subtitles)
	OpenAIKey        string
	AutoSubtitles    bool
	SubtitleLanguage string

	// Supabase (optional publishing of images for xAI and of the final video)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Worker
	MaxConcurrentTasks int
	PreviewConcurrency int
	AssemblyBatchSize  int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:                getEnv("APP_ENV", "production"),
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		AdmissionURL:          getEnv("ADMISSION_URL", "http://localhost:8090"),
		AdmissionTimeout:      getEnvDuration("ADMISSION_TIMEOUT", 15*time.Second),
		LaneImage:             getEnv("LANE_IMAGE", "imagem"),
		LaneClothes:           getEnv("LANE_CLOTHES", "imagem"),
		LaneVideo:             getEnv("LANE_VIDEO", "video"),
		AdmissionPollInterval: getEnvDuration("ADMISSION_POLL_INTERVAL", 5*time.Second),
		AdmissionMaxPolls:     getEnvInt("ADMISSION_MAX_POLLS", 120),
		GenerationMaxAttempts: getEnvInt("GENERATION_MAX_ATTEMPTS", 1),
		GenerationRetryDelay:  getEnvDuration("GENERATION_RETRY_DELAY", 10*time.Second),
		WorkspaceDir:          getEnv("WORKSPACE_DIR", "/tmp/cenaflow"),
		RenderSettingsPath:    getEnv("RENDER_SETTINGS_PATH", "config/render.yaml"),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		VideoProvider:         strings.ToLower(getEnv("VIDEO_PROVIDER", "veo")),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		AutoSubtitles:         getEnvBool("AUTO_SUBTITLES", false),
		SubtitleLanguage:      getEnv("SUBTITLE_LANGUAGE", "pt"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "cenaflow-renders"),
		MaxConcurrentTasks:    getEnvInt("MAX_CONCURRENT_TASKS", 16),
		PreviewConcurrency:    getEnvInt("PREVIEW_CONCURRENCY", 3),
		AssemblyBatchSize:     getEnvInt("ASSEMBLY_BATCH_SIZE", 8),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.WorkerEnabled && cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required when the worker is enabled")
	}

	switch cfg.VideoProvider {
	case "veo":
	case "xai":
		if cfg.XAIAPIKey == "" {
			return nil, fmt.Errorf("XAI_API_KEY is required when VIDEO_PROVIDER=xai")
		}
		// xAI fetches the first frame by URL, so images must be published somewhere public
		if !cfg.StorageEnabled() {
			return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when VIDEO_PROVIDER=xai")
		}
	default:
		return nil, fmt.Errorf("VIDEO_PROVIDER must be veo or xai, got %q", cfg.VideoProvider)
	}

	if cfg.AutoSubtitles && cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required when AUTO_SUBTITLES is enabled")
	}

	if cfg.AdmissionMaxPolls < 1 || cfg.GenerationMaxAttempts < 1 {
		return nil, fmt.Errorf("ADMISSION_MAX_POLLS and GENERATION_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// StorageEnabled reports whether Supabase publishing is configured.
func (c *Config) StorageEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

// AdmissionConfig configures the admission coordinator service.
type AdmissionConfig struct {
	AppEnv         string
	Port           string
	Backend        string // "redis" or "memory"
	RedisURL       string
	DefaultCap     int
	LaneCapacities map[string]int
	StaleAfter     time.Duration // Waiting entries that stopped polling
	HoldLimit      time.Duration // Released entries that never confirmed
	ReapInterval   time.Duration
}

func LoadAdmission() (*AdmissionConfig, error) {
	_ = godotenv.Load()

	cfg := &AdmissionConfig{
		AppEnv:       getEnv("APP_ENV", "production"),
		Port:         getEnv("ADMISSION_PORT", "8090"),
		Backend:      strings.ToLower(getEnv("ADMISSION_BACKEND", "redis")),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		DefaultCap:   getEnvInt("LANE_CAPACITY", 1),
		StaleAfter:   getEnvDuration("ADMISSION_STALE_AFTER", 2*time.Minute),
		HoldLimit:    getEnvDuration("ADMISSION_HOLD_LIMIT", 30*time.Minute),
		ReapInterval: getEnvDuration("ADMISSION_REAP_INTERVAL", 30*time.Second),
	}

	caps, err := parseLaneCapacities(getEnv("LANE_CAPACITIES", ""))
	if err != nil {
		return nil, err
	}
	cfg.LaneCapacities = caps

	if cfg.Backend != "redis" && cfg.Backend != "memory" {
		return nil, fmt.Errorf("ADMISSION_BACKEND must be redis or memory, got %q", cfg.Backend)
	}
	if cfg.DefaultCap < 1 {
		return nil, fmt.Errorf("LANE_CAPACITY must be at least 1")
	}

	return cfg, nil
}

// parseLaneCapacities reads "imagem=1,video=2".
func parseLaneCapacities(raw string) (map[string]int, error) {
	caps := map[string]int{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid lane capacity %q (want lane=n)", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid capacity for lane %q: %q", name, value)
		}
		caps[strings.TrimSpace(name)] = n
	}
	return caps, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
