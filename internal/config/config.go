package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Option, e.Reason)
}

type Config struct {
	Port string

	// Auth
	MailgestAPIKey string

	// Output
	OutputDir string

	// Per-format enable flags
	SpreadsheetEnabled bool
	OCREnabled         bool
	WordEnabled        bool

	// Limits
	MaxUploadBytes     int64
	MaxAttachmentBytes int64
	PermissiveTypes    bool

	// OCR service
	OCREndpoint       string
	OCRAPIKey         string
	OCRMode           string // text, images, combined
	OCRPageSeparator  string
	OCRMinImagePixels int
	OCRMaxImages      int
	OCRCallTimeout    time.Duration

	// Retry / circuit breaker
	MaxRetries              int
	RetryBaseDelay          time.Duration
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	// Chunking
	ChunkingEnabled    bool
	ChunkStrategy      string // token, semantic, hybrid
	ChunkMaxTokens     int
	ChunkOverlapTokens int

	// Worker pool
	WorkerCount          int
	MaxQueueSize         int
	MaxConcurrentConvert int

	// Job state
	JobTTL time.Duration
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8091"),

		MailgestAPIKey: os.Getenv("MAILGEST_API_KEY"),

		OutputDir: envOr("OUTPUT_DIR", "./out"),

		SpreadsheetEnabled: envBool("SPREADSHEET_ENABLED", true),
		OCREnabled:         envBool("OCR_ENABLED", true),
		WordEnabled:        envBool("WORD_ENABLED", true),

		MaxUploadBytes:     envInt64("MAX_UPLOAD_BYTES", 52428800), // 50MB
		MaxAttachmentBytes: envInt64("MAX_ATTACHMENT_BYTES", 26214400),
		PermissiveTypes:    envBool("PERMISSIVE_TYPES", false),

		OCREndpoint:       os.Getenv("OCR_ENDPOINT"),
		OCRAPIKey:         os.Getenv("OCR_API_KEY"),
		OCRMode:           envOr("OCR_MODE", "combined"),
		OCRPageSeparator:  envOr("OCR_PAGE_SEPARATOR", "\n\n---\n\n"),
		OCRMinImagePixels: envInt("OCR_MIN_IMAGE_PIXELS", 64),
		OCRMaxImages:      envInt("OCR_MAX_IMAGES", 50),
		OCRCallTimeout:    envDuration("OCR_CALL_TIMEOUT", 120*time.Second),

		MaxRetries:              envInt("MAX_RETRIES", 3),
		RetryBaseDelay:          envDuration("RETRY_BASE_DELAY", 1*time.Second),
		BreakerFailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  envDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),

		ChunkingEnabled:    envBool("CHUNKING_ENABLED", true),
		ChunkStrategy:      envOr("CHUNK_STRATEGY", "hybrid"),
		ChunkMaxTokens:     envInt("CHUNK_MAX_TOKENS", 1500),
		ChunkOverlapTokens: envInt("CHUNK_OVERLAP_TOKENS", 200),

		WorkerCount:          envInt("WORKER_COUNT", 4),
		MaxQueueSize:         envInt("MAX_QUEUE_SIZE", 100),
		MaxConcurrentConvert: envInt("MAX_CONCURRENT_CONVERT", 4),

		JobTTL: envDuration("JOB_TTL", 1*time.Hour),
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxConcurrentConvert <= 0 {
		cfg.MaxConcurrentConvert = 4
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 52428800
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 26214400
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 1 * time.Hour
	}

	return cfg
}

// Validate reports fatal configuration problems. An empty MAILGEST_API_KEY
// is allowed and disables request authentication.
func (c Config) Validate() error {
	if c.OCREnabled && c.OCREndpoint == "" {
		return &ConfigurationError{Option: "OCR_ENDPOINT", Reason: "required when OCR conversion is enabled"}
	}
	switch c.OCRMode {
	case "text", "images", "combined":
	default:
		return &ConfigurationError{Option: "OCR_MODE", Reason: fmt.Sprintf("unknown mode %q", c.OCRMode)}
	}
	switch c.ChunkStrategy {
	case "token", "semantic", "hybrid":
	default:
		return &ConfigurationError{Option: "CHUNK_STRATEGY", Reason: fmt.Sprintf("unknown strategy %q", c.ChunkStrategy)}
	}
	if c.ChunkMaxTokens <= 0 {
		return &ConfigurationError{Option: "CHUNK_MAX_TOKENS", Reason: "must be positive"}
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkMaxTokens {
		return &ConfigurationError{Option: "CHUNK_OVERLAP_TOKENS", Reason: "must be in [0, CHUNK_MAX_TOKENS)"}
	}
	if c.MaxRetries <= 0 {
		return &ConfigurationError{Option: "MAX_RETRIES", Reason: "must be positive"}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
