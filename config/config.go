package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Server settings
	ServerPort   string        `json:"server_port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Debug        bool          `json:"debug"`
	Environment  string        `json:"environment"`

	LogDir  string `json:"log_dir"`
	TempDir string `json:"temp_dir"`

	CORS       CORSConfig       `json:"cors"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Database   DatabaseConfig   `json:"database"`
	AWS        AWSConfig        `json:"aws"`
	Upload     UploadConfig     `json:"upload"`
	Poll       PollConfig       `json:"poll"`
	Convert    ConvertConfig    `json:"convert"`
	Transcribe TranscribeConfig `json:"transcribe"`

	Version         string        `json:"version"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type CORSConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute"`
	BurstSize         int  `json:"burst_size"`
}

type DatabaseConfig struct {
	Path               string        `json:"path"`
	MaxConnections     int           `json:"max_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime"`
}

type AWSConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	PublicBaseURL   string `json:"public_base_url"`
}

type UploadConfig struct {
	MaxFileSize       int64    `json:"max_file_size"`
	AllowedExtensions []string `json:"allowed_extensions"`
	PublicRead        bool     `json:"public_read"`
}

// PollConfig controls the job poller. Zero MaxAttempts and MaxDuration keep
// polling until the job completes.
type PollConfig struct {
	Interval    time.Duration `json:"interval"`
	MaxAttempts int           `json:"max_attempts"`
	MaxDuration time.Duration `json:"max_duration"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

type ConvertConfig struct {
	URL     string        `json:"url"`
	Bucket  string        `json:"bucket"`
	Timeout time.Duration `json:"timeout"`
}

type TranscribeConfig struct {
	Backend      string        `json:"backend"`
	MediaBucket  string        `json:"media_bucket"`
	OutputBucket string        `json:"output_bucket"`
	OpenAIKey    string        `json:"-"`
	WhisperModel string        `json:"whisper_model"`
	Timeout      time.Duration `json:"timeout"`
	Languages    []string      `json:"languages"`
}

const (
	BackendAWS     = "aws"
	BackendWhisper = "whisper"
)

// Load reads configuration from environment variables, after loading an
// optional .env file (ENV_FILE, default ".env").
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	bucket := getEnv("BUCKET_NAME", "")

	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ReadTimeout:  getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout: getEnvAsDuration("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:  getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
		Debug:        getEnvAsBool("DEBUG", false),
		Environment:  getEnv("ENV", "development"),

		LogDir:  getEnv("LOG_DIR", "/var/log/vidscribe"),
		TempDir: getEnv("TEMP_DIR", "/tmp/vidscribe"),

		Version:         getEnv("VERSION", "1.0.0"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		CORS: CORSConfig{
			Enabled:        getEnvAsBool("CORS_ENABLED", true),
			AllowedOrigins: getEnvAsStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsStringSlice(
				"CORS_ALLOWED_METHODS",
				[]string{"GET", "POST", "DELETE", "OPTIONS"},
			),
			AllowedHeaders:   getEnvAsStringSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type"}),
			ExposedHeaders:   getEnvAsStringSlice("CORS_EXPOSED_HEADERS", []string{"X-Request-ID"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 86400),
		},

		RateLimit: RateLimitConfig{
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_RPM", 120),
			BurstSize:         getEnvAsInt("RATE_LIMIT_BURST", 20),
		},

		Database: DatabaseConfig{
			Path:               getEnv("DB_PATH", "/var/lib/vidscribe/jobs.db"),
			MaxConnections:     getEnvAsInt("DB_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    getEnvAsDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		},

		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "ap-south-1"),
			AccessKeyID:     getEnv("ACCE_KEY", getEnv("AWS_ACCESS_KEY_ID", "")),
			SecretAccessKey: getEnv("SEC_ACCESS_KEY", getEnv("AWS_SECRET_ACCESS_KEY", "")),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Bucket:          bucket,
			PublicBaseURL:   getEnv("S3_PUBLIC_BASE_URL", ""),
		},

		Upload: UploadConfig{
			MaxFileSize: getEnvAsInt64("UPLOAD_MAX_FILE_SIZE", 100*1024*1024),
			AllowedExtensions: getEnvAsStringSlice(
				"UPLOAD_ALLOWED_EXTENSIONS",
				[]string{"mp4", "mov", "webm", "mkv", "m4v"},
			),
			PublicRead: getEnvAsBool("UPLOAD_PUBLIC_READ", true),
		},

		Poll: PollConfig{
			Interval:    getEnvAsDuration("POLL_INTERVAL", 4*time.Second),
			MaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 0),
			MaxDuration: getEnvAsDuration("POLL_MAX_DURATION", 0),
			IdleTimeout: getEnvAsDuration("POLL_IDLE_TIMEOUT", 10*time.Minute),
		},

		Convert: ConvertConfig{
			URL:     getEnv("CONVERT_URL", "http://localhost:5001/api/convert"),
			Bucket:  getEnv("CONVERT_BUCKET", bucket),
			Timeout: getEnvAsDuration("CONVERT_TIMEOUT", 30*time.Second),
		},

		Transcribe: TranscribeConfig{
			Backend:      strings.ToLower(getEnv("TRANSCRIBE_BACKEND", BackendAWS)),
			MediaBucket:  getEnv("TRANSCRIBE_MEDIA_BUCKET", bucket),
			OutputBucket: getEnv("TRANSCRIBE_OUTPUT_BUCKET", bucket),
			OpenAIKey:    getEnv("OPENAI_API_KEY", ""),
			WhisperModel: getEnv("WHISPER_MODEL", "whisper-1"),
			Timeout:      getEnvAsDuration("TRANSCRIBE_TIMEOUT", 30*time.Minute),
			Languages:    getEnvAsStringSlice("TRANSCRIPT_LANGUAGES", []string{}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Validate() error {
	if err := validateTimeouts(c); err != nil {
		return err
	}

	if err := validateServices(c); err != nil {
		return err
	}

	return validatePaths(c)
}

func validatePaths(c *Config) error {
	paths := []struct {
		path string
		name string
	}{
		{c.LogDir, "log directory"},
		{c.TempDir, "temp directory"},
		{filepath.Dir(c.Database.Path), "database directory"},
	}

	for _, p := range paths {
		if err := os.MkdirAll(p.path, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p.name, err)
		}
	}

	return nil
}

func validateTimeouts(c *Config) error {
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Poll.MaxAttempts < 0 || c.Poll.MaxDuration < 0 {
		return fmt.Errorf("poll bounds must not be negative")
	}
	return nil
}

func validateServices(c *Config) error {
	if c.ServerPort == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload max file size must be positive")
	}

	switch c.Transcribe.Backend {
	case BackendAWS:
	case BackendWhisper:
		if c.Transcribe.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the whisper backend")
		}
	default:
		return fmt.Errorf("unknown transcribe backend %q", c.Transcribe.Backend)
	}
	return nil
}

// Helper functions for reading environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		warnInvalid(key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
		warnInvalid(key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		warnInvalid(key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		warnInvalid(key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists {
		if value = strings.TrimSpace(value); value != "" {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts
		}
	}
	return defaultValue
}

func warnInvalid(key, value string, defaultValue interface{}) {
	logrus.WithFields(logrus.Fields{
		"key":          key,
		"value":        value,
		"defaultValue": defaultValue,
	}).Warn("Invalid config value, using default")
}
