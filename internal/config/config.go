package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

const EnvPrefix = "YTSCRIBE_"

// DefaultURLPattern accepts youtube.com and youtu.be links.
const DefaultURLPattern = `^(https?://)?(www\.)?(youtube\.com|youtu\.be)/.+`

type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	StorageDir string           `yaml:"storage_dir" env:"STORAGE_DIR"`
	Tasks      TasksConfig      `yaml:"tasks" envPrefix:"TASKS_"`
	Media      MediaConfig      `yaml:"media" envPrefix:"MEDIA_"`
	Transcribe TranscribeConfig `yaml:"transcribe" envPrefix:"TRANSCRIBE_"`
	Validation ValidationConfig `yaml:"validation" envPrefix:"VALIDATION_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	SubmitRate      float64       `yaml:"submit_rate" env:"SUBMIT_RATE"`
	SubmitBurst     int           `yaml:"submit_burst" env:"SUBMIT_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type TasksConfig struct {
	// Workers <= 0 runs every task on its own goroutine.
	Workers         int           `yaml:"workers" env:"WORKERS"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	DeleteRunning   bool          `yaml:"delete_running" env:"DELETE_RUNNING"`
}

type MediaConfig struct {
	YtDlpPath    string `yaml:"ytdlp_path" env:"YTDLP_PATH"`
	FFmpegPath   string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	VideoFormat  string `yaml:"video_format" env:"VIDEO_FORMAT"`
	AudioFormat  string `yaml:"audio_format" env:"AUDIO_FORMAT"`
	AudioBitrate string `yaml:"audio_bitrate" env:"AUDIO_BITRATE"`
}

type TranscribeConfig struct {
	Language    string `yaml:"language" env:"LANGUAGE"`
	WhisperPath string `yaml:"whisper_path" env:"WHISPER_PATH"`
	ModelPath   string `yaml:"model_path" env:"MODEL_PATH"`
	ModelURL    string `yaml:"model_url" env:"MODEL_URL"`
	Threads     int    `yaml:"threads" env:"THREADS"`
}

type ValidationConfig struct {
	URLPattern string `yaml:"url_pattern" env:"URL_PATTERN"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            5000,
			CORSOrigins:     []string{"*"},
			SubmitBurst:     5,
			ShutdownTimeout: 10 * time.Second,
		},
		StorageDir: "temp_files",
		Tasks: TasksConfig{
			Workers:         4,
			QueueSize:       64,
			Retention:       24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Media: MediaConfig{
			YtDlpPath:    "yt-dlp",
			FFmpegPath:   "ffmpeg",
			VideoFormat:  "best[ext=mp4]/best",
			AudioFormat:  "bestaudio/best",
			AudioBitrate: "192k",
		},
		Transcribe: TranscribeConfig{
			Language:    "ko",
			WhisperPath: "whisper-cli",
			ModelPath:   "models/ggml-base.bin",
		},
		Validation: ValidationConfig{URLPattern: DefaultURLPattern},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig layers the yaml file at path and then YTSCRIBE_* environment
// variables over the defaults. A missing file is only an error when required.
func LoadConfig(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && err != io.EOF {
				return nil, errors.Wrapf(err, "decode %s", path)
			}
		case os.IsNotExist(err) && !required:
		default:
			return nil, errors.Wrap(err, "open config")
		}
	}

	if err := applyEnv(&cfg, nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables; environ replaces the process
// environment when non-nil.
func applyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	return errors.Wrap(env.ParseWithOptions(cfg, opts), "environment overrides")
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.SubmitRate < 0 {
		return fmt.Errorf("server.submit_rate must not be negative")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir is required")
	}
	if c.Tasks.QueueSize < 1 {
		return fmt.Errorf("tasks.queue_size must be at least 1")
	}
	if c.Tasks.Retention <= 0 || c.Tasks.CleanupInterval <= 0 {
		return fmt.Errorf("tasks.retention and tasks.cleanup_interval must be positive")
	}
	if _, err := regexp.Compile(c.Validation.URLPattern); err != nil {
		return errors.Wrap(err, "validation.url_pattern")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
