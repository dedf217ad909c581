package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir         string        `envconfig:"TARGET_DIR" required:"true"`
	DBPath            string        `envconfig:"DB_PATH" default:"postdl.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	RecentWindow      time.Duration `envconfig:"RECENT_WINDOW" default:"1h"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"3"`
	MaxBytesPerSecond int           `envconfig:"MAX_BYTES_PER_SECOND" default:"0"`
	FilePrefix        string        `envconfig:"FILE_PREFIX" default:"xhs_"`
	LivePhotos        bool          `envconfig:"LIVE_PHOTOS" default:"true"`
	UserAgent         string        `envconfig:"USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"`
	Referer           string        `envconfig:"REFERER" default:"https://www.xiaohongshu.com/"`

	Resolver struct {
		URL        string        `split_words:"true"`
		Token      string        `split_words:"true"`
		Timeout    time.Duration `split_words:"true" default:"30s"`
		MaxRetries uint          `split_words:"true" default:"3"`
	}

	Video struct {
		QualityMarkers []string `split_words:"true" default:"pre_post,originVideoKey"`
		VariantMarkers []string `split_words:"true" default:"sns-video-bd"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"postdl"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Mirror struct {
		Bucket    string `split_words:"true"`
		KeyPrefix string `split_words:"true" default:"postdl"`
		Region    string `split_words:"true" default:"us-east-1"`
		Endpoint  string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MirrorEnabled reports whether finished files should be published to object storage.
func (c *Config) MirrorEnabled() bool {
	return c.Mirror.Bucket != ""
}
