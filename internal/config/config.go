package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Signaling SignalingConfig `mapstructure:"signaling"`
	Session   SessionConfig   `mapstructure:"session"`
	Media     MediaConfig     `mapstructure:"media"`
	Recording RecordingConfig `mapstructure:"recording"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Claims    ClaimsConfig    `mapstructure:"claims"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
}

type SignalingConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type RetryPolicyConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type SessionConfig struct {
	ICEServers      []ICEServerConfig `mapstructure:"ice_servers"`
	QualityInterval time.Duration     `mapstructure:"quality_interval"`
	Reconnect       RetryPolicyConfig `mapstructure:"reconnect"`
	ProbeSTUN       bool              `mapstructure:"probe_stun"`
}

type MediaConfig struct {
	FacingMode   string  `mapstructure:"facing_mode"`
	Width        int     `mapstructure:"width"`
	Height       int     `mapstructure:"height"`
	FrameRate    float64 `mapstructure:"frame_rate"`
	VideoBitRate int     `mapstructure:"video_bit_rate"`
	AudioBitRate int     `mapstructure:"audio_bit_rate"`
}

type RecordingConfig struct {
	ChunkInterval  time.Duration `mapstructure:"chunk_interval"`
	ContentType    string        `mapstructure:"content_type"`
	UploadAttempts int           `mapstructure:"upload_attempts"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
}

type StorageConfig struct {
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Prefix          string        `mapstructure:"prefix"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
	PartSize        uint64        `mapstructure:"part_size_mb"`
	MaxUploads      int           `mapstructure:"max_uploads"`
}

type PostgresConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type ClaimsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotifyConfig controls where session notices go besides the log. The
// webhook is disabled while WebhookURL is empty.
type NotifyConfig struct {
	KeepRecent         int           `mapstructure:"keep_recent"`
	WebhookURL         string        `mapstructure:"webhook_url"`
	WebhookToken       string        `mapstructure:"webhook_token"`
	WebhookMinLevel    string        `mapstructure:"webhook_min_level"`
	WebhookTimeout     time.Duration `mapstructure:"webhook_timeout"`
	WebhookMaxAttempts int           `mapstructure:"webhook_max_attempts"`
}

type APIConfig struct {
	Addr            string   `mapstructure:"addr"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerSec float64  `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int      `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	JSON        bool   `mapstructure:"json"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Development bool   `mapstructure:"development"`
}

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:8080",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:8080",
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Signaling: SignalingConfig{
			URL:          "ws://localhost:7000/ws",
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 20 * time.Second,
		},
		Session: SessionConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			QualityInterval: 5 * time.Second,
			Reconnect: RetryPolicyConfig{
				MaxAttempts:    5,
				BaseDelay:      time.Second,
				MaxDelay:       30 * time.Second,
				AttemptTimeout: 20 * time.Second,
			},
			ProbeSTUN: true,
		},
		Media: MediaConfig{
			FacingMode:   "environment",
			Width:        1280,
			Height:       720,
			FrameRate:    30,
			VideoBitRate: 1_500_000,
			AudioBitRate: 32_000,
		},
		Recording: RecordingConfig{
			ChunkInterval:  time.Second,
			ContentType:    "video/webm",
			UploadAttempts: 1,
			UploadTimeout:  10 * time.Minute,
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Endpoint:   "localhost:9000",
				Bucket:     "call-recordings",
				Region:     "us-east-1",
				Prefix:     "claims",
				URLExpiry:  7 * 24 * time.Hour,
				PartSize:   16,
				MaxUploads: 2,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "fieldcall",
				Username:        "fieldcall",
				SSLMode:         "disable",
				MaxConnections:  10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
		},
		Claims: ClaimsConfig{
			Timeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			KeepRecent:         200,
			WebhookMinLevel:    "warning",
			WebhookTimeout:     10 * time.Second,
			WebhookMaxAttempts: 3,
		},
		API: APIConfig{
			Addr:            "localhost:8081",
			AllowedOrigins:  append([]string(nil), defaultAllowedOrigins...),
			RateLimitPerSec: 5,
			RateLimitBurst:  10,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads configuration from path (or fieldcall.yaml in the usual
// locations when path is empty) on top of the defaults. FIELDCALL_*
// environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldcall")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fieldcall")
	}

	v.SetEnvPrefix("FIELDCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the session runtime depends on.
func Validate(cfg *Config) error {
	if cfg.Signaling.URL == "" {
		return fmt.Errorf("signaling.url is required")
	}
	if cfg.Session.QualityInterval <= 0 {
		return fmt.Errorf("session.quality_interval must be positive")
	}
	r := cfg.Session.Reconnect
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("session.reconnect.max_attempts must be positive")
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("invalid reconnect delays: base=%s max=%s", r.BaseDelay, r.MaxDelay)
	}
	if r.AttemptTimeout <= 0 {
		return fmt.Errorf("session.reconnect.attempt_timeout must be positive")
	}
	switch cfg.Media.FacingMode {
	case "user", "environment":
	default:
		return fmt.Errorf("media.facing_mode must be \"user\" or \"environment\", got %q", cfg.Media.FacingMode)
	}
	if cfg.Media.Width <= 0 || cfg.Media.Height <= 0 {
		return fmt.Errorf("invalid video dimensions: %dx%d", cfg.Media.Width, cfg.Media.Height)
	}
	if cfg.Media.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate: %v", cfg.Media.FrameRate)
	}
	if cfg.Recording.ChunkInterval <= 0 {
		return fmt.Errorf("recording.chunk_interval must be positive")
	}
	if cfg.Recording.UploadAttempts < 1 {
		return fmt.Errorf("recording.upload_attempts must be at least 1")
	}
	return nil
}
