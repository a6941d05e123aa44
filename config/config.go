// Package config loads pipeline settings from the environment with viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Quality selects the capture resolution.
type Quality int

const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
)

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "LOW"
	case QualityMedium:
		return "MEDIUM"
	case QualityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Dimensions returns the capture resolution for the quality level.
func (q Quality) Dimensions() (width, height int) {
	switch q {
	case QualityMedium:
		return 1280, 720
	case QualityHigh:
		return 1920, 1080
	default:
		return 640, 360
	}
}

// ParseQuality converts a LOW/MEDIUM/HIGH string, case-insensitively.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return QualityLow, nil
	case "MEDIUM":
		return QualityMedium, nil
	case "HIGH":
		return QualityHigh, nil
	default:
		return QualityLow, fmt.Errorf("unknown video quality %q", s)
	}
}

// Config is the full pipeline configuration.
type Config struct {
	// Gateway (audio WebSocket)
	GatewayURL    string `mapstructure:"gateway_url"`
	Token         string `mapstructure:"token"`
	TokenInHeader bool   `mapstructure:"token_in_header"`
	UserID        string `mapstructure:"user_id"`

	// RTMP push
	RTMPURL string `mapstructure:"rtmp_url"`

	// Video
	VideoQuality    string `mapstructure:"video_quality"`
	VideoFPS        int    `mapstructure:"video_fps"`
	TargetBitrate   int    `mapstructure:"target_bitrate"`
	PreviewEnabled  bool   `mapstructure:"preview_enabled"`
	PreviewQuality  int    `mapstructure:"preview_quality"`
	PreviewInterval int    `mapstructure:"preview_interval_ms"`

	// Audio capture
	AudioSampleRate int `mapstructure:"audio_sample_rate"`
	AudioChannels   int `mapstructure:"audio_channels"`
	AudioChunk      int `mapstructure:"audio_chunk"`

	// Vitals reporting period, seconds. Zero disables.
	VitalsInterval int `mapstructure:"vitals_interval_sec"`

	LogLevel string `mapstructure:"log_level"`
}

// Quality returns the parsed video quality, falling back to LOW.
func (c Config) Quality() Quality {
	q, err := ParseQuality(c.VideoQuality)
	if err != nil {
		return QualityLow
	}
	return q
}

// Load reads configuration from LENSCAST_* environment variables with the
// defaults below.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("lenscast")
	v.AutomaticEnv()

	setDefaults(v)

	// AutomaticEnv alone does not surface env-only keys to Unmarshal, so
	// every key must be registered through a default above.
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, err := ParseQuality(cfg.VideoQuality); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway_url", "wss://api.finnox.cn/gateway/v1/proxy/ws")
	v.SetDefault("token", "")
	v.SetDefault("token_in_header", false)
	v.SetDefault("user_id", "11")

	v.SetDefault("rtmp_url", "")

	v.SetDefault("video_quality", "LOW")
	v.SetDefault("video_fps", 24)
	v.SetDefault("target_bitrate", 2_000_000)
	v.SetDefault("preview_enabled", false)
	v.SetDefault("preview_quality", 70)
	v.SetDefault("preview_interval_ms", 1000)

	v.SetDefault("audio_sample_rate", 48000)
	v.SetDefault("audio_channels", 1)
	v.SetDefault("audio_chunk", 512)

	v.SetDefault("vitals_interval_sec", 2)

	v.SetDefault("log_level", "info")
}
