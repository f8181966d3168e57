// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RateLimitConfig defines the parameters for per-session inbound message
// rate limiting. A zero Burst disables the limit.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// HeartbeatInterval is the period between protocol pings on every session.
	HeartbeatInterval time.Duration
	// PongWait enables liveness detection when positive: a session that goes
	// this long without a pong (or any frame) is closed. Zero keeps the
	// ping-only behavior.
	PongWait time.Duration
	// OutboundBuffer bounds each session's outbound queue. A full queue is a
	// delivery failure.
	OutboundBuffer int
	WriteWait      time.Duration

	StaticDir string
	LogLevel  zerolog.Level
}

const (
	defaultPort              = ":8080"
	defaultMaxMessageSize    = 4096
	defaultHeartbeatInterval = 20 * time.Second
	defaultOutboundBuffer    = 100
	defaultWriteWait         = 10 * time.Second
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          0,
			RefillInterval: time.Second,
		},
		HeartbeatInterval: defaultHeartbeatInterval,
		OutboundBuffer:    defaultOutboundBuffer,
		WriteWait:         defaultWriteWait,
		StaticDir:         "dist",
		LogLevel:          zerolog.InfoLevel,
	}
}

// Sanitize returns a copy of cfg with every unset or invalid field replaced
// by its default.
func (cfg Config) Sanitize() Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.PongWait < 0 {
		cfg.PongWait = 0
	}

	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}

	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	// Seconds.
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if interval := os.Getenv("HEARTBEAT_INTERVAL"); interval != "" {
		cfg.HeartbeatInterval = parseSeconds(interval, cfg.HeartbeatInterval)
	}

	if wait := os.Getenv("PONG_WAIT"); wait != "" {
		cfg.PongWait = parseSeconds(wait, cfg.PongWait)
	}

	if size := os.Getenv("OUTBOUND_BUFFER"); size != "" {
		cfg.OutboundBuffer = parseIntValue(size, cfg.OutboundBuffer)
	}

	if dir := os.Getenv("STATIC_DIR"); dir != "" {
		cfg.StaticDir = dir
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			cfg.LogLevel = parsed
		}
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
