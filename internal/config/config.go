// Package config provides configuration management for abrplay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/abrplay/internal/fetch"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/player"
)

// Default configuration values.
const (
	defaultAPIPort         = 8090
	defaultAPITimeout      = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultSinkKind        = "memory"
	defaultSinkQuota       = 256 << 20
	defaultKeepBehind      = 30 * time.Second
	defaultPlaybackRate    = 1.0
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "ABRPLAY"

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Player  PlayerConfig  `mapstructure:"player"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Sink    SinkConfig    `mapstructure:"sink"`
	API     APIConfig     `mapstructure:"api"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PlayerConfig holds buffering and adaptation settings.
type PlayerConfig struct {
	TargetBuffer       time.Duration `mapstructure:"target_buffer"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	SafetyFactor       float64       `mapstructure:"safety_factor"`
	EstimatorWindow    int           `mapstructure:"estimator_window"`
	FetchRetryDelay    time.Duration `mapstructure:"fetch_retry_delay"`
	FetchRetryMaxDelay time.Duration `mapstructure:"fetch_retry_max_delay"`
	MaxFetchAttempts   int           `mapstructure:"max_fetch_attempts"`
	AppendRetryDelay   time.Duration `mapstructure:"append_retry_delay"`
	MaxAppendRetries   int           `mapstructure:"max_append_retries"`
	Tolerance          time.Duration `mapstructure:"tolerance"`
	SwitchFlush        string        `mapstructure:"switch_flush"` // none, before_init, after_init
	StatsInterval      time.Duration `mapstructure:"stats_interval"`
	Audio              bool          `mapstructure:"audio"`
	PlaybackRate       float64       `mapstructure:"playback_rate"`
}

// FetchConfig holds segment download settings.
type FetchConfig struct {
	Timeout           time.Duration     `mapstructure:"timeout"`
	RetryAttempts     int               `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration     `mapstructure:"retry_delay"`
	RetryMaxDelay     time.Duration     `mapstructure:"retry_max_delay"`
	BackoffMultiplier float64           `mapstructure:"backoff_multiplier"`
	CircuitThreshold  int               `mapstructure:"circuit_threshold"`
	CircuitTimeout    time.Duration     `mapstructure:"circuit_timeout"`
	UserAgent         string            `mapstructure:"user_agent"`
	Decompress        bool              `mapstructure:"decompress"`
	Headers           map[string]string `mapstructure:"headers"`
	// MaxSegmentSize bounds a single response body.
	// Supports human-readable values like "64MiB" or raw byte counts.
	MaxSegmentSize ByteSize `mapstructure:"max_segment_size"`
}

// SinkConfig selects and configures the media sink.
type SinkConfig struct {
	Kind      string `mapstructure:"kind"` // memory, file
	OutputDir string `mapstructure:"output_dir"`
	// Quota is the per-track buffer limit of the memory sink (0 = unlimited).
	Quota         ByteSize      `mapstructure:"quota"`
	AppendLatency time.Duration `mapstructure:"append_latency"`
	// KeepBehind is how much played-out media the memory sink retains.
	KeepBehind time.Duration `mapstructure:"keep_behind"`
}

// APIConfig holds the optional control API configuration.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DecodeHook is the mapstructure hook used to decode durations and sizes.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ABRPLAY_ and use underscores for nesting.
// Example: ABRPLAY_PLAYER_TARGET_BUFFER=30s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/abrplay")
		v.AddConfigPath("$HOME/.abrplay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Unmarshal(v)
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Player defaults
	pc := player.DefaultConfig()
	v.SetDefault("player.target_buffer", pc.TargetBuffer)
	v.SetDefault("player.poll_interval", pc.PollInterval)
	v.SetDefault("player.safety_factor", pc.SafetyFactor)
	v.SetDefault("player.estimator_window", pc.EstimatorWindow)
	v.SetDefault("player.fetch_retry_delay", pc.FetchRetryDelay)
	v.SetDefault("player.fetch_retry_max_delay", pc.FetchRetryMaxDelay)
	v.SetDefault("player.max_fetch_attempts", pc.MaxFetchAttempts)
	v.SetDefault("player.append_retry_delay", pc.AppendRetryDelay)
	v.SetDefault("player.max_append_retries", pc.MaxAppendRetries)
	v.SetDefault("player.tolerance", pc.Tolerance)
	v.SetDefault("player.switch_flush", string(pc.SwitchFlush))
	v.SetDefault("player.stats_interval", pc.StatsInterval)
	v.SetDefault("player.audio", true)
	v.SetDefault("player.playback_rate", defaultPlaybackRate)

	// Fetch defaults
	fc := fetch.DefaultConfig()
	v.SetDefault("fetch.timeout", fc.Timeout)
	v.SetDefault("fetch.retry_attempts", fc.RetryAttempts)
	v.SetDefault("fetch.retry_delay", fc.RetryDelay)
	v.SetDefault("fetch.retry_max_delay", fc.RetryMaxDelay)
	v.SetDefault("fetch.backoff_multiplier", fc.BackoffMultiplier)
	v.SetDefault("fetch.circuit_threshold", fc.CircuitThreshold)
	v.SetDefault("fetch.circuit_timeout", fc.CircuitTimeout)
	v.SetDefault("fetch.user_agent", fc.UserAgent)
	v.SetDefault("fetch.decompress", fc.EnableDecompression)
	v.SetDefault("fetch.headers", map[string]string{})
	v.SetDefault("fetch.max_segment_size", fc.MaxResponseSize)

	// Sink defaults
	v.SetDefault("sink.kind", defaultSinkKind)
	v.SetDefault("sink.output_dir", "./capture")
	v.SetDefault("sink.quota", defaultSinkQuota)
	v.SetDefault("sink.append_latency", time.Duration(0))
	v.SetDefault("sink.keep_behind", defaultKeepBehind)

	// API defaults
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("api.read_timeout", defaultAPITimeout)
	v.SetDefault("api.write_timeout", defaultAPITimeout)
	v.SetDefault("api.shutdown_timeout", defaultShutdownTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.Player.ToPlayer().Validate(); err != nil {
		return fmt.Errorf("player: %w", err)
	}
	if c.Player.PlaybackRate <= 0 {
		return fmt.Errorf("player.playback_rate must be positive")
	}

	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.RetryAttempts < 0 {
		return fmt.Errorf("fetch.retry_attempts must not be negative")
	}
	if c.Fetch.CircuitThreshold < 1 {
		return fmt.Errorf("fetch.circuit_threshold must be at least 1")
	}

	switch c.Sink.Kind {
	case "memory":
	case "file":
		if c.Sink.OutputDir == "" {
			return fmt.Errorf("sink.output_dir is required for the file sink")
		}
	default:
		return fmt.Errorf("sink.kind must be one of: memory, file")
	}
	if c.Sink.Quota < 0 {
		return fmt.Errorf("sink.quota must not be negative")
	}

	if c.API.Enabled {
		const maxPort = 65535
		if c.API.Port < 1 || c.API.Port > maxPort {
			return fmt.Errorf("api.port must be between 1 and %d", maxPort)
		}
	}

	return nil
}

// ToPlayer converts the section into player settings.
func (c *PlayerConfig) ToPlayer() player.Config {
	cfg := player.Config{
		TargetBuffer:       c.TargetBuffer,
		PollInterval:       c.PollInterval,
		SafetyFactor:       c.SafetyFactor,
		EstimatorWindow:    c.EstimatorWindow,
		FetchRetryDelay:    c.FetchRetryDelay,
		FetchRetryMaxDelay: c.FetchRetryMaxDelay,
		MaxFetchAttempts:   c.MaxFetchAttempts,
		AppendRetryDelay:   c.AppendRetryDelay,
		MaxAppendRetries:   c.MaxAppendRetries,
		Tolerance:          c.Tolerance,
		SwitchFlush:        player.SwitchFlush(c.SwitchFlush),
		StatsInterval:      c.StatsInterval,
	}
	if !c.Audio {
		cfg.Tracks = []media.TrackType{media.TrackVideo}
	}
	return cfg
}

// ToFetch converts the section into segment client settings.
func (c *FetchConfig) ToFetch() fetch.Config {
	cfg := fetch.DefaultConfig()
	cfg.Timeout = c.Timeout
	cfg.RetryAttempts = c.RetryAttempts
	cfg.RetryDelay = c.RetryDelay
	cfg.RetryMaxDelay = c.RetryMaxDelay
	cfg.BackoffMultiplier = c.BackoffMultiplier
	cfg.CircuitThreshold = c.CircuitThreshold
	cfg.CircuitTimeout = c.CircuitTimeout
	cfg.UserAgent = c.UserAgent
	cfg.EnableDecompression = c.Decompress
	cfg.MaxResponseSize = c.MaxSegmentSize.Bytes()
	if len(c.Headers) > 0 {
		cfg.Headers = c.Headers
	}
	return cfg
}

// Address returns the API address in host:port format.
func (c *APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
