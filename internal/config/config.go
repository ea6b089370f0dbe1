package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override empty credentials in the config file
const (
	EnvDeepgramAPIKey    = "DEEPGRAM_API_KEY"
	EnvTranslationAPIKey = "TRANSLATION_API_KEY"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Translation   TranslationConfig   `yaml:"translation"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	StaticDir      string   `yaml:"static_dir"`      // browser client assets, optional
	AllowedOrigins []string `yaml:"allowed_origins"` // empty allows any origin
	MaxSessions    int      `yaml:"max_sessions"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	Backend    string `yaml:"backend"`   // "device" or "file"
	DeviceID   string `yaml:"device_id"` // empty selects the first enumerated device
	FilePath   string `yaml:"file_path"` // WAV file for the "file" backend
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	ChunkMs    int    `yaml:"chunk_ms"`
}

// TranscriptionConfig contains upstream speech-to-text configuration
type TranscriptionConfig struct {
	Provider        string `yaml:"provider"` // "deepgram" or "aws"
	APIKey          string `yaml:"api_key"`
	Endpoint        string `yaml:"endpoint"`
	Model           string `yaml:"model"`
	Language        string `yaml:"language"` // spoken language
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ConnectTimeout  int    `yaml:"connect_timeout"` // seconds
	ReconnectDelay  int    `yaml:"reconnect_delay"` // seconds
}

// TranslationConfig contains translation API configuration
type TranslationConfig struct {
	Provider        string `yaml:"provider"` // "google" or "deepl"
	APIKey          string `yaml:"api_key"`
	Endpoint        string `yaml:"endpoint"`
	Timeout         int    `yaml:"timeout"` // seconds
	MaxConcurrent   int    `yaml:"max_concurrent"`
	DefaultLanguage string `yaml:"default_language"`
}

// SessionConfig contains per-client session parameters
type SessionConfig struct {
	DiagnosticsInterval int `yaml:"diagnostics_interval"` // milliseconds between repeated drop diagnostics
	SendQueue           int `yaml:"send_queue"`           // outbound events buffered per client
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration that a config file overrides
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     "0.0.0.0",
			Port:        8080,
			MaxSessions: 32,
		},
		Audio: AudioConfig{
			Backend:    "device",
			SampleRate: 16000,
			Channels:   1,
			ChunkMs:    100,
		},
		Transcription: TranscriptionConfig{
			Provider:       "deepgram",
			Model:          "nova-2",
			Language:       "en",
			ConnectTimeout: 10,
			ReconnectDelay: 5,
		},
		Translation: TranslationConfig{
			Provider:        "google",
			Timeout:         10,
			MaxConcurrent:   8,
			DefaultLanguage: "ja",
		},
		Session: SessionConfig{
			DiagnosticsInterval: 1000,
			SendQueue:           64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv fills empty credentials from the environment
func (c *Config) ApplyEnv() {
	if c.Transcription.APIKey == "" {
		c.Transcription.APIKey = os.Getenv(EnvDeepgramAPIKey)
	}
	if c.Translation.APIKey == "" {
		c.Translation.APIKey = os.Getenv(EnvTranslationAPIKey)
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Translation.Validate(); err != nil {
		return fmt.Errorf("translation config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.StaticDir != "" {
		info, err := os.Stat(s.StaticDir)
		if err != nil {
			return fmt.Errorf("static_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("static_dir %s is not a directory", s.StaticDir)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	switch a.Backend {
	case "device":
	case "file":
		if a.FilePath == "" {
			return fmt.Errorf("file_path is required for the file backend")
		}
	default:
		return fmt.Errorf("backend must be 'device' or 'file', got '%s'", a.Backend)
	}

	validRates := map[int]bool{8000: true, 16000: true, 24000: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 24000, 44100, 48000, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.ChunkMs < 20 || a.ChunkMs > 1000 {
		return fmt.Errorf("chunk_ms must be between 20 and 1000, got %d", a.ChunkMs)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "deepgram":
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for deepgram (or set %s)", EnvDeepgramAPIKey)
		}
	case "aws":
		if t.Region == "" {
			return fmt.Errorf("region cannot be empty for aws")
		}
		if (t.AccessKeyID == "") != (t.SecretAccessKey == "") {
			return fmt.Errorf("access_key_id and secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("provider must be 'deepgram' or 'aws', got '%s'", t.Provider)
	}

	if t.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if t.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", t.ConnectTimeout)
	}

	if t.ReconnectDelay < 1 {
		return fmt.Errorf("reconnect_delay must be at least 1 second, got %d", t.ReconnectDelay)
	}

	return nil
}

// Validate validates translation configuration
func (t *TranslationConfig) Validate() error {
	if t.Provider != "google" && t.Provider != "deepl" {
		return fmt.Errorf("provider must be 'google' or 'deepl', got '%s'", t.Provider)
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (or set %s)", EnvTranslationAPIKey)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if strings.TrimSpace(t.DefaultLanguage) == "" {
		return fmt.Errorf("default_language cannot be empty")
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.DiagnosticsInterval < 0 {
		return fmt.Errorf("diagnostics_interval cannot be negative, got %d", s.DiagnosticsInterval)
	}

	if s.SendQueue < 1 {
		return fmt.Errorf("send_queue must be at least 1, got %d", s.SendQueue)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetConnectTimeoutDuration returns the upstream dial timeout as a time.Duration
func (t *TranscriptionConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(t.ConnectTimeout) * time.Second
}

// GetReconnectDelayDuration returns the fixed reconnect delay as a time.Duration
func (t *TranscriptionConfig) GetReconnectDelayDuration() time.Duration {
	return time.Duration(t.ReconnectDelay) * time.Second
}

// GetTimeoutDuration returns the translation timeout as a time.Duration
func (t *TranslationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetDiagnosticsIntervalDuration returns the drop diagnostics throttle as a time.Duration
func (s *SessionConfig) GetDiagnosticsIntervalDuration() time.Duration {
	return time.Duration(s.DiagnosticsInterval) * time.Millisecond
}

// GetChunkDuration returns the capture chunk length as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkMs) * time.Millisecond
}
