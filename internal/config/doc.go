// Package config provides configuration loading and validation for the transcription relay.
// It handles YAML-based configuration with per-section validation, built-in defaults,
// and environment overrides for API credentials.
package config
