// Package logging builds the service's structured logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/nutanix-japan/transcription-app/internal/config"
)

// New creates a zerolog logger for the given configuration. The returned closer
// releases the log file when output points at one; it is a no-op otherwise.
func New(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var output *os.File
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file %s: %w", cfg.Output, err)
		}
		output = file
		closer = file
	}

	var w io.Writer = output
	if cfg.Format == "text" || (cfg.Format == "" && term.IsTerminal(int(output.Fd()))) {
		w = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "2006-01-02 15:04:05",
			NoColor:    !term.IsTerminal(int(output.Fd())),
		}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if level == zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}

	zerolog.DurationFieldUnit = time.Millisecond
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
