package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/nutanix-japan/transcription-app/internal/audio"
	"github.com/nutanix-japan/transcription-app/internal/config"
	"github.com/nutanix-japan/transcription-app/internal/logging"
	"github.com/nutanix-japan/transcription-app/internal/metrics"
	"github.com/nutanix-japan/transcription-app/internal/server"
	"github.com/nutanix-japan/transcription-app/internal/session"
	"github.com/nutanix-japan/transcription-app/internal/transcription"
	"github.com/nutanix-japan/transcription-app/internal/translation"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "transcription-relay"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listDevices := flag.Bool("list-devices", false, "List capture devices and exit")
	flag.Parse()

	// A missing .env is normal
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	audioCtx, err := newAudioContext(cfg.Audio)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Audio.Backend).Msg("Failed to initialize audio backend")
		os.Exit(1)
	}
	defer audioCtx.Close()

	provider := audio.NewProvider(audioCtx, audio.CaptureConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
	}, cfg.Audio.GetChunkDuration(), logger)

	if *listDevices {
		if err := printDevices(provider); err != nil {
			logger.Error().Err(err).Msg("Failed to list capture devices")
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger, provider); err != nil {
		logger.Error().Err(err).Msg("Service failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger, provider *audio.Provider) error {
	logger.Info().
		Str("service", serviceName).
		Str("version", serviceVersion).
		Msg("Service starting")

	logger.Info().
		Str("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)).
		Str("audio_backend", cfg.Audio.Backend).
		Int("sample_rate", cfg.Audio.SampleRate).
		Str("transcription_provider", cfg.Transcription.Provider).
		Str("translation_provider", cfg.Translation.Provider).
		Str("default_language", cfg.Translation.DefaultLanguage).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	dialer, err := newDialer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create transcription dialer: %w", err)
	}

	translator, err := translation.NewClient(translation.Config{
		Provider:      cfg.Translation.Provider,
		Endpoint:      cfg.Translation.Endpoint,
		APIKey:        cfg.Translation.APIKey,
		Timeout:       cfg.Translation.GetTimeoutDuration(),
		MaxConcurrent: cfg.Translation.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("failed to create translation client: %w", err)
	}
	defer translator.Close()

	manager := session.NewManager(session.ManagerConfig{
		Session: session.Config{
			DefaultLanguage:     cfg.Translation.DefaultLanguage,
			DeviceID:            cfg.Audio.DeviceID,
			ReconnectDelay:      cfg.Transcription.GetReconnectDelayDuration(),
			DiagnosticsInterval: cfg.Session.GetDiagnosticsIntervalDuration(),
		},
		MaxSessions: cfg.Server.MaxSessions,
	}, session.Deps{
		Dialer:     dialer,
		Translator: translator,
		Audio:      provider,
		Metrics:    appMetrics,
		Logger:     logger,
	})

	httpServer := server.NewHTTPServer(cfg, server.Deps{
		Sessions:    manager,
		Devices:     provider,
		Translation: translator,
		Metrics:     appMetrics,
		Gatherer:    prometheus.DefaultGatherer,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Starting graceful shutdown...")

		// Sessions first so clients see their sockets close
		manager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info().Msg("Service started, waiting for clients...")

	if err := g.Wait(); err != nil {
		return err
	}

	stats := translator.GetStats()
	logger.Info().
		Uint64("translation_requests", stats.TotalRequests).
		Uint64("translation_failures", stats.FailedRequests).
		Msg("Service stopped")
	return nil
}

func newAudioContext(cfg config.AudioConfig) (audio.Context, error) {
	switch cfg.Backend {
	case "file":
		fc, err := audio.NewFileContext(cfg.FilePath, true)
		if err != nil {
			return nil, err
		}
		return fc, nil
	default:
		return audio.NewContext()
	}
}

func newDialer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (transcription.Dialer, error) {
	t := cfg.Transcription
	switch t.Provider {
	case transcription.ProviderAWS:
		d, err := transcription.NewAWSDialer(ctx, transcription.AWSConfig{
			Region:          t.Region,
			AccessKeyID:     t.AccessKeyID,
			SecretAccessKey: t.SecretAccessKey,
			Endpoint:        t.Endpoint,
			Language:        t.Language,
			SampleRate:      cfg.Audio.SampleRate,
			ConnectTimeout:  t.GetConnectTimeoutDuration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return transcription.NewDeepgramDialer(transcription.DeepgramConfig{
			APIKey:         t.APIKey,
			Endpoint:       t.Endpoint,
			Model:          t.Model,
			Language:       t.Language,
			SampleRate:     cfg.Audio.SampleRate,
			Channels:       cfg.Audio.Channels,
			ConnectTimeout: t.GetConnectTimeoutDuration(),
		}, logger), nil
	}
}

// printDevices writes the device table, aligned when stdout is a terminal
func printDevices(provider *audio.Provider) error {
	devices, err := provider.Devices()
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		for _, d := range devices {
			fmt.Printf("%s\t%s\n", d.ID, d.Name)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\n", d.ID, d.Name)
	}
	return w.Flush()
}
