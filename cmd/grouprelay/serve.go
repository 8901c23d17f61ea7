package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/grouprelay/backend/internal/config"
	"github.com/grouprelay/backend/internal/engine/whatsapp"
	"github.com/grouprelay/backend/internal/logging"
	"github.com/grouprelay/backend/internal/mock"
	"github.com/grouprelay/backend/internal/monitor"
	"github.com/grouprelay/backend/internal/ocr/tesseract"
	"github.com/grouprelay/backend/internal/pipeline"
	"github.com/grouprelay/backend/internal/session"
	"github.com/grouprelay/backend/internal/ws"
)

const (
	healthInterval = time.Minute
	drainTimeout   = 10 * time.Second
)

type serveOptions struct {
	configPath string
	mock       bool
	port       int
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and the observer server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.mock)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&opts.mock, "mock", false, "use the scripted engine and OCR instead of a real account")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "override server.port")
	return cmd
}

// loadConfig applies flag overrides on top of file and environment values
// and validates the result.
func loadConfig(opts serveOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(parent context.Context, cfg *config.Config, mockMode bool) error {
	if parent == nil {
		parent = context.Background()
	}

	baseHandler, logCloser := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}, os.Stderr)
	defer logCloser.Close()

	base := slog.New(baseHandler)
	if !logging.ValidLevel(cfg.Log.Level) {
		base.Warn("unknown log level, using info", "level", cfg.Log.Level)
	}

	// The broadcaster logs through the base handler only: its own log
	// lines must never be published back through itself.
	broadcaster := ws.NewBroadcaster(ws.Options{MaxConnections: cfg.Server.MaxConnections},
		logging.WithComponent(base, "bus"))
	defer broadcaster.Close()

	logger := slog.New(logging.WithBus(baseHandler, broadcaster))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		factory    session.EngineFactory
		recognizer pipeline.Recognizer
	)
	if mockMode {
		logger.Info("starting in mock mode")
		factory = mock.NewFactory(mock.Options{
			TargetGroup: cfg.Session.TargetGroup,
			LogoutAfter: 12,
		}, logging.WithComponent(logger, "engine"))
		recognizer = &mock.Recognizer{FailEvery: 5}
	} else {
		lock := flock.New(cfg.Engine.LockFile)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("locking %s: %w", cfg.Engine.LockFile, err)
		}
		if !locked {
			return fmt.Errorf("another grouprelay instance holds %s", cfg.Engine.LockFile)
		}
		defer lock.Unlock()

		container, err := whatsapp.OpenStore(ctx, cfg.Engine.StorePath, logging.WithComponent(logger, "store"))
		if err != nil {
			return err
		}
		defer container.Close()
		factory = whatsapp.NewFactory(container, logging.WithComponent(logger, "engine"))

		if v, ok := tesseract.Available(); ok {
			logger.Info("ocr engine ready", "tesseract", v, "language", cfg.OCR.Language)
		} else {
			logger.Warn("tesseract not available, image receipts will fail extraction")
		}
		recognizer = tesseract.New(cfg.OCR.TessdataPrefix)
	}

	archiver := pipeline.NewArchiver(cfg.Archive.Root, pipeline.Collision(cfg.Archive.Collision), pipeline.OSFS{})
	pipe := pipeline.New(recognizer, archiver, cfg.OCR.Language, logging.WithComponent(logger, "pipeline"))

	var qrWriter io.Writer
	if cfg.Session.TerminalQR {
		qrWriter = os.Stderr
	}
	controller := session.NewController(session.Options{
		TargetGroup:     cfg.Session.TargetGroup,
		RestartCooldown: cfg.Session.RestartCooldown,
		RenderURL:       cfg.Pairing.RenderURL,
		QRWriter:        qrWriter,
	}, factory, broadcaster, pipe, logging.WithComponent(logger, "session"))

	reporter := monitor.NewReporter(controller, broadcaster, pipe, logging.WithComponent(logger, "monitor"))
	go reporter.Run(ctx, healthInterval)

	server := ws.NewServer(cfg.Server, broadcaster, controller, reporter, logging.WithComponent(logger, "http"))

	logger.Info("grouprelay starting",
		"version", version,
		"target_group", cfg.Session.TargetGroup,
		"archive", archiver.Root(),
		"addr", cfg.Addr())
	controller.Start(ctx)

	err := ws.ListenAndServe(ctx, cfg.Addr(), server.Handler(), logging.WithComponent(logger, "http"))
	stop()

	logger.Info("shutting down")
	controller.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := pipe.Wait(drainCtx); werr != nil {
		logger.Warn("attachments still in flight at exit", "in_flight", pipe.Stats().InFlight)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
