package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yokitheyo/ytscribe/internal/api"
	"github.com/yokitheyo/ytscribe/internal/archive"
	"github.com/yokitheyo/ytscribe/internal/command"
	"github.com/yokitheyo/ytscribe/internal/config"
	"github.com/yokitheyo/ytscribe/internal/events"
	"github.com/yokitheyo/ytscribe/internal/logger"
	"github.com/yokitheyo/ytscribe/internal/media"
	"github.com/yokitheyo/ytscribe/internal/pipeline"
	"github.com/yokitheyo/ytscribe/internal/taskmgr"
	"github.com/yokitheyo/ytscribe/internal/transcribe"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:          "ytscribe",
		Short:        "Download YouTube videos and transcribe their audio",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("config error: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the yaml config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port, overrides the config")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	runner := command.ExecRunner{}
	ff := media.NewFFmpeg(cfg.Media.FFmpegPath, runner)
	downloader := media.NewDownloader(media.Config{
		YtDlpPath:    cfg.Media.YtDlpPath,
		VideoFormat:  cfg.Media.VideoFormat,
		AudioFormat:  cfg.Media.AudioFormat,
		AudioBitrate: cfg.Media.AudioBitrate,
	}, runner, ff, log)
	engine := transcribe.NewEngine(transcribe.Config{
		WhisperPath: cfg.Transcribe.WhisperPath,
		ModelPath:   cfg.Transcribe.ModelPath,
		ModelURL:    cfg.Transcribe.ModelURL,
		Threads:     cfg.Transcribe.Threads,
	}, runner, ff, log)

	hub := events.NewHub(log)
	tm := taskmgr.NewTaskManager(taskmgr.WithNotifier(hub))

	worker := pipeline.NewWorker(tm, downloader, engine, pipeline.WorkerConfig{
		StorageDir: cfg.StorageDir,
		Language:   cfg.Transcribe.Language,
	}, log)
	pool := pipeline.NewPool(worker, cfg.Tasks.Workers, cfg.Tasks.QueueSize, log)

	sweeper := archive.NewSweeper(tm, archive.Config{
		StorageDir:    cfg.StorageDir,
		Retention:     cfg.Tasks.Retention,
		Interval:      cfg.Tasks.CleanupInterval,
		DeleteRunning: cfg.Tasks.DeleteRunning,
	}, log)

	h, err := api.NewAPIHandler(api.Deps{
		Registry:    tm,
		Queue:       pool,
		Model:       engine,
		Events:      hub,
		StorageDir:  cfg.StorageDir,
		URLPattern:  cfg.Validation.URLPattern,
		SubmitRate:  cfg.Server.SubmitRate,
		SubmitBurst: cfg.Server.SubmitBurst,
		DiskFree:    archive.FreeBytes,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("api setup: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.NewRouter(h, cfg.Server.CORSOrigins, log),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		// the server keeps answering without a model; tasks fail until it loads
		_ = engine.Load(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", srv.Addr), zap.String("storage", cfg.StorageDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		if running := pool.Stats().Running; running > 0 {
			log.Warn("abandoning in-flight tasks", zap.Int("running", running))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}
