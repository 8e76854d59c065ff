package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vibrationd/config"
	"vibrationd/internal/analyzer"
	"vibrationd/internal/buffer"
	"vibrationd/internal/hub"
	"vibrationd/internal/ingest"
	"vibrationd/internal/logger"
	"vibrationd/internal/metrics"
	"vibrationd/internal/notification"
	"vibrationd/internal/pipeline"
	pgstore "vibrationd/internal/store/postgres"
	redisstore "vibrationd/internal/store/redis"
	sqlitestore "vibrationd/internal/store/sqlite"
)

func main() {
	cfg := config.Load()
	logger.Init("vibrationd", logger.ParseLevel(cfg.LogLevel))
	slog.Info("starting", "ingest_addr", cfg.IngestAddr, "metrics_addr", cfg.MetricsAddr)

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Stores ----
	cache, err := redisstore.New(redisstore.ClientConfig{URL: cfg.RedisURL})
	if err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	pg, err := pgstore.New(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("postgres init failed", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	os.MkdirAll(filepath.Dir(cfg.ArchivePath), 0o755)
	recorder, err := sqlitestore.New(sqlitestore.RecorderConfig{DBPath: cfg.ArchivePath})
	if err != nil {
		slog.Error("sqlite archive init failed", "error", err)
		os.Exit(1)
	}

	// ---- In-memory buffers, hub, analysis ----
	buffers := buffer.NewManager(cfg.BufferSize)

	// Keep the buffer gauge and health view current.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := buffers.Len()
				prom.ActiveBuffers.Set(float64(n))
				health.SetActiveSensors(n)
			}
		}
	}()

	h := hub.New(cache, prom)
	bridge := hub.NewBridge(h, cache, prom)
	h.AttachBridge(bridge)

	notifier := buildNotifier(cfg)

	analyzerCfg := analyzer.DefaultConfig()
	analyzerCfg.MinSamples = cfg.MinSamples
	analyzerCfg.SamplingRate = cfg.SamplingRate
	analyzerSvc := analyzer.NewService(analyzerCfg, buffers, pg, cache, h, notifier, prom)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.MaxIdle = time.Duration(cfg.MaxIdleMinutes) * time.Minute
	pipe := pipeline.New(pipeCfg, buffers, cache, analyzerSvc, bridge, recorder, pg)
	if err := pipe.Start(ctx); err != nil {
		slog.Error("pipeline start failed", "error", err)
		os.Exit(1)
	}

	// ---- HTTP surfaces ----
	handler := ingest.NewHandler(buffers, cache, h, pipe.ArchiveQueue(), recorder, pg, analyzerSvc, prom, health)
	ingestSrv := &http.Server{
		Addr:    cfg.IngestAddr,
		Handler: handler.Router(),
	}
	go func() {
		slog.Info("ingest server listening", "addr", cfg.IngestAddr)
		if err := ingestSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ingest server error", "error", err)
		}
	}()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	health.StartLivenessChecker(ctx, cache.Redis(), pg.Pool(), recorder.DB(), 10*time.Second)

	// ---- Wait for shutdown signal ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")

	// Stop accepting ingest traffic before winding down the pipeline so
	// nothing enqueues onto a closed archive queue.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	ingestSrv.Shutdown(shutdownCtx)

	pipe.Stop()
	metricsSrv.Stop(shutdownCtx)
	cancel()

	slog.Info("shutdown complete")
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
		slog.Info("webhook alert delivery enabled")
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		multi = append(multi, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		slog.Info("telegram alert delivery enabled")
	}
	return multi
}
