// Package main runs the primary-device agent: recording ledger, upload
// coordinator, capture control, companion bridge and event stream.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voicevault/capture/config"
	"github.com/voicevault/capture/internal/auth"
	"github.com/voicevault/capture/internal/binding"
	"github.com/voicevault/capture/internal/bridge"
	"github.com/voicevault/capture/internal/capture"
	"github.com/voicevault/capture/internal/events"
	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/middleware"
	"github.com/voicevault/capture/internal/recordings"
	"github.com/voicevault/capture/internal/upload"
	"github.com/voicevault/capture/pkg/database"
	pkgredis "github.com/voicevault/capture/pkg/redis"
	"github.com/voicevault/capture/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer db.Close()

	if err := recordings.Migrate(ctx, db); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	var forward events.Publisher
	if cfg.Redis.Addr != "" {
		rdb, err := pkgredis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		forward = events.NewRedisPublisher(rdb.Client, logger)
	}
	bus := events.NewBus(forward, logger)

	files, err := filestore.New(afero.NewOsFs(), cfg.Storage.RecordingsDir)
	if err != nil {
		logger.Fatal("file store", zap.Error(err))
	}

	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.DeviceID, cfg.JWT.ExpireHours)
	gateway := upload.NewHTTPGateway(cfg.Gateway.BaseURL, tokens, logger)
	binder := binding.NewHTTPClient(cfg.Binding.BaseURL, tokens, logger)

	ledger := recordings.NewRepository(db)
	coordinator := upload.NewCoordinator(ledger, gateway, files, bus, logger)
	recService := recordings.NewService(ledger, files, binder, coordinator, logger)

	capService := capture.NewService(func() capture.Device {
		return capture.NewFFmpegDevice(cfg.Capture.FFmpegBinary, cfg.Capture.InputArgs, logger)
	}, nil, files, capture.DefaultOptions(), logger)

	bridgeCh := bridge.NewServerChannel(logger)
	bridge.NewReceiver(bridgeCh, ledger, files, logger)

	recHandler := recordings.NewHandler(recService, logger)
	capHandler := capture.NewHandler(capService, recService, bus, logger)
	streamHandler := events.NewStreamHandler(bus, logger)

	// Rows left mid-transfer by a crash restart as fresh attempts.
	requeueInterrupted(ctx, ledger, coordinator, logger)
	if pruned, err := recService.Sweep(ctx); err != nil {
		logger.Warn("ledger sweep failed", zap.Error(err))
	} else if pruned > 0 {
		logger.Info("pruned recordings with missing files", zap.Int("count", pruned))
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Recordings
	router.GET("/recordings", recHandler.List)
	router.GET("/recordings/drafts", recHandler.ListDrafts)
	router.POST("/recordings/:id/bind", recHandler.Bind)
	router.POST("/recordings/:id/retry-upload", recHandler.Retry)
	router.PATCH("/recordings/:id", recHandler.Rename)
	router.DELETE("/recordings/:id", recHandler.Delete)
	router.GET("/recordings/:id/playback", recHandler.Playback)

	// Capture
	router.POST("/capture/start", capHandler.Start)
	router.POST("/capture/stop", capHandler.Stop)
	router.POST("/capture/cancel", capHandler.Cancel)
	router.GET("/capture/status", capHandler.Status)

	// Event stream and companion bridge
	router.GET("/ws", streamHandler.Serve)
	router.GET("/bridge", bridgeCh.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("agent listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	coordinator.Wait()
	logger.Info("agent stopped")
}

// requeueInterrupted restarts deliveries that were in flight when the
// previous process died.
func requeueInterrupted(ctx context.Context, ledger *recordings.Repository, coordinator *upload.Coordinator, logger *zap.Logger) {
	stuck, err := ledger.Fetch(ctx, "", "uploading")
	if err != nil {
		logger.Warn("requeue scan failed", zap.Error(err))
		return
	}
	for _, rec := range stuck {
		if rec.IsDraft() {
			continue
		}
		if err := coordinator.Start(rec); err != nil {
			logger.Warn("requeue failed", zap.String("recording_id", rec.ID.String()), zap.Error(err))
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
