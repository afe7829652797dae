// Package main runs the companion-device agent: standalone audio capture
// with store-and-forward transfer to the primary device.
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
	"github.com/voicevault/capture/internal/bridge"
	"github.com/voicevault/capture/internal/capture"
	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/middleware"
	"github.com/voicevault/capture/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	files, err := filestore.New(afero.NewOsFs(), cfg.Storage.RecordingsDir)
	if err != nil {
		logger.Fatal("file store", zap.Error(err))
	}

	capService := capture.NewService(func() capture.Device {
		return capture.NewFFmpegDevice(cfg.Capture.FFmpegBinary, cfg.Capture.InputArgs, logger)
	}, nil, files, capture.DefaultOptions(), logger)

	ch := bridge.NewClientChannel(cfg.Bridge.PeerURL, logger)
	sender, err := bridge.NewSender(ch, afero.NewOsFs(), cfg.Bridge.SpoolDir, logger)
	if err != nil {
		logger.Fatal("bridge sender", zap.Error(err))
	}

	dialCtx, dialCancel := context.WithCancel(context.Background())
	defer dialCancel()
	go ch.Run(dialCtx)

	h := &handler{cap: capService, files: files, sender: sender, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.POST("/capture/start", h.start)
	router.POST("/capture/stop", h.stop)
	router.POST("/capture/cancel", h.cancel)
	router.GET("/capture/status", h.status)
	router.GET("/transfers/pending", h.pending)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("companion listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	dialCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("companion stopped")
}

type handler struct {
	cap    *capture.Service
	files  *filestore.Store
	sender *bridge.Sender
	logger *zap.Logger
}

func (h *handler) start(c *gin.Context) {
	sess, err := h.cap.Start(c.Request.Context())
	switch {
	case err == capture.ErrDeviceBusy:
		response.Conflict(c, "a capture session is already active")
	case err != nil:
		h.logger.Error("capture start failed", zap.Error(err))
		response.Internal(c, "failed to start capture")
	default:
		// Drain session events; the companion has no local subscribers.
		go func() {
			for range sess.Events() {
			}
		}()
		response.OK(c, gin.H{"file_name": sess.FileName(), "started_at": sess.StartedAt()})
	}
}

// stop finalizes the capture and hands the file to the bridge. Whether the
// primary device is reachable right now does not matter; the sender spools
// and retries on its own.
func (h *handler) stop(c *gin.Context) {
	res, err := h.cap.Stop()
	if err != nil {
		h.logger.Error("capture stop failed", zap.Error(err))
		response.Internal(c, "failed to stop capture")
		return
	}
	if res == nil {
		response.Conflict(c, "no active capture session")
		return
	}

	data, err := afero.ReadFile(afero.NewOsFs(), res.Path)
	if err != nil {
		h.logger.Error("read finished capture", zap.String("path", res.Path), zap.Error(err))
		response.Internal(c, "failed to read recording")
		return
	}
	meta := bridge.FileMetadata{
		FileName:    res.FileName,
		Duration:    int(res.Duration.Seconds()),
		TimestampMS: res.StartedAt.UnixMilli(),
		FileSize:    int64(len(data)),
	}
	if err := h.sender.Send(meta, data); err != nil {
		h.logger.Error("bridge send failed", zap.String("file", res.FileName), zap.Error(err))
		response.Internal(c, "failed to queue transfer")
		return
	}
	response.OK(c, gin.H{
		"file_name":   res.FileName,
		"duration_ms": res.Duration.Milliseconds(),
		"queued":      true,
	})
}

func (h *handler) cancel(c *gin.Context) {
	if err := h.cap.Cancel(true); err != nil {
		h.logger.Error("capture cancel failed", zap.Error(err))
		response.Internal(c, "failed to cancel capture")
		return
	}
	response.NoContent(c)
}

func (h *handler) status(c *gin.Context) {
	sess := h.cap.Active()
	if sess == nil {
		response.OK(c, gin.H{"state": "idle"})
		return
	}
	response.OK(c, gin.H{
		"state":      sess.State().String(),
		"file_name":  sess.FileName(),
		"started_at": sess.StartedAt(),
	})
}

func (h *handler) pending(c *gin.Context) {
	response.OK(c, gin.H{"pending": h.sender.PendingCount()})
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
