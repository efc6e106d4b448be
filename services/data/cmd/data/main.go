package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"sensorydata/internal/util"
	"sensorydata/pkg/notify"
	"sensorydata/services/data/internal/app"
	"sensorydata/services/data/internal/config"
	"sensorydata/services/data/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	notifier, err := buildNotifier(cfg)
	if err != nil {
		log.Fatalf("failed to init notifier: %v", err)
	}
	defer notifier.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		Notifier:       notifier,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,
		PresignExpiry:  time.Duration(cfg.PresignExpiryMinutes) * time.Minute,
		StallThreshold: time.Duration(cfg.StallThresholdMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go appCore.RunReaper(reaperCtx, time.Duration(cfg.ReaperIntervalMinutes)*time.Minute)

	httpServer := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: int64(cfg.MaxUploadMB) * 1024 * 1024,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("data server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func buildNotifier(cfg config.FileConfig) (notify.Notifier, error) {
	switch cfg.NotifyBackend {
	case "redis":
		return notify.NewRedisNotifier(notify.RedisConfig{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			DocumentStream: cfg.DocumentStream,
			ImageStream:    cfg.ImageStream,
			AutotagStream:  cfg.AutotagStream,
		})
	case "amqp":
		return notify.NewAMQPNotifier(notify.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
		})
	default:
		return notify.NewMemoryNotifier(), nil
	}
}
