// Package main запускает HTTP-сервер сервиса SmartReceipt.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkotelnikov/smartreceipt-system/internal/config"
	"github.com/mkotelnikov/smartreceipt-system/internal/export"
	"github.com/mkotelnikov/smartreceipt-system/internal/extract"
	"github.com/mkotelnikov/smartreceipt-system/internal/handler"
	"github.com/mkotelnikov/smartreceipt-system/internal/middleware"
	"github.com/mkotelnikov/smartreceipt-system/internal/ocr"
	"github.com/mkotelnikov/smartreceipt-system/internal/repository"
	"github.com/mkotelnikov/smartreceipt-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	if err := os.MkdirAll(cfg.OCROutputDir, 0o755); err != nil {
		sugar.Fatalw("ocr output directory error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ocrClient := ocr.NewClient(cfg.OCRAddress)

	extractorClient, err := extract.NewClient(cfg.ExtractorAddress)
	if err != nil {
		sugar.Fatalw("extractor client error", "error", err.Error())
	}

	svc := service.NewService(repo, ocrClient, extractorClient, cfg.OCROutputDir, logger)
	defer svc.Close()

	exporter := export.NewService(repo, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, exporter, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting smartreceipt server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
