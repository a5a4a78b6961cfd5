// Package main запускает HTTP-сервер сервиса видеокредитов.
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

	"github.com/mmeshcher/videocredits/internal/config"
	"github.com/mmeshcher/videocredits/internal/handler"
	"github.com/mmeshcher/videocredits/internal/metrics"
	"github.com/mmeshcher/videocredits/internal/middleware"
	"github.com/mmeshcher/videocredits/internal/render"
	"github.com/mmeshcher/videocredits/internal/repository"
	"github.com/mmeshcher/videocredits/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var renderClient *render.Client
	if cfg.RenderEngineAddress != "" {
		renderClient = render.NewClient(cfg.RenderEngineAddress)
	}

	svc := service.NewService(repo, renderClient, metrics.New(), logger, cfg.MaxProcessingJobs)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой выдачи задач движку рендеринга
	g.Go(func() error {
		svc.StartJobDispatch(ctx)
		return nil
	})

	// Запуск периодической обработки просроченных подписок и приглашений
	g.Go(func() error {
		svc.StartSweeps(ctx, cfg.SweepInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting videocredits server", "addr", cfg.RunAddress)
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
