// Package main запускает HTTP-сервер библиотечного сервиса.
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

	"github.com/mmeshcher/library-system/internal/config"
	"github.com/mmeshcher/library-system/internal/handler"
	"github.com/mmeshcher/library-system/internal/notification"
	"github.com/mmeshcher/library-system/internal/repository"
	"github.com/mmeshcher/library-system/internal/scheduler"
	"github.com/mmeshcher/library-system/internal/service"
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

	var notifyClient *notification.Client
	if cfg.NotifyAddress != "" {
		notifyClient = notification.NewClient(cfg.NotifyAddress)
	}
	notifier := notification.NewNotifier(repo, notifyClient, logger)

	svc := service.NewService(repo, notifier, service.Options{
		FineDailyRateCents: service.CentsFromAmount(cfg.FineDailyRate),
		FineMaxCents:       service.CentsFromAmount(cfg.FineMax),
		ReservationHold:    cfg.ReservationHold,
		ReminderMinDays:    cfg.ReminderMinDays,
		ReminderMaxDays:    cfg.ReminderMaxDays,
	})
	defer svc.Close()

	loc, err := time.LoadLocation(cfg.ReminderTimezone)
	if err != nil {
		sugar.Fatalw("invalid reminder timezone", "error", err.Error())
	}

	sched := scheduler.NewScheduler(svc, scheduler.Options{
		ReservationScanInterval: cfg.ReservationScanInterval,
		FineScanInterval:        cfg.FineScanInterval,
		FineScanEnabled:         cfg.FineScanEnabled,
		ReminderHour:            cfg.ReminderHour,
		ReminderLocation:        loc,
		ReminderEnabled:         cfg.ReminderEnabled,
	}, logger)

	h := handler.NewHandler(svc, logger)
	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых процессов: напоминания, снятие броней, штрафы
	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting library server", "addr", cfg.RunAddress)
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
