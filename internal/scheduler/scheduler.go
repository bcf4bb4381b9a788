// Package scheduler содержит фоновые процессы библиотеки: ежедневную
// рассылку напоминаний о скором сроке возврата, снятие просроченных
// Ready-броней и начисление штрафов за просрочку.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Service описывает операции сервисного слоя, которые запускаются по расписанию.
type Service interface {
	SendDueReminders(ctx context.Context, now time.Time) (int, error)
	ExpireReadyReservations(ctx context.Context, now time.Time) (int, error)
	RunOverdueScan(ctx context.Context, now time.Time) (int, error)
}

// Options задаёт расписание фоновых процессов.
type Options struct {
	ReservationScanInterval time.Duration
	FineScanInterval        time.Duration
	FineScanEnabled         bool
	ReminderHour            int
	ReminderLocation        *time.Location
	ReminderEnabled         bool
}

// Scheduler запускает периодические задачи поверх сервисного слоя.
// Ошибки задач логируются и не останавливают цикл.
type Scheduler struct {
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewScheduler создаёт планировщик фоновых задач.
func NewScheduler(svc Service, opts Options, logger *zap.Logger) *Scheduler {
	if opts.ReminderLocation == nil {
		opts.ReminderLocation = time.UTC
	}
	return &Scheduler{svc: svc, opts: opts, logger: logger}
}

// Start запускает все фоновые циклы. Циклы завершаются при отмене контекста.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runReservationExpiry(ctx)

	if s.opts.FineScanEnabled {
		go s.runOverdueScan(ctx)
	}
	if s.opts.ReminderEnabled {
		go s.runDueReminders(ctx)
	}
}

func (s *Scheduler) runReservationExpiry(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReservationScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.svc.ExpireReadyReservations(ctx, time.Now())
			if err != nil {
				s.logger.Error("reservation expiry scan failed", zap.Error(err))
			}
			if expired > 0 {
				s.logger.Info("expired ready reservations", zap.Int("count", expired))
			}
		}
	}
}

func (s *Scheduler) runOverdueScan(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FineScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := s.svc.RunOverdueScan(ctx, time.Now())
			if err != nil {
				s.logger.Error("overdue fine scan failed", zap.Error(err))
			}
			if changed > 0 {
				s.logger.Info("overdue fines updated", zap.Int("count", changed))
			}
		}
	}
}

// runDueReminders просыпается раз в сутки в заданный час локального времени
// библиотеки и рассылает напоминания.
func (s *Scheduler) runDueReminders(ctx context.Context) {
	for {
		now := time.Now().In(s.opts.ReminderLocation)
		timer := time.NewTimer(time.Until(nextWakeTime(now, s.opts.ReminderHour)))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			sent, err := s.svc.SendDueReminders(ctx, time.Now())
			if err != nil {
				s.logger.Error("due reminder run failed", zap.Error(err))
			}
			if sent > 0 {
				s.logger.Info("due reminders sent", zap.Int("count", sent))
			}
		}
	}
}

// nextWakeTime возвращает ближайший момент после now, когда локальные часы
// покажут hour:00.
func nextWakeTime(now time.Time, hour int) time.Time {
	wake := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !wake.After(now) {
		wake = wake.AddDate(0, 0, 1)
	}
	return wake
}
