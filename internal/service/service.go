// Package service реализует бизнес-логику библиотечного сервиса: выдачи,
// очередь броней и начисление штрафов.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/repository"
)

// ErrInvalidDays возвращается при продлении на недопустимое число дней.
var ErrInvalidDays = errors.New("days must be between 1 and 30")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateLoan(ctx context.Context, bookID, userID int64, endDate time.Time) (*repository.LoanInfo, error)
	ReturnLoan(ctx context.Context, loanID int64, now time.Time, holdTTL time.Duration) (*repository.Promoted, error)
	ExtendLoan(ctx context.Context, loanID int64, days int, now time.Time) (*repository.LoanInfo, error)
	GetLoan(ctx context.Context, loanID int64) (*repository.LoanInfo, error)
	ListLoans(ctx context.Context) ([]repository.LoanInfo, error)
	GetLoansDueBetween(ctx context.Context, from, to time.Time) ([]repository.DueLoan, error)
	GetOverdueActiveLoans(ctx context.Context, now time.Time) ([]repository.OverdueLoan, error)

	CreateReservation(ctx context.Context, bookID, userID int64) (*repository.ReservationInfo, error)
	CancelReservation(ctx context.Context, reservationID int64, now time.Time, holdTTL time.Duration) (*repository.CancelOutcome, error)
	ListExpiredReady(ctx context.Context, now time.Time) ([]int64, error)
	ExpireReservation(ctx context.Context, reservationID int64, now time.Time, holdTTL time.Duration) (*repository.ExpireOutcome, error)
	GetReservation(ctx context.Context, reservationID int64) (*repository.ReservationInfo, error)
	GetQueueForBook(ctx context.Context, bookID int64) (*repository.QueueInfo, error)

	CreateFine(ctx context.Context, userID, loanID, amountCents int64, reason string) error
	UpdateFineAmount(ctx context.Context, fineID, amountCents int64, reason string) error
	PayFine(ctx context.Context, fineID, userID int64, receiptNumber string, now time.Time) (*model.Receipt, error)
	GetReceipt(ctx context.Context, receiptID int64) (*model.Receipt, error)
	ListFinesForUser(ctx context.Context, userID int64) ([]model.Fine, error)
	ListReceiptsForUser(ctx context.Context, userID int64) ([]model.Receipt, error)

	ListNotificationsForUser(ctx context.Context, userID int64) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID int64) error
}

// Notifier описывает контракт выдачи уведомлений читателям.
type Notifier interface {
	Notify(ctx context.Context, userID int64, message string)
}

// Options содержит бизнес-параметры сервиса.
type Options struct {
	// FineDailyRateCents — ставка штрафа за день просрочки, в эре.
	FineDailyRateCents int64
	// FineMaxCents — потолок штрафа по одной выдаче, в эре.
	FineMaxCents int64
	// ReservationHold — срок, в течение которого Ready-бронь удерживает экземпляр.
	ReservationHold time.Duration
	// ReminderMinDays и ReminderMaxDays задают окно напоминаний в днях.
	ReminderMinDays int
	ReminderMaxDays int
}

// Service содержит бизнес-логику библиотечного сервиса.
type Service struct {
	repo     Repository
	notifier Notifier
	opts     Options
}

// NewService создаёт новый сервис с указанным репозиторием и издателем уведомлений.
func NewService(repo Repository, notifier Notifier, opts Options) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		opts:     opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CentsFromAmount переводит сумму в кронах в эре.
func CentsFromAmount(amount float64) int64 {
	return int64(amount * 100)
}

// AmountFromCents переводит сумму в эре в кроны.
func AmountFromCents(cents int64) float64 {
	return float64(cents) / 100
}
