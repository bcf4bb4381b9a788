package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/library-system/internal/repository"
)

// CreateLoan выдаёт экземпляр книги читателю с учётом приоритета очереди броней.
func (s *Service) CreateLoan(ctx context.Context, bookID, userID int64, endDate time.Time) (*repository.LoanInfo, error) {
	return s.repo.CreateLoan(ctx, bookID, userID, endDate)
}

// ReturnLoan принимает возврат книги и продвигает очередь броней: следующий
// ожидающий получает Ready-бронь и уведомление.
func (s *Service) ReturnLoan(ctx context.Context, loanID int64) error {
	promoted, err := s.repo.ReturnLoan(ctx, loanID, time.Now(), s.opts.ReservationHold)
	if err != nil {
		return err
	}

	if promoted != nil {
		s.notifier.Notify(ctx, promoted.UserID, readyMessage(promoted.BookTitle, promoted.ExpiresAt))
	}

	return nil
}

// ExtendLoan продлевает активную выдачу на days дней, от 1 до 30.
func (s *Service) ExtendLoan(ctx context.Context, loanID int64, days int) (*repository.LoanInfo, error) {
	if days < 1 || days > 30 {
		return nil, ErrInvalidDays
	}
	return s.repo.ExtendLoan(ctx, loanID, days, time.Now())
}

// GetLoan возвращает выдачу по идентификатору.
func (s *Service) GetLoan(ctx context.Context, loanID int64) (*repository.LoanInfo, error) {
	return s.repo.GetLoan(ctx, loanID)
}

// ListLoans возвращает все выдачи.
func (s *Service) ListLoans(ctx context.Context) ([]repository.LoanInfo, error) {
	return s.repo.ListLoans(ctx)
}

// SendDueReminders рассылает напоминания по выдачам, срок возврата которых
// попадает в настроенное окно. Возвращает число отправленных напоминаний.
func (s *Service) SendDueReminders(ctx context.Context, now time.Time) (int, error) {
	from := now.AddDate(0, 0, s.opts.ReminderMinDays)
	to := now.AddDate(0, 0, s.opts.ReminderMaxDays)

	loans, err := s.repo.GetLoansDueBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("select due loans: %w", err)
	}

	for _, l := range loans {
		s.notifier.Notify(ctx, l.UserID, reminderMessage(l.BookTitle, l.EndDate))
	}

	return len(loans), nil
}

func reminderMessage(title string, endDate time.Time) string {
	return fmt.Sprintf("Reminder: your loan of '%s' is due on %s. Please return or extend it.",
		title, endDate.Format("2006-01-02"))
}

func readyMessage(title string, expiresAt time.Time) string {
	return fmt.Sprintf("The book '%s' you reserved is now available for loan. Please collect it before %s.",
		title, expiresAt.Format("2006-01-02 15:04"))
}

// joinErrs объединяет ошибки пакетной обработки, не прерывая её.
func joinErrs(acc, err error) error {
	if err == nil {
		return acc
	}
	return errors.Join(acc, err)
}
