package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/library-system/internal/model"
)

// RunOverdueScan начисляет штрафы по просроченным активным выдачам.
// Сумма растёт со ставкой за день и упирается в потолок; существующий
// неоплаченный штраф обновляется, новый создаётся при отсутствии.
// Повторный запуск с тем же now ничего не меняет.
func (s *Service) RunOverdueScan(ctx context.Context, now time.Time) (int, error) {
	today := dayFloor(now)

	overdue, err := s.repo.GetOverdueActiveLoans(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("select overdue loans: %w", err)
	}

	var changed int
	var errs error
	for _, o := range overdue {
		daysLate := daysBetween(dayFloor(o.EndDate), today)
		if daysLate <= 0 {
			continue
		}

		amount := fineAmountCents(daysLate, s.opts.FineDailyRateCents, s.opts.FineMaxCents)
		reason := fmt.Sprintf("Overdue loan (%d day(s) late)", daysLate)

		switch {
		case o.UnpaidFineID == nil:
			if err := s.repo.CreateFine(ctx, o.UserID, o.LoanID, amount, reason); err != nil {
				errs = joinErrs(errs, fmt.Errorf("create fine for loan %d: %w", o.LoanID, err))
				continue
			}
			changed++
		case *o.UnpaidFineAmount != amount:
			if err := s.repo.UpdateFineAmount(ctx, *o.UnpaidFineID, amount, reason); err != nil {
				errs = joinErrs(errs, fmt.Errorf("update fine %d: %w", *o.UnpaidFineID, err))
				continue
			}
			changed++
		}
	}

	return changed, errs
}

// PayFine оплачивает штраф от имени его владельца и выдаёт квитанцию.
func (s *Service) PayFine(ctx context.Context, fineID, userID int64) (*model.Receipt, error) {
	now := time.Now()
	return s.repo.PayFine(ctx, fineID, userID, generateReceiptNumber(now), now)
}

// GetReceipt возвращает квитанцию по идентификатору.
func (s *Service) GetReceipt(ctx context.Context, receiptID int64) (*model.Receipt, error) {
	return s.repo.GetReceipt(ctx, receiptID)
}

// ListFinesForUser возвращает штрафы читателя.
func (s *Service) ListFinesForUser(ctx context.Context, userID int64) ([]model.Fine, error) {
	return s.repo.ListFinesForUser(ctx, userID)
}

// ListReceiptsForUser возвращает квитанции читателя.
func (s *Service) ListReceiptsForUser(ctx context.Context, userID int64) ([]model.Receipt, error) {
	return s.repo.ListReceiptsForUser(ctx, userID)
}

// ListNotificationsForUser возвращает уведомления читателя.
func (s *Service) ListNotificationsForUser(ctx context.Context, userID int64) ([]model.Notification, error) {
	return s.repo.ListNotificationsForUser(ctx, userID)
}

// MarkNotificationRead отмечает уведомление прочитанным.
func (s *Service) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	return s.repo.MarkNotificationRead(ctx, notificationID)
}

// fineAmountCents считает сумму штрафа: ставка за каждый полный день
// просрочки, не выше потолка и не ниже нуля.
func fineAmountCents(daysLate int, dailyRateCents, maxCents int64) int64 {
	amount := int64(daysLate) * dailyRateCents
	if amount > maxCents {
		amount = maxCents
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

// dayFloor отбрасывает время, оставляя начало суток в UTC.
func dayFloor(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween возвращает число полных суток между началами суток from и to.
func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}

// generateReceiptNumber формирует глобально уникальный номер квитанции.
func generateReceiptNumber(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("R-%s-%X", now.UTC().Format("20060102150405"), u[:4])
}
