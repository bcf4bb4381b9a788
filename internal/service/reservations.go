package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/library-system/internal/repository"
)

// CreateReservation ставит читателя в очередь на книгу без свободных экземпляров.
func (s *Service) CreateReservation(ctx context.Context, bookID, userID int64) (*repository.ReservationInfo, error) {
	res, err := s.repo.CreateReservation(ctx, bookID, userID)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, userID,
		fmt.Sprintf("You reserved '%s'. We will notify you when it's available for loan.", res.BookTitle))

	return res, nil
}

// CancelReservation отменяет бронь. Отмена Ready-брони освобождает
// удерживаемый экземпляр, и очередь продвигается на следующего ожидающего.
func (s *Service) CancelReservation(ctx context.Context, reservationID int64) error {
	out, err := s.repo.CancelReservation(ctx, reservationID, time.Now(), s.opts.ReservationHold)
	if err != nil {
		return err
	}

	s.notifier.Notify(ctx, out.UserID,
		fmt.Sprintf("Your reservation for '%s' has been cancelled.", out.BookTitle))

	if out.Promoted != nil {
		s.notifier.Notify(ctx, out.Promoted.UserID, readyMessage(out.Promoted.BookTitle, out.Promoted.ExpiresAt))
	}

	return nil
}

// ExpireReadyReservations переводит просроченные Ready-брони в Expired и
// продвигает очереди. Каждая бронь обрабатывается в собственной короткой
// транзакции, поэтому сбой на одной не останавливает остальные.
func (s *Service) ExpireReadyReservations(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.ListExpiredReady(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("select expired reservations: %w", err)
	}

	var expired int
	var errs error
	for _, id := range ids {
		out, err := s.repo.ExpireReservation(ctx, id, now, s.opts.ReservationHold)
		if err != nil {
			errs = joinErrs(errs, fmt.Errorf("expire reservation %d: %w", id, err))
			continue
		}
		if !out.Expired {
			continue
		}

		expired++
		s.notifier.Notify(ctx, out.UserID,
			fmt.Sprintf("Your reservation for '%s' has expired.", out.BookTitle))

		if out.Promoted != nil {
			s.notifier.Notify(ctx, out.Promoted.UserID, readyMessage(out.Promoted.BookTitle, out.Promoted.ExpiresAt))
		}
	}

	return expired, errs
}

// GetReservation возвращает бронь по идентификатору.
func (s *Service) GetReservation(ctx context.Context, reservationID int64) (*repository.ReservationInfo, error) {
	return s.repo.GetReservation(ctx, reservationID)
}

// GetQueueForBook возвращает состояние очереди броней книги.
func (s *Service) GetQueueForBook(ctx context.Context, bookID int64) (*repository.QueueInfo, error) {
	return s.repo.GetQueueForBook(ctx, bookID)
}
