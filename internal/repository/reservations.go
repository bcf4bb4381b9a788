package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/library-system/internal/model"
)

// ReservationInfo описывает бронь вместе с названием книги и именем читателя.
type ReservationInfo struct {
	model.Reservation
	BookTitle string
	UserName  string
}

// Promoted описывает бронь, переведённую в статус Ready.
type Promoted struct {
	ReservationID int64
	BookID        int64
	UserID        int64
	BookTitle     string
	ExpiresAt     time.Time
}

// CancelOutcome описывает результат отмены брони.
type CancelOutcome struct {
	UserID    int64
	BookTitle string
	WasReady  bool
	// Promoted заполняется, если отмена Ready-брони продвинула очередь.
	Promoted *Promoted
}

// ExpireOutcome описывает результат истечения одной Ready-брони.
type ExpireOutcome struct {
	Expired   bool
	UserID    int64
	BookTitle string
	// Promoted заполняется, если после истечения очередь продвинулась.
	Promoted *Promoted
}

// QueueInfo — диагностическое представление очереди броней одной книги.
type QueueInfo struct {
	BookID      int64
	BookTitle   string
	Ready       *model.Reservation
	ActiveCount int
}

// CreateReservation ставит читателя в очередь на книгу. Бронь допускается
// только когда свободных экземпляров нет.
func (r *PostgresRepository) CreateReservation(ctx context.Context, bookID, userID int64) (*ReservationInfo, error) {
	var result *ReservationInfo

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		title, available, err := lockBook(ctx, tx, bookID)
		if err != nil {
			return err
		}

		var userName string
		err = tx.QueryRow(ctx, `SELECT name FROM users WHERE id = $1`, userID).Scan(&userName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("select user: %w", err)
		}

		if available > 0 {
			return ErrBookAvailable
		}

		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
			    SELECT 1 FROM reservations
			    WHERE book_id = $1 AND user_id = $2 AND status IN ($3, $4)
			 )`,
			bookID, userID,
			string(model.ReservationStatusActive), string(model.ReservationStatusReady),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check duplicate reservation: %w", err)
		}
		if exists {
			return ErrAlreadyReserved
		}

		res := model.Reservation{
			BookID: bookID,
			UserID: userID,
			Status: model.ReservationStatusActive,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO reservations (book_id, user_id, status)
			 VALUES ($1, $2, $3)
			 RETURNING id, created_at`,
			bookID, userID, string(model.ReservationStatusActive),
		).Scan(&res.ID, &res.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &ReservationInfo{Reservation: res, BookTitle: title, UserName: userName}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// promoteNext переводит самую старую Active-бронь книги в Ready. Вызывается
// внутри транзакции, уже удерживающей блокировку строки книги. No-op, если
// очередь пуста или Ready-бронь уже существует.
func promoteNext(ctx context.Context, tx pgx.Tx, bookID int64, bookTitle string, now time.Time, holdTTL time.Duration) (*Promoted, error) {
	var readyExists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE book_id = $1 AND status = $2)`,
		bookID, string(model.ReservationStatusReady),
	).Scan(&readyExists)
	if err != nil {
		return nil, fmt.Errorf("check ready reservation: %w", err)
	}
	if readyExists {
		return nil, nil
	}

	rows, err := tx.Query(ctx,
		`SELECT id, user_id, created_at FROM reservations
		 WHERE book_id = $1 AND status = $2`,
		bookID, string(model.ReservationStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select queue: %w", err)
	}
	defer rows.Close()

	var candidates []queueCandidate
	for rows.Next() {
		var c queueCandidate
		if err := rows.Scan(&c.ID, &c.UserID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queue candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	head := queueHead(candidates)
	if head == nil {
		return nil, nil
	}

	expiresAt := now.Add(holdTTL)
	_, err = tx.Exec(ctx,
		`UPDATE reservations SET status = $2, expires_at = $3 WHERE id = $1`,
		head.ID, string(model.ReservationStatusReady), expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("promote reservation: %w", err)
	}

	return &Promoted{
		ReservationID: head.ID,
		BookID:        bookID,
		UserID:        head.UserID,
		BookTitle:     bookTitle,
		ExpiresAt:     expiresAt,
	}, nil
}

// queueCandidate — строка очереди броней, участвующая в выборе головы.
type queueCandidate struct {
	ID        int64
	UserID    int64
	CreatedAt time.Time
}

// queueHead выбирает голову очереди: самую раннюю по времени постановки
// Active-бронь, при равном времени — с меньшим идентификатором.
func queueHead(candidates []queueCandidate) *queueCandidate {
	var head *queueCandidate
	for i := range candidates {
		c := &candidates[i]
		if head == nil {
			head = c
			continue
		}
		if c.CreatedAt.Before(head.CreatedAt) ||
			(c.CreatedAt.Equal(head.CreatedAt) && c.ID < head.ID) {
			head = c
		}
	}
	return head
}

// CancelReservation отменяет бронь в статусе Active или Ready. Отмена
// Ready-брони освобождает удерживаемый экземпляр, поэтому очередь сразу
// продвигается дальше.
func (r *PostgresRepository) CancelReservation(ctx context.Context, reservationID int64, now time.Time, holdTTL time.Duration) (*CancelOutcome, error) {
	var outcome *CancelOutcome

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Сначала узнаём книгу, затем берём блокировки в порядке книга -> бронь,
		// как и остальные операции над очередью.
		var bookID int64
		err = tx.QueryRow(ctx,
			`SELECT book_id FROM reservations WHERE id = $1`,
			reservationID,
		).Scan(&bookID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrReservationNotFound
			}
			return fmt.Errorf("select reservation: %w", err)
		}

		title, _, err := lockBook(ctx, tx, bookID)
		if err != nil {
			return err
		}

		var userID int64
		var status string
		err = tx.QueryRow(ctx,
			`SELECT user_id, status FROM reservations WHERE id = $1 FOR UPDATE`,
			reservationID,
		).Scan(&userID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrReservationNotFound
			}
			return fmt.Errorf("lock reservation: %w", err)
		}

		if !model.ReservationStatus(status).Cancellable() {
			return ErrReservationNotCancellable
		}

		_, err = tx.Exec(ctx,
			`UPDATE reservations SET status = $2, expires_at = NULL WHERE id = $1`,
			reservationID, string(model.ReservationStatusCancelled),
		)
		if err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}

		out := &CancelOutcome{
			UserID:    userID,
			BookTitle: title,
			WasReady:  model.ReservationStatus(status) == model.ReservationStatusReady,
		}

		if out.WasReady {
			out.Promoted, err = promoteNext(ctx, tx, bookID, title, now, holdTTL)
			if err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		outcome = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// ListExpiredReady возвращает идентификаторы Ready-броней с истёкшим сроком
// получения. Само истечение выполняется по одной брони на транзакцию.
func (r *PostgresRepository) ListExpiredReady(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM reservations
		 WHERE status = $1 AND expires_at < $2
		 ORDER BY id`,
		string(model.ReservationStatusReady), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// ExpireReservation переводит одну Ready-бронь с истёкшим сроком в Expired
// и продвигает очередь. Если бронь уже изменила статус или срок, операция
// превращается в no-op — сканирование безопасно повторять.
func (r *PostgresRepository) ExpireReservation(ctx context.Context, reservationID int64, now time.Time, holdTTL time.Duration) (*ExpireOutcome, error) {
	var outcome *ExpireOutcome

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var bookID int64
		err = tx.QueryRow(ctx,
			`SELECT book_id FROM reservations WHERE id = $1`,
			reservationID,
		).Scan(&bookID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrReservationNotFound
			}
			return fmt.Errorf("select reservation: %w", err)
		}

		title, _, err := lockBook(ctx, tx, bookID)
		if err != nil {
			return err
		}

		var userID int64
		var status string
		var expiresAt *time.Time
		err = tx.QueryRow(ctx,
			`SELECT user_id, status, expires_at FROM reservations WHERE id = $1 FOR UPDATE`,
			reservationID,
		).Scan(&userID, &status, &expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrReservationNotFound
			}
			return fmt.Errorf("lock reservation: %w", err)
		}

		// Между выборкой кандидатов и этой транзакцией бронь могли забрать или отменить.
		if status != string(model.ReservationStatusReady) || expiresAt == nil || !expiresAt.Before(now) {
			outcome = &ExpireOutcome{Expired: false}
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`UPDATE reservations SET status = $2, expires_at = NULL WHERE id = $1`,
			reservationID, string(model.ReservationStatusExpired),
		)
		if err != nil {
			return fmt.Errorf("expire reservation: %w", err)
		}

		promoted, err := promoteNext(ctx, tx, bookID, title, now, holdTTL)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		outcome = &ExpireOutcome{
			Expired:   true,
			UserID:    userID,
			BookTitle: title,
			Promoted:  promoted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// GetReservation возвращает бронь по идентификатору.
func (r *PostgresRepository) GetReservation(ctx context.Context, reservationID int64) (*ReservationInfo, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT r.id, r.book_id, r.user_id, r.created_at, r.status, r.expires_at, b.title, u.name
		 FROM reservations r
		 JOIN books b ON b.id = r.book_id
		 JOIN users u ON u.id = r.user_id
		 WHERE r.id = $1`,
		reservationID,
	)

	var ri ReservationInfo
	var status string
	err := row.Scan(&ri.ID, &ri.BookID, &ri.UserID, &ri.CreatedAt, &status, &ri.ExpiresAt, &ri.BookTitle, &ri.UserName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	ri.Status = model.ReservationStatus(status)

	return &ri, nil
}

// GetQueueForBook возвращает текущего держателя Ready-брони и число ожидающих.
func (r *PostgresRepository) GetQueueForBook(ctx context.Context, bookID int64) (*QueueInfo, error) {
	qi := &QueueInfo{BookID: bookID}

	err := r.pool.QueryRow(ctx,
		`SELECT title FROM books WHERE id = $1`,
		bookID,
	).Scan(&qi.BookTitle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("select book: %w", err)
	}

	var ready model.Reservation
	var status string
	err = r.pool.QueryRow(ctx,
		`SELECT id, book_id, user_id, created_at, status, expires_at
		 FROM reservations
		 WHERE book_id = $1 AND status = $2`,
		bookID, string(model.ReservationStatusReady),
	).Scan(&ready.ID, &ready.BookID, &ready.UserID, &ready.CreatedAt, &status, &ready.ExpiresAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("select ready reservation: %w", err)
	}
	if err == nil {
		ready.Status = model.ReservationStatus(status)
		qi.Ready = &ready
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reservations WHERE book_id = $1 AND status = $2`,
		bookID, string(model.ReservationStatusActive),
	).Scan(&qi.ActiveCount)
	if err != nil {
		return nil, fmt.Errorf("count active reservations: %w", err)
	}

	return qi, nil
}
