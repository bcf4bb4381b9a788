package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/library-system/internal/model"
)

// maxLoanExtensions ограничивает число продлений одной выдачи.
const maxLoanExtensions = 2

// LoanInfo описывает выдачу вместе с названием книги и именем читателя.
type LoanInfo struct {
	model.Loan
	BookTitle string
	UserName  string
}

// DueLoan описывает активную выдачу с приближающимся сроком возврата.
type DueLoan struct {
	LoanID    int64
	UserID    int64
	BookTitle string
	EndDate   time.Time
}

// OverdueLoan описывает просроченную активную выдачу и её текущий
// неоплаченный штраф, если он уже создан.
type OverdueLoan struct {
	LoanID           int64
	UserID           int64
	EndDate          time.Time
	UnpaidFineID     *int64
	UnpaidFineAmount *int64
}

// CreateLoan выдаёт экземпляр книги читателю. Проверка доступности, приоритет
// Ready-брони, приоритет головы очереди и списание экземпляра выполняются
// атомарно под блокировкой строки книги.
func (r *PostgresRepository) CreateLoan(ctx context.Context, bookID, userID int64, endDate time.Time) (*LoanInfo, error) {
	var result *LoanInfo

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

		if available <= 0 {
			return ErrBookNotAvailable
		}

		// Освободившийся экземпляр может удерживаться Ready-бронью.
		var readyID, readyUserID int64
		err = tx.QueryRow(ctx,
			`SELECT id, user_id FROM reservations WHERE book_id = $1 AND status = $2`,
			bookID, string(model.ReservationStatusReady),
		).Scan(&readyID, &readyUserID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select ready reservation: %w", err)
		}

		holdsReady := readyID != 0 && readyUserID == userID
		if readyID != 0 && !holdsReady {
			return ErrReservedForAnotherUser
		}

		// Без собственной Ready-брони читатель не может обойти голову очереди.
		if !holdsReady {
			var headUserID int64
			err = tx.QueryRow(ctx,
				`SELECT user_id FROM reservations
				 WHERE book_id = $1 AND status = $2
				 ORDER BY created_at, id
				 LIMIT 1`,
				bookID, string(model.ReservationStatusActive),
			).Scan(&headUserID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("select queue head: %w", err)
			}
			if err == nil && headUserID != userID {
				return ErrQueueExists
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE books SET copies_available = copies_available - 1 WHERE id = $1`,
			bookID,
		)
		if err != nil {
			return fmt.Errorf("decrement copies: %w", err)
		}

		loan := model.Loan{
			BookID: bookID,
			UserID: userID,
			Status: model.LoanStatusActive,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO loans (book_id, user_id, end_date, status)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, start_date, end_date`,
			bookID, userID, endDate, string(model.LoanStatusActive),
		).Scan(&loan.ID, &loan.StartDate, &loan.EndDate)
		if err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}

		if holdsReady {
			_, err = tx.Exec(ctx,
				`UPDATE reservations SET status = $2, expires_at = NULL WHERE id = $1`,
				readyID, string(model.ReservationStatusFulfilled),
			)
			if err != nil {
				return fmt.Errorf("fulfill reservation: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &LoanInfo{Loan: loan, BookTitle: title, UserName: userName}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ReturnLoan отмечает выдачу возвращённой, возвращает экземпляр на полку и
// атомарно продвигает очередь броней книги.
func (r *PostgresRepository) ReturnLoan(ctx context.Context, loanID int64, now time.Time, holdTTL time.Duration) (*Promoted, error) {
	var promoted *Promoted

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var bookID int64
		var status string
		err = tx.QueryRow(ctx,
			`SELECT book_id, status FROM loans WHERE id = $1 FOR UPDATE`,
			loanID,
		).Scan(&bookID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLoanNotFound
			}
			return fmt.Errorf("select loan: %w", err)
		}

		if status == string(model.LoanStatusReturned) {
			return ErrLoanAlreadyReturned
		}

		title, _, err := lockBook(ctx, tx, bookID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE loans SET status = $2, returned_at = $3 WHERE id = $1`,
			loanID, string(model.LoanStatusReturned), now,
		)
		if err != nil {
			return fmt.Errorf("update loan: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE books SET copies_available = LEAST(copies_available + 1, total_copies) WHERE id = $1`,
			bookID,
		)
		if err != nil {
			return fmt.Errorf("increment copies: %w", err)
		}

		// Продвижение очереди в той же транзакции: между возвратом и
		// выдачей Ready-брони никто не успеет занять освободившийся экземпляр.
		promoted, err = promoteNext(ctx, tx, bookID, title, now, holdTTL)
		if err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return promoted, nil
}

// ExtendLoan продлевает активную выдачу на указанное число дней. Продление
// запрещено, пока книгу ждёт бронь другого читателя.
func (r *PostgresRepository) ExtendLoan(ctx context.Context, loanID int64, days int, now time.Time) (*LoanInfo, error) {
	var result *LoanInfo

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		loan := model.Loan{ID: loanID}
		var status string
		err = tx.QueryRow(ctx,
			`SELECT book_id, user_id, start_date, end_date, extended_count, status
			 FROM loans WHERE id = $1 FOR UPDATE`,
			loanID,
		).Scan(&loan.BookID, &loan.UserID, &loan.StartDate, &loan.EndDate, &loan.ExtendedCount, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLoanNotFound
			}
			return fmt.Errorf("select loan: %w", err)
		}
		loan.Status = model.LoanStatus(status)

		if loan.Status != model.LoanStatusActive {
			return ErrLoanNotActive
		}
		if loan.EndDate.Before(now) {
			return ErrLoanOverdue
		}
		if loan.ExtendedCount >= maxLoanExtensions {
			return ErrMaxExtensionsReached
		}

		title, _, err := lockBook(ctx, tx, loan.BookID)
		if err != nil {
			return err
		}

		var blocked bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
			    SELECT 1 FROM reservations
			    WHERE book_id = $1 AND user_id <> $2 AND status IN ($3, $4)
			 )`,
			loan.BookID, loan.UserID,
			string(model.ReservationStatusActive), string(model.ReservationStatusReady),
		).Scan(&blocked)
		if err != nil {
			return fmt.Errorf("check reservations: %w", err)
		}
		if blocked {
			return ErrReservedByOthers
		}

		err = tx.QueryRow(ctx,
			`UPDATE loans
			 SET end_date = end_date + make_interval(days => $2), extended_count = extended_count + 1
			 WHERE id = $1
			 RETURNING end_date, extended_count`,
			loanID, days,
		).Scan(&loan.EndDate, &loan.ExtendedCount)
		if err != nil {
			return fmt.Errorf("update loan: %w", err)
		}

		var userName string
		err = tx.QueryRow(ctx, `SELECT name FROM users WHERE id = $1`, loan.UserID).Scan(&userName)
		if err != nil {
			return fmt.Errorf("select user: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &LoanInfo{Loan: loan, BookTitle: title, UserName: userName}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetLoan возвращает выдачу по идентификатору.
func (r *PostgresRepository) GetLoan(ctx context.Context, loanID int64) (*LoanInfo, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT l.id, l.book_id, l.user_id, l.start_date, l.end_date, l.returned_at,
		        l.extended_count, l.status, b.title, u.name
		 FROM loans l
		 JOIN books b ON b.id = l.book_id
		 JOIN users u ON u.id = l.user_id
		 WHERE l.id = $1`,
		loanID,
	)

	var li LoanInfo
	var status string
	err := row.Scan(&li.ID, &li.BookID, &li.UserID, &li.StartDate, &li.EndDate, &li.ReturnedAt,
		&li.ExtendedCount, &status, &li.BookTitle, &li.UserName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("get loan: %w", err)
	}
	li.Status = model.LoanStatus(status)

	return &li, nil
}

// ListLoans возвращает все выдачи, новые первыми.
func (r *PostgresRepository) ListLoans(ctx context.Context) ([]LoanInfo, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.book_id, l.user_id, l.start_date, l.end_date, l.returned_at,
		        l.extended_count, l.status, b.title, u.name
		 FROM loans l
		 JOIN books b ON b.id = l.book_id
		 JOIN users u ON u.id = l.user_id
		 ORDER BY l.start_date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select loans: %w", err)
	}
	defer rows.Close()

	var res []LoanInfo
	for rows.Next() {
		var li LoanInfo
		var status string
		if err := rows.Scan(&li.ID, &li.BookID, &li.UserID, &li.StartDate, &li.EndDate, &li.ReturnedAt,
			&li.ExtendedCount, &status, &li.BookTitle, &li.UserName); err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		li.Status = model.LoanStatus(status)
		res = append(res, li)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetLoansDueBetween возвращает активные выдачи со сроком возврата в интервале [from, to].
func (r *PostgresRepository) GetLoansDueBetween(ctx context.Context, from, to time.Time) ([]DueLoan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.user_id, b.title, l.end_date
		 FROM loans l
		 JOIN books b ON b.id = l.book_id
		 WHERE l.status = $1 AND l.end_date >= $2 AND l.end_date <= $3
		 ORDER BY l.end_date`,
		string(model.LoanStatusActive), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select due loans: %w", err)
	}
	defer rows.Close()

	var res []DueLoan
	for rows.Next() {
		var d DueLoan
		if err := rows.Scan(&d.LoanID, &d.UserID, &d.BookTitle, &d.EndDate); err != nil {
			return nil, fmt.Errorf("scan due loan: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetOverdueActiveLoans возвращает активные выдачи с истёкшим сроком возврата
// вместе с их неоплаченными штрафами.
func (r *PostgresRepository) GetOverdueActiveLoans(ctx context.Context, now time.Time) ([]OverdueLoan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.user_id, l.end_date, f.id, f.amount_cents
		 FROM loans l
		 LEFT JOIN fines f ON f.loan_id = l.id AND f.status = $2
		 WHERE l.status = $1 AND l.end_date < $3
		 ORDER BY l.id`,
		string(model.LoanStatusActive), string(model.FineStatusUnpaid), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select overdue loans: %w", err)
	}
	defer rows.Close()

	var res []OverdueLoan
	for rows.Next() {
		var o OverdueLoan
		if err := rows.Scan(&o.LoanID, &o.UserID, &o.EndDate, &o.UnpaidFineID, &o.UnpaidFineAmount); err != nil {
			return nil, fmt.Errorf("scan overdue loan: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
