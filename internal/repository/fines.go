package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/library-system/internal/model"
)

// CreateFine создаёт неоплаченный штраф за просроченную выдачу.
func (r *PostgresRepository) CreateFine(ctx context.Context, userID, loanID, amountCents int64, reason string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO fines (user_id, loan_id, amount_cents, reason, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, loanID, amountCents, reason, string(model.FineStatusUnpaid),
	)
	if err != nil {
		return fmt.Errorf("insert fine: %w", err)
	}
	return nil
}

// UpdateFineAmount обновляет сумму неоплаченного штрафа по мере роста просрочки.
func (r *PostgresRepository) UpdateFineAmount(ctx context.Context, fineID, amountCents int64, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE fines SET amount_cents = $2, reason = $3 WHERE id = $1`,
		fineID, amountCents, reason,
	)
	if err != nil {
		return fmt.Errorf("update fine: %w", err)
	}
	return nil
}

// PayFine отмечает штраф оплаченным и создаёт квитанцию с переданным номером.
// Для уже оплаченного штрафа возвращается существующая квитанция. Отметка об
// оплате и выпуск квитанции атомарны: квитанция создаётся ровно один раз.
func (r *PostgresRepository) PayFine(ctx context.Context, fineID, userID int64, receiptNumber string, now time.Time) (*model.Receipt, error) {
	var receipt *model.Receipt

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var ownerID, amountCents int64
		var status string
		err = tx.QueryRow(ctx,
			`SELECT user_id, amount_cents, status FROM fines WHERE id = $1 FOR UPDATE`,
			fineID,
		).Scan(&ownerID, &amountCents, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrFineNotFound
			}
			return fmt.Errorf("select fine: %w", err)
		}

		if ownerID != userID {
			return ErrFineForbidden
		}

		if status == string(model.FineStatusPaid) {
			existing := &model.Receipt{FineID: fineID}
			err = tx.QueryRow(ctx,
				`SELECT id, user_id, receipt_number, amount_cents, issued_at
				 FROM receipts WHERE fine_id = $1`,
				fineID,
			).Scan(&existing.ID, &existing.UserID, &existing.ReceiptNumber, &existing.AmountCents, &existing.IssuedAt)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrFineAlreadyPaid
				}
				return fmt.Errorf("select receipt: %w", err)
			}
			receipt = existing
			return tx.Commit(ctx)
		}

		if status != string(model.FineStatusUnpaid) {
			return ErrFineNotPayable
		}

		_, err = tx.Exec(ctx,
			`UPDATE fines SET status = $2, paid_at = $3 WHERE id = $1`,
			fineID, string(model.FineStatusPaid), now,
		)
		if err != nil {
			return fmt.Errorf("mark fine paid: %w", err)
		}

		created := &model.Receipt{
			UserID:        ownerID,
			FineID:        fineID,
			ReceiptNumber: receiptNumber,
			AmountCents:   amountCents,
			IssuedAt:      now,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO receipts (user_id, fine_id, receipt_number, amount_cents, issued_at)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			ownerID, fineID, receiptNumber, amountCents, now,
		).Scan(&created.ID)
		if err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		receipt = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

// GetReceipt возвращает квитанцию по идентификатору.
func (r *PostgresRepository) GetReceipt(ctx context.Context, receiptID int64) (*model.Receipt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, fine_id, receipt_number, amount_cents, issued_at
		 FROM receipts WHERE id = $1`,
		receiptID,
	)

	var rc model.Receipt
	err := row.Scan(&rc.ID, &rc.UserID, &rc.FineID, &rc.ReceiptNumber, &rc.AmountCents, &rc.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}

	return &rc, nil
}

// ListFinesForUser возвращает штрафы читателя, новые первыми.
func (r *PostgresRepository) ListFinesForUser(ctx context.Context, userID int64) ([]model.Fine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, loan_id, amount_cents, reason, status, created_at, paid_at
		 FROM fines
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select fines: %w", err)
	}
	defer rows.Close()

	var res []model.Fine
	for rows.Next() {
		var f model.Fine
		var status string
		if err := rows.Scan(&f.ID, &f.UserID, &f.LoanID, &f.AmountCents, &f.Reason, &status, &f.CreatedAt, &f.PaidAt); err != nil {
			return nil, fmt.Errorf("scan fine: %w", err)
		}
		f.Status = model.FineStatus(status)
		res = append(res, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListReceiptsForUser возвращает квитанции читателя, новые первыми.
func (r *PostgresRepository) ListReceiptsForUser(ctx context.Context, userID int64) ([]model.Receipt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, fine_id, receipt_number, amount_cents, issued_at
		 FROM receipts
		 WHERE user_id = $1
		 ORDER BY issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select receipts: %w", err)
	}
	defer rows.Close()

	var res []model.Receipt
	for rows.Next() {
		var rc model.Receipt
		if err := rows.Scan(&rc.ID, &rc.UserID, &rc.FineID, &rc.ReceiptNumber, &rc.AmountCents, &rc.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		res = append(res, rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
