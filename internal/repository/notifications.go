package repository

import (
	"context"
	"fmt"

	"github.com/mmeshcher/library-system/internal/model"
)

// CreateNotification сохраняет уведомление для читателя.
func (r *PostgresRepository) CreateNotification(ctx context.Context, userID int64, message string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, message) VALUES ($1, $2)`,
		userID, message,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotificationsForUser возвращает уведомления читателя, новые первыми.
func (r *PostgresRepository) ListNotificationsForUser(ctx context.Context, userID int64) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, message, created_at, is_read
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.CreatedAt, &n.IsRead); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkNotificationRead отмечает уведомление прочитанным.
func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1`,
		notificationID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}
