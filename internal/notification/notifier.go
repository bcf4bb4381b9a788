package notification

import (
	"context"

	"go.uber.org/zap"
)

// Store описывает контракт сохранения уведомлений.
type Store interface {
	CreateNotification(ctx context.Context, userID int64, message string) error
}

// Notifier записывает уведомление в хранилище и, если настроен шлюз,
// отправляет его наружу.
type Notifier struct {
	store  Store
	client *Client
	logger *zap.Logger
}

// NewNotifier создаёт Notifier. client может быть nil — тогда уведомления
// только сохраняются.
func NewNotifier(store Store, client *Client, logger *zap.Logger) *Notifier {
	return &Notifier{
		store:  store,
		client: client,
		logger: logger,
	}
}

// Notify выдаёт уведомление читателю. Ошибки записи и доставки логируются
// и не возвращаются вызывающей стороне.
func (n *Notifier) Notify(ctx context.Context, userID int64, message string) {
	if err := n.store.CreateNotification(ctx, userID, message); err != nil {
		n.logger.Error("store notification error",
			zap.Error(err), zap.Int64("userID", userID))
	}

	if n.client == nil {
		return
	}

	if err := n.client.Send(ctx, userID, message); err != nil {
		n.logger.Error("deliver notification error",
			zap.Error(err), zap.Int64("userID", userID))
	}
}
