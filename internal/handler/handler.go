// Package handler содержит HTTP-обработчики API библиотечного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/repository"
	"github.com/mmeshcher/library-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateLoan(ctx context.Context, bookID, userID int64, endDate time.Time) (*repository.LoanInfo, error)
	ReturnLoan(ctx context.Context, loanID int64) error
	ExtendLoan(ctx context.Context, loanID int64, days int) (*repository.LoanInfo, error)
	GetLoan(ctx context.Context, loanID int64) (*repository.LoanInfo, error)
	ListLoans(ctx context.Context) ([]repository.LoanInfo, error)

	CreateReservation(ctx context.Context, bookID, userID int64) (*repository.ReservationInfo, error)
	CancelReservation(ctx context.Context, reservationID int64) error
	GetReservation(ctx context.Context, reservationID int64) (*repository.ReservationInfo, error)
	GetQueueForBook(ctx context.Context, bookID int64) (*repository.QueueInfo, error)
	ExpireReadyReservations(ctx context.Context, now time.Time) (int, error)

	RunOverdueScan(ctx context.Context, now time.Time) (int, error)
	PayFine(ctx context.Context, fineID, userID int64) (*model.Receipt, error)
	GetReceipt(ctx context.Context, receiptID int64) (*model.Receipt, error)
	ListFinesForUser(ctx context.Context, userID int64) ([]model.Fine, error)
	ListReceiptsForUser(ctx context.Context, userID int64) ([]model.Receipt, error)

	ListNotificationsForUser(ctx context.Context, userID int64) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID int64) error
}

// Handler реализует HTTP-обработчики API библиотечного сервиса.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{service: s, logger: logger}
}

type createLoanRequest struct {
	BookID  int64     `json:"BookId"`
	UserID  int64     `json:"UserId"`
	EndDate time.Time `json:"EndDate"`
}

type createReservationRequest struct {
	BookID int64 `json:"BookId"`
	UserID int64 `json:"UserId"`
}

type payFineRequest struct {
	UserID int64 `json:"UserId"`
}

type loanResponse struct {
	ID            int64      `json:"id"`
	BookID        int64      `json:"book_id"`
	UserID        int64      `json:"user_id"`
	BookTitle     string     `json:"book_title"`
	UserName      string     `json:"user_name"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       time.Time  `json:"end_date"`
	ReturnedAt    *time.Time `json:"returned_at,omitempty"`
	ExtendedCount int        `json:"extended_count"`
	Status        string     `json:"status"`
}

func toLoanResponse(l *repository.LoanInfo) loanResponse {
	return loanResponse{
		ID:            l.ID,
		BookID:        l.BookID,
		UserID:        l.UserID,
		BookTitle:     l.BookTitle,
		UserName:      l.UserName,
		StartDate:     l.StartDate,
		EndDate:       l.EndDate,
		ReturnedAt:    l.ReturnedAt,
		ExtendedCount: l.ExtendedCount,
		Status:        string(l.Status),
	}
}

type reservationResponse struct {
	ID        int64      `json:"id"`
	BookID    int64      `json:"book_id"`
	UserID    int64      `json:"user_id"`
	BookTitle string     `json:"book_title"`
	CreatedAt time.Time  `json:"created_at"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func toReservationResponse(res *repository.ReservationInfo) reservationResponse {
	return reservationResponse{
		ID:        res.ID,
		BookID:    res.BookID,
		UserID:    res.UserID,
		BookTitle: res.BookTitle,
		CreatedAt: res.CreatedAt,
		Status:    string(res.Status),
		ExpiresAt: res.ExpiresAt,
	}
}

type queueResponse struct {
	BookID      int64                `json:"book_id"`
	BookTitle   string               `json:"book_title"`
	Ready       *reservationResponse `json:"ready,omitempty"`
	ActiveCount int                  `json:"active_count"`
}

type fineResponse struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	LoanID    int64      `json:"loan_id"`
	Amount    float64    `json:"amount"`
	Reason    string     `json:"reason"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

func toFineResponse(f model.Fine) fineResponse {
	return fineResponse{
		ID:        f.ID,
		UserID:    f.UserID,
		LoanID:    f.LoanID,
		Amount:    service.AmountFromCents(f.AmountCents),
		Reason:    f.Reason,
		Status:    string(f.Status),
		CreatedAt: f.CreatedAt,
		PaidAt:    f.PaidAt,
	}
}

type receiptResponse struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	FineID        int64     `json:"fine_id"`
	ReceiptNumber string    `json:"receipt_number"`
	Amount        float64   `json:"amount"`
	IssuedAt      time.Time `json:"issued_at"`
}

func toReceiptResponse(rc *model.Receipt) receiptResponse {
	return receiptResponse{
		ID:            rc.ID,
		UserID:        rc.UserID,
		FineID:        rc.FineID,
		ReceiptNumber: rc.ReceiptNumber,
		Amount:        service.AmountFromCents(rc.AmountCents),
		IssuedAt:      rc.IssuedAt,
	}
}

type notificationResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// CreateLoan оформляет выдачу книги читателю.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.BookID <= 0 || req.UserID <= 0 || req.EndDate.IsZero() {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	loan, err := h.service.CreateLoan(r.Context(), req.BookID, req.UserID, req.EndDate)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBookNotFound), errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrBookNotAvailable),
			errors.Is(err, repository.ErrReservedForAnotherUser),
			errors.Is(err, repository.ErrQueueExists):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.internalError(w, "create loan error", err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toLoanResponse(loan))
}

// ReturnLoan фиксирует возврат книги.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ReturnLoan(r.Context(), loanID); err != nil {
		switch {
		case errors.Is(err, repository.ErrLoanNotFound),
			errors.Is(err, repository.ErrLoanAlreadyReturned):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.internalError(w, "return loan error", err)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ExtendLoan продлевает срок выдачи на days дней.
func (h *Handler) ExtendLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	loan, err := h.service.ExtendLoan(r.Context(), loanID, days)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidDays):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrLoanNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrLoanNotActive),
			errors.Is(err, repository.ErrLoanOverdue),
			errors.Is(err, repository.ErrMaxExtensionsReached),
			errors.Is(err, repository.ErrReservedByOthers):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.internalError(w, "extend loan error", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toLoanResponse(loan))
}

// GetLoan возвращает выдачу по идентификатору.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	loan, err := h.service.GetLoan(r.Context(), loanID)
	if err != nil {
		if errors.Is(err, repository.ErrLoanNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.internalError(w, "get loan error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toLoanResponse(loan))
}

// GetLoans возвращает все выдачи.
func (h *Handler) GetLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListLoans(r.Context())
	if err != nil {
		h.internalError(w, "list loans error", err)
		return
	}

	resp := make([]loanResponse, 0, len(loans))
	for i := range loans {
		resp = append(resp, toLoanResponse(&loans[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CreateReservation ставит читателя в очередь на книгу.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.BookID <= 0 || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.CreateReservation(r.Context(), req.BookID, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBookNotFound), errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrBookAvailable), errors.Is(err, repository.ErrAlreadyReserved):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.internalError(w, "create reservation error", err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

// CancelReservation отменяет бронь.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	resID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CancelReservation(r.Context(), resID); err != nil {
		switch {
		case errors.Is(err, repository.ErrReservationNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrReservationNotCancellable):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.internalError(w, "cancel reservation error", err)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetReservation возвращает бронь по идентификатору.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	resID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.GetReservation(r.Context(), resID)
	if err != nil {
		if errors.Is(err, repository.ErrReservationNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.internalError(w, "get reservation error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toReservationResponse(res))
}

// GetQueue возвращает состояние очереди броней книги.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	queue, err := h.service.GetQueueForBook(r.Context(), bookID)
	if err != nil {
		if errors.Is(err, repository.ErrBookNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.internalError(w, "get queue error", err)
		return
	}

	resp := queueResponse{
		BookID:      queue.BookID,
		BookTitle:   queue.BookTitle,
		ActiveCount: queue.ActiveCount,
	}
	if queue.Ready != nil {
		ready := toReservationResponse(&repository.ReservationInfo{
			Reservation: *queue.Ready,
			BookTitle:   queue.BookTitle,
		})
		resp.Ready = &ready
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// RunExpiryScan запускает внеочередной проход по просроченным Ready-броням.
func (h *Handler) RunExpiryScan(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.ExpireReadyReservations(r.Context(), time.Now())
	if err != nil {
		h.internalError(w, "expiry scan error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// RunOverdueScan запускает внеочередное начисление штрафов за просрочку.
func (h *Handler) RunOverdueScan(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.RunOverdueScan(r.Context(), time.Now())
	if err != nil {
		h.internalError(w, "overdue scan error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

// PayFine принимает оплату штрафа и возвращает квитанцию.
func (h *Handler) PayFine(w http.ResponseWriter, r *http.Request) {
	fineID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req payFineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	receipt, err := h.service.PayFine(r.Context(), fineID, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrFineNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrFineForbidden):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, repository.ErrFineAlreadyPaid), errors.Is(err, repository.ErrFineNotPayable):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.internalError(w, "pay fine error", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

// GetReceipt возвращает квитанцию по идентификатору.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receiptID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	receipt, err := h.service.GetReceipt(r.Context(), receiptID)
	if err != nil {
		if errors.Is(err, repository.ErrReceiptNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.internalError(w, "get receipt error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

// GetUserFines возвращает штрафы читателя.
func (h *Handler) GetUserFines(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	fines, err := h.service.ListFinesForUser(r.Context(), userID)
	if err != nil {
		h.internalError(w, "list fines error", err)
		return
	}

	resp := make([]fineResponse, 0, len(fines))
	for _, f := range fines {
		resp = append(resp, toFineResponse(f))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetUserReceipts возвращает квитанции читателя.
func (h *Handler) GetUserReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	receipts, err := h.service.ListReceiptsForUser(r.Context(), userID)
	if err != nil {
		h.internalError(w, "list receipts error", err)
		return
	}

	resp := make([]receiptResponse, 0, len(receipts))
	for i := range receipts {
		resp = append(resp, toReceiptResponse(&receipts[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetUserNotifications возвращает уведомления читателя.
func (h *Handler) GetUserNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	notifications, err := h.service.ListNotificationsForUser(r.Context(), userID)
	if err != nil {
		h.internalError(w, "list notifications error", err)
		return
	}

	resp := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		resp = append(resp, notificationResponse{
			ID:        n.ID,
			UserID:    n.UserID,
			Message:   n.Message,
			CreatedAt: n.CreatedAt,
			IsRead:    n.IsRead,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// MarkNotificationRead отмечает уведомление прочитанным.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	notificationID, ok := pathID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.MarkNotificationRead(r.Context(), notificationID); err != nil {
		h.internalError(w, "mark notification read error", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
