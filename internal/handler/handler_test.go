package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/repository"
	"github.com/mmeshcher/library-system/internal/service"
)

type stubService struct {
	loanResp *repository.LoanInfo
	loanErr  error

	returnErr error

	extendResp *repository.LoanInfo
	extendErr  error

	loansResp []repository.LoanInfo

	resResp *repository.ReservationInfo
	resErr  error

	cancelErr error

	queueResp *repository.QueueInfo
	queueErr  error

	expiredCount int
	expiredErr   error

	changedCount int
	changedErr   error

	receiptResp *model.Receipt
	payErr      error

	finesResp []model.Fine

	notificationsResp []model.Notification
}

func (s *stubService) CreateLoan(ctx context.Context, bookID, userID int64, endDate time.Time) (*repository.LoanInfo, error) {
	return s.loanResp, s.loanErr
}

func (s *stubService) ReturnLoan(ctx context.Context, loanID int64) error {
	return s.returnErr
}

func (s *stubService) ExtendLoan(ctx context.Context, loanID int64, days int) (*repository.LoanInfo, error) {
	return s.extendResp, s.extendErr
}

func (s *stubService) GetLoan(ctx context.Context, loanID int64) (*repository.LoanInfo, error) {
	return s.loanResp, s.loanErr
}

func (s *stubService) ListLoans(ctx context.Context) ([]repository.LoanInfo, error) {
	return s.loansResp, nil
}

func (s *stubService) CreateReservation(ctx context.Context, bookID, userID int64) (*repository.ReservationInfo, error) {
	return s.resResp, s.resErr
}

func (s *stubService) CancelReservation(ctx context.Context, reservationID int64) error {
	return s.cancelErr
}

func (s *stubService) GetReservation(ctx context.Context, reservationID int64) (*repository.ReservationInfo, error) {
	return s.resResp, s.resErr
}

func (s *stubService) GetQueueForBook(ctx context.Context, bookID int64) (*repository.QueueInfo, error) {
	return s.queueResp, s.queueErr
}

func (s *stubService) ExpireReadyReservations(ctx context.Context, now time.Time) (int, error) {
	return s.expiredCount, s.expiredErr
}

func (s *stubService) RunOverdueScan(ctx context.Context, now time.Time) (int, error) {
	return s.changedCount, s.changedErr
}

func (s *stubService) PayFine(ctx context.Context, fineID, userID int64) (*model.Receipt, error) {
	return s.receiptResp, s.payErr
}

func (s *stubService) GetReceipt(ctx context.Context, receiptID int64) (*model.Receipt, error) {
	return s.receiptResp, s.payErr
}

func (s *stubService) ListFinesForUser(ctx context.Context, userID int64) ([]model.Fine, error) {
	return s.finesResp, nil
}

func (s *stubService) ListReceiptsForUser(ctx context.Context, userID int64) ([]model.Receipt, error) {
	return nil, nil
}

func (s *stubService) ListNotificationsForUser(ctx context.Context, userID int64) ([]model.Notification, error) {
	return s.notificationsResp, nil
}

func (s *stubService) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	return nil
}

func newTestRouter(svc *stubService) http.Handler {
	h := NewHandler(svc, zap.NewNop())
	return h.SetupRouter()
}

func doRequest(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sampleLoan() *repository.LoanInfo {
	return &repository.LoanInfo{
		Loan: model.Loan{
			ID:        1,
			BookID:    5,
			UserID:    10,
			StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			Status:    model.LoanStatusActive,
		},
		BookTitle: "1984",
		UserName:  "Anna",
	}
}

func TestCreateLoan(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		svc        *stubService
		wantStatus int
	}{
		{
			name:       "created",
			body:       map[string]any{"BookId": 5, "UserId": 10, "EndDate": "2026-03-15T00:00:00Z"},
			svc:        &stubService{loanResp: sampleLoan()},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "book not found",
			body:       map[string]any{"BookId": 99, "UserId": 10, "EndDate": "2026-03-15T00:00:00Z"},
			svc:        &stubService{loanErr: repository.ErrBookNotFound},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "no copies available",
			body:       map[string]any{"BookId": 5, "UserId": 10, "EndDate": "2026-03-15T00:00:00Z"},
			svc:        &stubService{loanErr: repository.ErrBookNotAvailable},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "held for another user",
			body:       map[string]any{"BookId": 5, "UserId": 10, "EndDate": "2026-03-15T00:00:00Z"},
			svc:        &stubService{loanErr: repository.ErrReservedForAnotherUser},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "queue ahead of requester",
			body:       map[string]any{"BookId": 5, "UserId": 10, "EndDate": "2026-03-15T00:00:00Z"},
			svc:        &stubService{loanErr: repository.ErrQueueExists},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "missing fields",
			body:       map[string]any{"BookId": 5},
			svc:        &stubService{},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, newTestRouter(tt.svc), http.MethodPost, "/Loan/create", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestReturnLoan(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		svc        *stubService
		wantStatus int
	}{
		{"returned", "/Loan/1/return", &stubService{}, http.StatusNoContent},
		{"already returned", "/Loan/1/return", &stubService{returnErr: repository.ErrLoanAlreadyReturned}, http.StatusBadRequest},
		{"not found", "/Loan/99/return", &stubService{returnErr: repository.ErrLoanNotFound}, http.StatusBadRequest},
		{"bad id", "/Loan/abc/return", &stubService{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, newTestRouter(tt.svc), http.MethodPost, tt.path, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestExtendLoan(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		svc        *stubService
		wantStatus int
	}{
		{"extended", "/Loan/1/extend?days=7", &stubService{extendResp: sampleLoan()}, http.StatusOK},
		{"invalid days", "/Loan/1/extend?days=0", &stubService{extendErr: service.ErrInvalidDays}, http.StatusBadRequest},
		{"missing days", "/Loan/1/extend", &stubService{}, http.StatusBadRequest},
		{"not found", "/Loan/99/extend?days=7", &stubService{extendErr: repository.ErrLoanNotFound}, http.StatusNotFound},
		{"max extensions", "/Loan/1/extend?days=7", &stubService{extendErr: repository.ErrMaxExtensionsReached}, http.StatusConflict},
		{"reserved by others", "/Loan/1/extend?days=7", &stubService{extendErr: repository.ErrReservedByOthers}, http.StatusConflict},
		{"loan overdue", "/Loan/1/extend?days=7", &stubService{extendErr: repository.ErrLoanOverdue}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, newTestRouter(tt.svc), http.MethodPost, tt.path, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestCreateReservation(t *testing.T) {
	resInfo := &repository.ReservationInfo{
		Reservation: model.Reservation{
			ID:        3,
			BookID:    5,
			UserID:    10,
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Status:    model.ReservationStatusActive,
		},
		BookTitle: "1984",
	}

	tests := []struct {
		name       string
		body       any
		svc        *stubService
		wantStatus int
	}{
		{
			name:       "created",
			body:       map[string]any{"BookId": 5, "UserId": 10},
			svc:        &stubService{resResp: resInfo},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "book available",
			body:       map[string]any{"BookId": 5, "UserId": 10},
			svc:        &stubService{resErr: repository.ErrBookAvailable},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "already reserved",
			body:       map[string]any{"BookId": 5, "UserId": 10},
			svc:        &stubService{resErr: repository.ErrAlreadyReserved},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "user not found",
			body:       map[string]any{"BookId": 5, "UserId": 99},
			svc:        &stubService{resErr: repository.ErrUserNotFound},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, newTestRouter(tt.svc), http.MethodPost, "/Reservation/create", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestCancelReservation(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		svc        *stubService
		wantStatus int
	}{
		{"cancelled", "/Reservation/3/cancel", &stubService{}, http.StatusNoContent},
		{"not found", "/Reservation/99/cancel", &stubService{cancelErr: repository.ErrReservationNotFound}, http.StatusNotFound},
		{"not cancellable", "/Reservation/3/cancel", &stubService{cancelErr: repository.ErrReservationNotCancellable}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, newTestRouter(tt.svc), http.MethodPost, tt.path, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestGetQueue(t *testing.T) {
	expires := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	svc := &stubService{
		queueResp: &repository.QueueInfo{
			BookID:    5,
			BookTitle: "1984",
			Ready: &model.Reservation{
				ID:        3,
				BookID:    5,
				UserID:    10,
				Status:    model.ReservationStatusReady,
				ExpiresAt: &expires,
			},
			ActiveCount: 2,
		},
	}

	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/Reservation/book/5/queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		BookID      int64 `json:"book_id"`
		ActiveCount int   `json:"active_count"`
		Ready       *struct {
			UserID int64  `json:"user_id"`
			Status string `json:"status"`
		} `json:"ready"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.BookID != 5 || resp.ActiveCount != 2 {
		t.Fatalf("unexpected queue response: %+v", resp)
	}
	if resp.Ready == nil || resp.Ready.UserID != 10 || resp.Ready.Status != "Ready" {
		t.Fatalf("unexpected ready holder: %+v", resp.Ready)
	}
}

func TestRunScans(t *testing.T) {
	svc := &stubService{expiredCount: 2, changedCount: 3}
	router := newTestRouter(svc)

	w := doRequest(t, router, http.MethodPost, "/Reservation/run-expiry-scan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expiry scan status: got %d want %d", w.Code, http.StatusOK)
	}
	var expiry map[string]int
	if err := json.NewDecoder(w.Body).Decode(&expiry); err != nil {
		t.Fatalf("decode expiry response: %v", err)
	}
	if expiry["expired"] != 2 {
		t.Fatalf("expired = %d, want 2", expiry["expired"])
	}

	w = doRequest(t, router, http.MethodPost, "/Fine/run-overdue-scan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("overdue scan status: got %d want %d", w.Code, http.StatusOK)
	}
	var overdue map[string]int
	if err := json.NewDecoder(w.Body).Decode(&overdue); err != nil {
		t.Fatalf("decode overdue response: %v", err)
	}
	if overdue["changed"] != 3 {
		t.Fatalf("changed = %d, want 3", overdue["changed"])
	}
}

func TestRunScans_FailureReported(t *testing.T) {
	svc := &stubService{
		expiredErr: errors.New("db unavailable"),
		changedErr: errors.New("db unavailable"),
	}
	router := newTestRouter(svc)

	w := doRequest(t, router, http.MethodPost, "/Reservation/run-expiry-scan", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expiry scan status: got %d want %d", w.Code, http.StatusInternalServerError)
	}

	w = doRequest(t, router, http.MethodPost, "/Fine/run-overdue-scan", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("overdue scan status: got %d want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestPayFine(t *testing.T) {
	receipt := &model.Receipt{
		ID:            1,
		UserID:        10,
		FineID:        2,
		ReceiptNumber: "R-20260310133000-1A2B3C4D",
		AmountCents:   5000,
		IssuedAt:      time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC),
	}

	tests := []struct {
		name       string
		body       any
		svc        *stubService
		wantStatus int
	}{
		{"paid", map[string]any{"UserId": 10}, &stubService{receiptResp: receipt}, http.StatusOK},
		{"not found", map[string]any{"UserId": 10}, &stubService{payErr: repository.ErrFineNotFound}, http.StatusNotFound},
		{"foreign fine", map[string]any{"UserId": 11}, &stubService{payErr: repository.ErrFineForbidden}, http.StatusForbidden},
		{"already paid", map[string]any{"UserId": 10}, &stubService{payErr: repository.ErrFineAlreadyPaid}, http.StatusConflict},
		{"waived", map[string]any{"UserId": 10}, &stubService{payErr: repository.ErrFineNotPayable}, http.StatusConflict},
		{"missing user", map[string]any{}, &stubService{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, newTestRouter(tt.svc), http.MethodPost, "/Fine/2/pay", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestPayFine_ResponseBody(t *testing.T) {
	receipt := &model.Receipt{
		ID:            1,
		UserID:        10,
		FineID:        2,
		ReceiptNumber: "R-20260310133000-1A2B3C4D",
		AmountCents:   5000,
		IssuedAt:      time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC),
	}
	svc := &stubService{receiptResp: receipt}

	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/Fine/2/pay", map[string]any{"UserId": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		ReceiptNumber string  `json:"receipt_number"`
		Amount        float64 `json:"amount"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.ReceiptNumber != receipt.ReceiptNumber {
		t.Fatalf("receipt number: got %q want %q", resp.ReceiptNumber, receipt.ReceiptNumber)
	}
	if resp.Amount != 50 {
		t.Fatalf("amount: got %v want 50", resp.Amount)
	}
}

func TestGetReceipt(t *testing.T) {
	svc := &stubService{payErr: repository.ErrReceiptNotFound}
	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/Fine/receipt/99", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetUserNotifications(t *testing.T) {
	svc := &stubService{
		notificationsResp: []model.Notification{
			{ID: 1, UserID: 10, Message: "The book '1984' you reserved is now available for loan."},
		},
	}

	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/Notification/user/10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusOK)
	}

	var resp []notificationResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].UserID != 10 {
		t.Fatalf("unexpected notifications: %+v", resp)
	}
}
