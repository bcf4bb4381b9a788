// Package model содержит доменные сущности библиотечного сервиса.
package model

import "time"

// Book представляет книгу каталога и счётчики её экземпляров.
// Инвариант: 0 <= CopiesAvailable <= TotalCopies.
type Book struct {
	ID              int64
	Title           string
	Author          string
	Genre           string
	ISBN            string
	TotalCopies     int
	CopiesAvailable int
}

// User представляет читателя библиотеки.
type User struct {
	ID        int64
	Name      string
	Email     string
	CreatedAt time.Time
}

// LoanStatus описывает статус выдачи книги.
type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "Active"
	LoanStatusReturned LoanStatus = "Returned"
)

// Loan описывает выдачу одного экземпляра книги читателю на срок.
type Loan struct {
	ID            int64
	BookID        int64
	UserID        int64
	StartDate     time.Time
	EndDate       time.Time
	ReturnedAt    *time.Time
	ExtendedCount int
	Status        LoanStatus
}

// Overdue сообщает, просрочена ли выдача на момент now.
func (l Loan) Overdue(now time.Time) bool {
	return l.Status == LoanStatusActive && l.EndDate.Before(now)
}

// ReservationStatus описывает статус брони.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "Active"
	ReservationStatusReady     ReservationStatus = "Ready"
	ReservationStatusFulfilled ReservationStatus = "Fulfilled"
	ReservationStatusCancelled ReservationStatus = "Cancelled"
	ReservationStatusExpired   ReservationStatus = "Expired"
)

// Cancellable сообщает, допускает ли статус отмену брони.
func (s ReservationStatus) Cancellable() bool {
	return s == ReservationStatusActive || s == ReservationStatusReady
}

// Reservation описывает бронь книги: место читателя в очереди ожидания.
// ExpiresAt заполняется только в статусе Ready.
type Reservation struct {
	ID        int64
	BookID    int64
	UserID    int64
	CreatedAt time.Time
	Status    ReservationStatus
	ExpiresAt *time.Time
}

// FineStatus описывает статус штрафа.
type FineStatus string

const (
	FineStatusUnpaid FineStatus = "Unpaid"
	FineStatusPaid   FineStatus = "Paid"
	FineStatusWaived FineStatus = "Waived"
)

// Fine описывает штраф за просроченную выдачу. Сумма хранится в эре
// (сотых долях кроны), как и все денежные величины сервиса.
type Fine struct {
	ID          int64
	UserID      int64
	LoanID      int64
	AmountCents int64
	Reason      string
	Status      FineStatus
	CreatedAt   time.Time
	PaidAt      *time.Time
}

// Receipt описывает квитанцию об оплате штрафа. Создаётся ровно один раз
// на оплаченный штраф, номер глобально уникален.
type Receipt struct {
	ID            int64
	UserID        int64
	FineID        int64
	ReceiptNumber string
	AmountCents   int64
	IssuedAt      time.Time
}

// Notification описывает уведомление, адресованное читателю.
type Notification struct {
	ID        int64
	UserID    int64
	Message   string
	CreatedAt time.Time
	IsRead    bool
}
