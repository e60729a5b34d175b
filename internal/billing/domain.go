package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// InvoiceStatus enumerates AR invoice states. The status is derived from the
// payment ledger and never settable by users; canceled is the one exception,
// reached only through an explicit cancel action.
type InvoiceStatus string

const (
	InvoiceStatusOpen     InvoiceStatus = "OPEN"
	InvoiceStatusPartial  InvoiceStatus = "PARTIAL"
	InvoiceStatusPaid     InvoiceStatus = "PAID"
	InvoiceStatusCanceled InvoiceStatus = "CANCELED"
)

// InstallmentStatus enumerates installment states.
type InstallmentStatus string

const (
	InstallmentStatusPending InstallmentStatus = "PENDING"
	InstallmentStatusPaid    InstallmentStatus = "PAID"
	InstallmentStatusOverdue InstallmentStatus = "OVERDUE"
)

// PaymentStatus enumerates payment states.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Invoice is the AR document owned one-to-one by an enrollment. TotalAmount
// is a snapshot of the enrollment price at creation; DueAmount is always
// recomputed from paid payments, never edited independently.
type Invoice struct {
	ID           int64
	Number       string
	EnrollmentID int64
	UserID       int64
	BranchID     *int64
	TotalAmount  money.Amount
	DueAmount    money.Amount
	Status       InvoiceStatus
	IssuedAt     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Installments []Installment
}

// Installment is one slice of an invoice's payment plan.
type Installment struct {
	ID         int64
	InvoiceID  int64
	Seq        int
	DueDate    time.Time
	Amount     money.Amount
	Status     InstallmentStatus
	PaidAmount money.Amount
	PaidAt     *time.Time
}

// Payment funds due-amount reduction once it reaches PAID.
type Payment struct {
	ID            int64
	EnrollmentID  int64
	InstallmentID *int64
	Amount        money.Amount
	Method        string
	Status        PaymentStatus
	GatewayRef    string
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Refund reverses a paid payment financially.
type Refund struct {
	ID           int64
	PaymentID    int64
	EnrollmentID int64
	Amount       money.Amount
	Method       string
	Reason       string
	CreatedBy    int64
	CreatedAt    time.Time
}

// CreateInvoiceInput carries the enrollment facts needed for invoice
// generation. Callers pass plain fields, not the enrollment entity, so the
// billing module stays independent of the enrollment package.
type CreateInvoiceInput struct {
	EnrollmentID     int64
	UserID           int64
	BranchID         *int64
	TotalAmount      money.Amount
	InstallmentCount int
	FirstDueDate     time.Time
}

// RegisterPaymentInput describes a new pending payment.
type RegisterPaymentInput struct {
	EnrollmentID  int64
	InstallmentID *int64
	Amount        money.Amount
	Method        string
	GatewayRef    string
}

var (
	// ErrInvoiceNotFound indicates a missing invoice.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrPaymentNotFound indicates a missing payment.
	ErrPaymentNotFound = errors.New("billing: payment not found")
	// ErrRefundNotFound indicates a missing refund.
	ErrRefundNotFound = errors.New("billing: refund not found")
	// ErrMissingUser indicates an enrollment without a linked user; invoice
	// creation is skipped and logged, never propagated to the event bus.
	ErrMissingUser = errors.New("billing: enrollment has no user")
	// ErrInvoiceExists indicates the enrollment already owns an invoice.
	ErrInvoiceExists = errors.New("billing: invoice already generated for enrollment")
	// ErrInvalidPaymentState indicates a payment transition that is not allowed.
	ErrInvalidPaymentState = errors.New("billing: invalid payment state")
	// ErrNonPositiveAmount rejects zero or negative monetary input.
	ErrNonPositiveAmount = errors.New("billing: amount must be positive")
)

// DeriveStatus computes the invoice status for a due amount against a total.
func DeriveStatus(total, due money.Amount) InvoiceStatus {
	switch {
	case due.IsZero():
		return InvoiceStatusPaid
	case due.Cmp(total) < 0:
		return InvoiceStatusPartial
	default:
		return InvoiceStatusOpen
	}
}

// InvoiceNumber renders the human-facing invoice id.
func InvoiceNumber(id int64) string {
	return fmt.Sprintf("INV-%06d", id)
}
