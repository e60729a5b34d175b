package billing

import (
	"context"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// PaymentPaidEvent fires when a payment transitions to PAID.
type PaymentPaidEvent struct {
	PaymentID     int64
	EnrollmentID  int64
	InstallmentID *int64
	Amount        money.Amount
	Method        string
}

// RefundCreatedEvent fires when a refund is recorded against a paid payment.
type RefundCreatedEvent struct {
	RefundID     int64
	PaymentID    int64
	EnrollmentID int64
	Amount       money.Amount
	Method       string
}

// EventSink receives billing domain events for ledger integration. Listeners
// are independent and must each be idempotent; a failing sink never unwinds
// the payment state change that triggered it.
type EventSink interface {
	HandlePaymentPaid(ctx context.Context, evt PaymentPaidEvent) error
	HandleRefundCreated(ctx context.Context, evt RefundCreatedEvent) error
}
