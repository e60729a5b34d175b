package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlas-lms/atlas-lms/internal/billing"
	"github.com/atlas-lms/atlas-lms/internal/enrollment"
	"github.com/atlas-lms/atlas-lms/internal/ledger"
)

// Enqueuer pushes deferred ledger postings to the worker queue. Payloads
// carry only ids; the queued handler re-loads current facts before posting.
type Enqueuer interface {
	EnqueuePostEnrollment(ctx context.Context, enrollmentID int64) error
	EnqueuePostRecognition(ctx context.Context, enrollmentID int64) error
	EnqueuePostPayment(ctx context.Context, paymentID int64) error
	EnqueuePostRefund(ctx context.Context, refundID int64) error
}

// LedgerPort is the slice of the posting engine the hooks use.
type LedgerPort interface {
	PostPair(ctx context.Context, input ledger.PairInput) (ledger.Journal, error)
	Chart() ledger.ChartConfig
}

// GuardPort checks for an existing journal before posting.
type GuardPort interface {
	AlreadyPosted(ctx context.Context, ref ledger.Ref, discriminatorCode string) (bool, error)
}

// BillingPort is the slice of the billing service the hooks use.
type BillingPort interface {
	CreateInvoiceForEnrollment(ctx context.Context, in billing.CreateInvoiceInput) (billing.Invoice, error)
	RecomputeInvoice(ctx context.Context, enrollmentID int64) (billing.Invoice, error)
	AllocateToInstallments(ctx context.Context, enrollmentID int64) error
	GetPayment(ctx context.Context, id int64) (billing.Payment, error)
	GetRefund(ctx context.Context, id int64) (billing.Refund, error)
}

// EnrollmentPort is the slice of the enrollment service the hooks use.
type EnrollmentPort interface {
	Get(ctx context.Context, id int64) (enrollment.Enrollment, error)
	RecalcStatus(ctx context.Context, id int64) (enrollment.Enrollment, error)
}

// Hooks is the event reaction layer. Synchronous reactions (invoice
// generation, invoice recompute, enrollment recalc) run inline on the
// emitting request; ledger postings are enqueued and run at least once on
// the worker, where the idempotency guard makes redelivery a no-op.
//
// Every listener is independent: one failing does not stop the others, and
// every queued posting re-derives its facts from storage rather than
// trusting the event payload.
type Hooks struct {
	ledger   LedgerPort
	guard    GuardPort
	billing  BillingPort
	enroll   EnrollmentPort
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewHooks wires the reaction layer.
func NewHooks(ledgerPort LedgerPort, guard GuardPort, billingPort BillingPort, enroll EnrollmentPort, enqueuer Enqueuer, logger *slog.Logger) *Hooks {
	return &Hooks{
		ledger:   ledgerPort,
		guard:    guard,
		billing:  billingPort,
		enroll:   enroll,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// HandleEnrollmentCreated generates the AR invoice synchronously and queues
// the receivable posting. An enrollment without a user cannot be invoiced;
// that is a precondition skip, not an error.
func (h *Hooks) HandleEnrollmentCreated(ctx context.Context, evt enrollment.CreatedEvent) error {
	var errs []error
	_, err := h.billing.CreateInvoiceForEnrollment(ctx, billing.CreateInvoiceInput{
		EnrollmentID:     evt.EnrollmentID,
		UserID:           evt.UserID,
		BranchID:         evt.BranchID,
		TotalAmount:      evt.TotalAmount,
		InstallmentCount: evt.InstallmentCount,
		FirstDueDate:     time.Now().AddDate(0, 1, 0),
	})
	if err != nil {
		if errors.Is(err, billing.ErrMissingUser) || errors.Is(err, billing.ErrNonPositiveAmount) {
			h.logger.Warn("invoice generation skipped",
				slog.Int64("enrollment_id", evt.EnrollmentID), slog.Any("reason", err))
		} else {
			errs = append(errs, fmt.Errorf("events: create invoice: %w", err))
		}
	}
	if err := h.enqueuer.EnqueuePostEnrollment(ctx, evt.EnrollmentID); err != nil {
		errs = append(errs, fmt.Errorf("events: enqueue enrollment posting: %w", err))
	}
	return errors.Join(errs...)
}

// HandleEnrollmentCompleted queues the revenue recognition posting.
func (h *Hooks) HandleEnrollmentCompleted(ctx context.Context, evt enrollment.CompletedEvent) error {
	if err := h.enqueuer.EnqueuePostRecognition(ctx, evt.EnrollmentID); err != nil {
		return fmt.Errorf("events: enqueue recognition posting: %w", err)
	}
	return nil
}

// HandlePaymentPaid recomputes the invoice and the enrollment status inline
// and queues the cash journal.
func (h *Hooks) HandlePaymentPaid(ctx context.Context, evt billing.PaymentPaidEvent) error {
	var errs []error
	if _, err := h.billing.RecomputeInvoice(ctx, evt.EnrollmentID); err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			h.logger.Warn("invoice recompute skipped, no invoice",
				slog.Int64("enrollment_id", evt.EnrollmentID))
		} else {
			errs = append(errs, fmt.Errorf("events: recompute invoice: %w", err))
		}
	}
	if _, err := h.enroll.RecalcStatus(ctx, evt.EnrollmentID); err != nil {
		errs = append(errs, fmt.Errorf("events: recalc enrollment: %w", err))
	}
	if err := h.enqueuer.EnqueuePostPayment(ctx, evt.PaymentID); err != nil {
		errs = append(errs, fmt.Errorf("events: enqueue payment posting: %w", err))
	}
	return errors.Join(errs...)
}

// HandleRefundCreated re-derives invoice, installments and enrollment status
// after the claw-back and queues the reversing cash journal.
func (h *Hooks) HandleRefundCreated(ctx context.Context, evt billing.RefundCreatedEvent) error {
	var errs []error
	if _, err := h.billing.RecomputeInvoice(ctx, evt.EnrollmentID); err != nil && !errors.Is(err, billing.ErrInvoiceNotFound) {
		errs = append(errs, fmt.Errorf("events: recompute invoice: %w", err))
	}
	if err := h.billing.AllocateToInstallments(ctx, evt.EnrollmentID); err != nil {
		errs = append(errs, fmt.Errorf("events: reallocate installments: %w", err))
	}
	if _, err := h.enroll.RecalcStatus(ctx, evt.EnrollmentID); err != nil {
		errs = append(errs, fmt.Errorf("events: recalc enrollment: %w", err))
	}
	if err := h.enqueuer.EnqueuePostRefund(ctx, evt.RefundID); err != nil {
		errs = append(errs, fmt.Errorf("events: enqueue refund posting: %w", err))
	}
	return errors.Join(errs...)
}
