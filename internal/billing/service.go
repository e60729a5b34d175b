package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-lms/atlas-lms/internal/money"
	"github.com/atlas-lms/atlas-lms/internal/shared"
)

// RepositoryPort defines data access for AR invoices, installments and
// payments.
type RepositoryPort interface {
	InsertInvoice(ctx context.Context, in CreateInvoiceInput, issuedAt time.Time) (Invoice, error)
	InsertInstallments(ctx context.Context, invoiceID int64, installments []Installment) error
	GetInvoiceByEnrollment(ctx context.Context, enrollmentID int64) (Invoice, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, limit, offset int) ([]Invoice, int, error)
	UpdateInvoiceDerived(ctx context.Context, invoiceID int64, due money.Amount, status InvoiceStatus) error
	CancelInvoice(ctx context.Context, invoiceID int64) error
	SumPaidPayments(ctx context.Context, enrollmentID int64) (money.Amount, error)
	ListInstallments(ctx context.Context, invoiceID int64) ([]Installment, error)
	UpdateInstallment(ctx context.Context, id int64, status InstallmentStatus, paidAmount money.Amount, paidAt *time.Time) error
	MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error)
	InsertPayment(ctx context.Context, in RegisterPaymentInput) (Payment, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	ListPayments(ctx context.Context, enrollmentID int64) ([]Payment, error)
	TransitionPayment(ctx context.Context, id int64, from, to PaymentStatus, paidAt *time.Time) (Payment, error)
	InsertRefund(ctx context.Context, refund Refund) (Refund, error)
	GetRefund(ctx context.Context, id int64) (Refund, error)
}

// AuditPort records billing events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service handles the AR invoice and payment lifecycle.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the billing service. sink may be nil in tests.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// SetEventSink attaches the reaction layer after construction; the sink and
// the service reference each other at wiring time.
func (s *Service) SetEventSink(sink EventSink) {
	s.sink = sink
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateInvoiceForEnrollment generates the enrollment's single AR invoice.
// The operation is idempotent on enrollment id: a second delivery of the same
// enrollment-created event finds the existing invoice and returns it
// unchanged. An enrollment without a user is a precondition failure: logged,
// skipped, never an error to the event bus.
func (s *Service) CreateInvoiceForEnrollment(ctx context.Context, in CreateInvoiceInput) (Invoice, error) {
	if in.EnrollmentID == 0 {
		return Invoice{}, errors.New("billing: enrollment id required")
	}
	if in.UserID == 0 {
		return Invoice{}, ErrMissingUser
	}
	if !in.TotalAmount.IsPositive() {
		return Invoice{}, ErrNonPositiveAmount
	}
	if existing, err := s.repo.GetInvoiceByEnrollment(ctx, in.EnrollmentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrInvoiceNotFound) {
		return Invoice{}, err
	}
	invoice, err := s.repo.InsertInvoice(ctx, in, s.now())
	if err != nil {
		if errors.Is(err, ErrInvoiceExists) {
			// Lost the race against a concurrent redelivery; the winner's
			// invoice is the invoice.
			return s.repo.GetInvoiceByEnrollment(ctx, in.EnrollmentID)
		}
		return Invoice{}, err
	}
	if in.InstallmentCount > 1 {
		plan := buildInstallmentPlan(in.TotalAmount, in.InstallmentCount, in.FirstDueDate)
		if err := s.repo.InsertInstallments(ctx, invoice.ID, plan); err != nil {
			return Invoice{}, err
		}
		invoice.Installments = plan
	}
	s.recordAudit(ctx, 0, "invoice.generated", invoice.ID, map[string]any{
		"number":        invoice.Number,
		"enrollment_id": invoice.EnrollmentID,
		"total":         invoice.TotalAmount.String(),
	})
	return invoice, nil
}

// RecomputeInvoice re-derives due_amount and status from the payment ledger:
// due = max(0, total - sum of paid payments). Runs synchronously on every
// paid payment so the new status is visible to any read in the same request.
func (s *Service) RecomputeInvoice(ctx context.Context, enrollmentID int64) (Invoice, error) {
	invoice, err := s.repo.GetInvoiceByEnrollment(ctx, enrollmentID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.Status == InvoiceStatusCanceled {
		return invoice, nil
	}
	paid, err := s.repo.SumPaidPayments(ctx, enrollmentID)
	if err != nil {
		return Invoice{}, err
	}
	due := invoice.TotalAmount.Sub(paid).Max0()
	status := DeriveStatus(invoice.TotalAmount, due)
	if due.Equal(invoice.DueAmount) && status == invoice.Status {
		return invoice, nil
	}
	if err := s.repo.UpdateInvoiceDerived(ctx, invoice.ID, due, status); err != nil {
		return Invoice{}, err
	}
	invoice.DueAmount = due
	invoice.Status = status
	return invoice, nil
}

// CancelInvoice is the only path to CANCELED, always an explicit action.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID, actorID int64) error {
	if err := s.repo.CancelInvoice(ctx, invoiceID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "invoice.cancel", invoiceID, nil)
	return nil
}

// GetInvoice loads an invoice with installments.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// InvoiceForEnrollment loads the invoice owned by an enrollment.
func (s *Service) InvoiceForEnrollment(ctx context.Context, enrollmentID int64) (Invoice, error) {
	return s.repo.GetInvoiceByEnrollment(ctx, enrollmentID)
}

// ListInvoices pages through invoices newest first.
func (s *Service) ListInvoices(ctx context.Context, page, perPage int) ([]Invoice, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	invoices, total, err := s.repo.ListInvoices(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return invoices, shared.NewPagination(page, perPage, total), nil
}

// RegisterPayment records a pending payment against an enrollment.
func (s *Service) RegisterPayment(ctx context.Context, in RegisterPaymentInput) (Payment, error) {
	if in.EnrollmentID == 0 {
		return Payment{}, errors.New("billing: enrollment id required")
	}
	if !in.Amount.IsPositive() {
		return Payment{}, ErrNonPositiveAmount
	}
	if in.Method == "" {
		in.Method = "cash"
	}
	if in.GatewayRef == "" {
		// Manual payments get a synthetic reference so reconciliation exports
		// always have a stable key per payment row.
		in.GatewayRef = uuid.NewString()
	}
	return s.repo.InsertPayment(ctx, in)
}

// MarkPaymentPaid transitions PENDING -> PAID, allocates the proceeds to the
// installment plan and notifies the reaction layer. Only the transition
// itself can fail the operation; sink failures are isolated and logged.
func (s *Service) MarkPaymentPaid(ctx context.Context, paymentID int64) (Payment, error) {
	paidAt := s.now()
	payment, err := s.repo.TransitionPayment(ctx, paymentID, PaymentStatusPending, PaymentStatusPaid, &paidAt)
	if err != nil {
		return Payment{}, err
	}
	s.recordAudit(ctx, 0, "payment.paid", payment.ID, map[string]any{
		"enrollment_id": payment.EnrollmentID,
		"amount":        payment.Amount.String(),
		"method":        payment.Method,
	})
	if err := s.AllocateToInstallments(ctx, payment.EnrollmentID); err != nil {
		s.logger.Error("allocate installments", slog.Int64("payment_id", payment.ID), slog.Any("error", err))
	}
	if s.sink != nil {
		if err := s.sink.HandlePaymentPaid(ctx, PaymentPaidEvent{
			PaymentID:     payment.ID,
			EnrollmentID:  payment.EnrollmentID,
			InstallmentID: payment.InstallmentID,
			Amount:        payment.Amount,
			Method:        payment.Method,
		}); err != nil {
			s.logger.Error("payment paid reactions", slog.Int64("payment_id", payment.ID), slog.Any("error", err))
		}
	}
	return payment, nil
}

// MarkPaymentFailed transitions PENDING -> FAILED.
func (s *Service) MarkPaymentFailed(ctx context.Context, paymentID int64) (Payment, error) {
	return s.repo.TransitionPayment(ctx, paymentID, PaymentStatusPending, PaymentStatusFailed, nil)
}

// CreateRefund records a refund for a PAID payment, flips the payment to
// REFUNDED and notifies the reaction layer so a reversing cash journal is
// posted.
func (s *Service) CreateRefund(ctx context.Context, paymentID int64, reason string, actorID int64) (Refund, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return Refund{}, err
	}
	if payment.Status != PaymentStatusPaid {
		return Refund{}, fmt.Errorf("%w: refund requires a paid payment", ErrInvalidPaymentState)
	}
	if _, err := s.repo.TransitionPayment(ctx, paymentID, PaymentStatusPaid, PaymentStatusRefunded, nil); err != nil {
		return Refund{}, err
	}
	refund, err := s.repo.InsertRefund(ctx, Refund{
		PaymentID:    payment.ID,
		EnrollmentID: payment.EnrollmentID,
		Amount:       payment.Amount,
		Method:       payment.Method,
		Reason:       reason,
		CreatedBy:    actorID,
	})
	if err != nil {
		return Refund{}, err
	}
	s.recordAudit(ctx, actorID, "payment.refund", refund.ID, map[string]any{
		"payment_id": payment.ID,
		"amount":     refund.Amount.String(),
	})
	if s.sink != nil {
		if err := s.sink.HandleRefundCreated(ctx, RefundCreatedEvent{
			RefundID:     refund.ID,
			PaymentID:    payment.ID,
			EnrollmentID: payment.EnrollmentID,
			Amount:       refund.Amount,
			Method:       payment.Method,
		}); err != nil {
			s.logger.Error("refund reactions", slog.Int64("refund_id", refund.ID), slog.Any("error", err))
		}
	}
	return refund, nil
}

// GetPayment loads one payment.
func (s *Service) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// GetRefund loads one refund.
func (s *Service) GetRefund(ctx context.Context, id int64) (Refund, error) {
	return s.repo.GetRefund(ctx, id)
}

// SumPaid exposes the paid-payment total for an enrollment.
func (s *Service) SumPaid(ctx context.Context, enrollmentID int64) (money.Amount, error) {
	return s.repo.SumPaidPayments(ctx, enrollmentID)
}

// AllocateToInstallments walks the plan in order and fills installments from
// the cumulative paid total. The allocation is re-derived from current facts
// on every call, so redelivery and out-of-order listeners converge on the
// same result.
func (s *Service) AllocateToInstallments(ctx context.Context, enrollmentID int64) error {
	invoice, err := s.repo.GetInvoiceByEnrollment(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			return nil
		}
		return err
	}
	installments, err := s.repo.ListInstallments(ctx, invoice.ID)
	if err != nil || len(installments) == 0 {
		return err
	}
	remaining, err := s.repo.SumPaidPayments(ctx, enrollmentID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, inst := range installments {
		var paidAmount money.Amount
		switch {
		case remaining.Cmp(inst.Amount) >= 0:
			paidAmount = inst.Amount
		case remaining.IsPositive():
			paidAmount = remaining
		default:
			paidAmount = money.Zero
		}
		remaining = remaining.Sub(paidAmount).Max0()

		status := inst.Status
		var paidAt *time.Time
		if paidAmount.Equal(inst.Amount) {
			status = InstallmentStatusPaid
			if inst.PaidAt != nil {
				paidAt = inst.PaidAt
			} else {
				paidAt = &now
			}
		} else if inst.Status == InstallmentStatusPaid {
			// A refund can claw an installment back to pending.
			status = InstallmentStatusPending
		}
		if status == inst.Status && paidAmount.Equal(inst.PaidAmount) {
			continue
		}
		if err := s.repo.UpdateInstallment(ctx, inst.ID, status, paidAmount, paidAt); err != nil {
			return err
		}
	}
	return nil
}

// MarkOverdue flips pending installments whose due date has passed. Invoked
// by the daily cron job.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	return s.repo.MarkOverdueInstallments(ctx, asOf)
}

func buildInstallmentPlan(total money.Amount, count int, firstDue time.Time) []Installment {
	if firstDue.IsZero() {
		firstDue = time.Now()
	}
	per := money.FromDecimal(total.Decimal().Div(decimal.NewFromInt(int64(count))))
	plan := make([]Installment, 0, count)
	allocated := money.Zero
	for i := 1; i <= count; i++ {
		amount := per
		if i == count {
			// Remainder lands on the last installment so the plan sums to
			// the invoice total exactly.
			amount = total.Sub(allocated)
		}
		allocated = allocated.Add(amount)
		plan = append(plan, Installment{
			Seq:     i,
			DueDate: firstDue.AddDate(0, i-1, 0),
			Amount:  amount,
			Status:  InstallmentStatusPending,
		})
	}
	return plan
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "billing",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
		At:       s.now(),
	})
}
