package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atlas-lms/atlas-lms/internal/billing"
	"github.com/atlas-lms/atlas-lms/internal/enrollment"
	"github.com/atlas-lms/atlas-lms/internal/ledger"
)

// Queued posting handlers. The queue delivers at least once, so each handler
// is at-most-once on the ledger side: the guard check catches replayed
// deliveries, and the storage-level unique constraint catches the two
// deliveries racing past the guard together. Both outcomes are logged
// no-ops. Precondition failures (missing rows, zero amounts, wrong state)
// are skips too, never an error back to the queue, so a permanently broken
// payload cannot loop forever.

// PostEnrollmentJournal books the receivable when a student enrols:
// Dr Receivable / Cr Deferred Revenue for the enrollment total.
func (h *Hooks) PostEnrollmentJournal(ctx context.Context, enrollmentID int64) error {
	e, err := h.enroll.Get(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, enrollment.ErrNotFound) {
			h.skip("enrollment posting", "enrollment_id", enrollmentID, "enrollment missing")
			return nil
		}
		return err
	}
	if !e.TotalAmount.IsPositive() {
		h.skip("enrollment posting", "enrollment_id", enrollmentID, "zero amount")
		return nil
	}
	chart := h.ledger.Chart()
	return h.postPair(ctx, ledger.PairInput{
		DebitCode:  chart.Receivable,
		CreditCode: chart.DeferredRevenue,
		Amount:     e.TotalAmount,
		Ref:        ledger.Ref{Kind: ledger.RefEnrollment, ID: e.ID},
		BranchID:   e.BranchID,
		Memo:       fmt.Sprintf("enrollment %s", e.Reference),
	}, chart.Receivable)
}

// PostRecognitionJournal recognizes revenue on course completion:
// Dr Deferred Revenue / Cr Training Revenue for the full enrollment total.
func (h *Hooks) PostRecognitionJournal(ctx context.Context, enrollmentID int64) error {
	e, err := h.enroll.Get(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, enrollment.ErrNotFound) {
			h.skip("recognition posting", "enrollment_id", enrollmentID, "enrollment missing")
			return nil
		}
		return err
	}
	if e.Status != enrollment.StatusCompleted {
		h.skip("recognition posting", "enrollment_id", enrollmentID, "enrollment not completed")
		return nil
	}
	if !e.TotalAmount.IsPositive() {
		h.skip("recognition posting", "enrollment_id", enrollmentID, "zero amount")
		return nil
	}
	// The deferred account also appears on the enrollment journal for the
	// same reference, so the revenue account is the discriminating role key.
	chart := h.ledger.Chart()
	return h.postPair(ctx, ledger.PairInput{
		DebitCode:     chart.DeferredRevenue,
		CreditCode:    chart.TrainingRevenue,
		Amount:        e.TotalAmount,
		Ref:           ledger.Ref{Kind: ledger.RefEnrollment, ID: e.ID},
		Discriminator: chart.TrainingRevenue,
		BranchID:      e.BranchID,
		Memo:          fmt.Sprintf("revenue recognition %s", e.Reference),
	}, chart.TrainingRevenue)
}

// PostPaymentJournal books the settlement when a payment is paid:
// Dr Cash or Bank (by method) / Cr Receivable for the payment amount. A
// payment already refunded still gets its journal; the refund books its own
// reversing pair.
func (h *Hooks) PostPaymentJournal(ctx context.Context, paymentID int64) error {
	p, err := h.billing.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, billing.ErrPaymentNotFound) {
			h.skip("payment posting", "payment_id", paymentID, "payment missing")
			return nil
		}
		return err
	}
	if p.Status != billing.PaymentStatusPaid && p.Status != billing.PaymentStatusRefunded {
		h.skip("payment posting", "payment_id", paymentID, "payment not paid")
		return nil
	}
	if !p.Amount.IsPositive() {
		h.skip("payment posting", "payment_id", paymentID, "zero amount")
		return nil
	}
	chart := h.ledger.Chart()
	settle := chart.SettlementCode(p.Method)
	return h.postPair(ctx, ledger.PairInput{
		DebitCode:  settle,
		CreditCode: chart.Receivable,
		Amount:     p.Amount,
		Ref:        ledger.Ref{Kind: ledger.RefPayment, ID: p.ID},
		Memo:       fmt.Sprintf("payment %d for enrollment %d", p.ID, p.EnrollmentID),
	}, settle)
}

// PostRefundJournal books the reversing settlement for a refund:
// Dr Receivable / Cr Cash or Bank for the refunded amount.
func (h *Hooks) PostRefundJournal(ctx context.Context, refundID int64) error {
	r, err := h.billing.GetRefund(ctx, refundID)
	if err != nil {
		if errors.Is(err, billing.ErrRefundNotFound) {
			h.skip("refund posting", "refund_id", refundID, "refund missing")
			return nil
		}
		return err
	}
	if !r.Amount.IsPositive() {
		h.skip("refund posting", "refund_id", refundID, "zero amount")
		return nil
	}
	chart := h.ledger.Chart()
	settle := chart.SettlementCode(r.Method)
	return h.postPair(ctx, ledger.PairInput{
		DebitCode:     chart.Receivable,
		CreditCode:    settle,
		Amount:        r.Amount,
		Ref:           ledger.Ref{Kind: ledger.RefRefund, ID: r.ID},
		Discriminator: settle,
		Memo:          fmt.Sprintf("refund %d of payment %d", r.ID, r.PaymentID),
	}, settle)
}

func (h *Hooks) postPair(ctx context.Context, input ledger.PairInput, discriminator string) error {
	exists, err := h.guard.AlreadyPosted(ctx, input.Ref, discriminator)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := h.ledger.PostPair(ctx, input); err != nil {
		if errors.Is(err, ledger.ErrDuplicatePosting) {
			h.logger.Info("posting raced an earlier delivery, skipping",
				slog.String("ref", input.Ref.String()),
				slog.String("discriminator", discriminator))
			return nil
		}
		return err
	}
	return nil
}

func (h *Hooks) skip(op, idKey string, id int64, reason string) {
	h.logger.Warn(op+" skipped", slog.Int64(idKey, id), slog.String("reason", reason))
}
