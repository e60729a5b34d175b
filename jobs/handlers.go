package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/atlas-lms/atlas-lms/internal/jobs"
)

// PostingHooks is the queued side of the event reaction layer.
type PostingHooks interface {
	PostEnrollmentJournal(ctx context.Context, enrollmentID int64) error
	PostRecognitionJournal(ctx context.Context, enrollmentID int64) error
	PostPaymentJournal(ctx context.Context, paymentID int64) error
	PostRefundJournal(ctx context.Context, refundID int64) error
}

// OverdueMarker flips pending installments past their due date.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// IntegrityScanner lists posted journals whose lines drifted out of balance.
type IntegrityScanner interface {
	UnbalancedJournals(ctx context.Context) ([]int64, error)
}

// Handlers binds task types to the reaction layer. A malformed payload is
// dropped with SkipRetry; only transient infrastructure failures are returned
// to the queue for retry.
type Handlers struct {
	hooks   PostingHooks
	overdue OverdueMarker
	scanner IntegrityScanner
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewHandlers constructs the worker-side task handlers.
func NewHandlers(hooks PostingHooks, overdue OverdueMarker, scanner IntegrityScanner, metrics *jobmetrics.Metrics, logger *slog.Logger) *Handlers {
	return &Handlers{hooks: hooks, overdue: overdue, scanner: scanner, metrics: metrics, logger: logger}
}

// TaskHandlers returns the registrations for the worker mux.
func (h *Handlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskLedgerPostEnrollment, Handler: h.handlePostEnrollment},
		{Type: TaskLedgerPostRecognition, Handler: h.handlePostRecognition},
		{Type: TaskLedgerPostPayment, Handler: h.handlePostPayment},
		{Type: TaskLedgerPostRefund, Handler: h.handlePostRefund},
		{Type: TaskInstallmentsOverdue, Handler: h.handleInstallmentsOverdue},
		{Type: TaskLedgerIntegrityScan, Handler: h.handleIntegrityScan},
	}
}

func (h *Handlers) handlePostEnrollment(ctx context.Context, t *asynq.Task) error {
	var payload EnrollmentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := h.metrics.Track(TaskLedgerPostEnrollment)
	err := h.hooks.PostEnrollmentJournal(ctx, payload.EnrollmentID)
	h.countPosting(TaskLedgerPostEnrollment, err)
	return tracker.End(err)
}

func (h *Handlers) handlePostRecognition(ctx context.Context, t *asynq.Task) error {
	var payload EnrollmentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := h.metrics.Track(TaskLedgerPostRecognition)
	err := h.hooks.PostRecognitionJournal(ctx, payload.EnrollmentID)
	h.countPosting(TaskLedgerPostRecognition, err)
	return tracker.End(err)
}

func (h *Handlers) handlePostPayment(ctx context.Context, t *asynq.Task) error {
	var payload PaymentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := h.metrics.Track(TaskLedgerPostPayment)
	err := h.hooks.PostPaymentJournal(ctx, payload.PaymentID)
	h.countPosting(TaskLedgerPostPayment, err)
	return tracker.End(err)
}

func (h *Handlers) handlePostRefund(ctx context.Context, t *asynq.Task) error {
	var payload RefundPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := h.metrics.Track(TaskLedgerPostRefund)
	err := h.hooks.PostRefundJournal(ctx, payload.RefundID)
	h.countPosting(TaskLedgerPostRefund, err)
	return tracker.End(err)
}

func (h *Handlers) handleInstallmentsOverdue(ctx context.Context, _ *asynq.Task) error {
	tracker := h.metrics.Track(TaskInstallmentsOverdue)
	flipped, err := h.overdue.MarkOverdue(ctx, time.Now())
	if err == nil && flipped > 0 {
		h.logger.Info("installments marked overdue", slog.Int64("count", flipped))
	}
	return tracker.End(err)
}

func (h *Handlers) handleIntegrityScan(ctx context.Context, _ *asynq.Task) error {
	tracker := h.metrics.Track(TaskLedgerIntegrityScan)
	ids, err := h.scanner.UnbalancedJournals(ctx)
	if err == nil && len(ids) > 0 {
		h.logger.Error("unbalanced posted journals found", slog.Any("journal_ids", ids))
		h.metrics.AddUnbalanced(len(ids))
	}
	return tracker.End(err)
}

func (h *Handlers) countPosting(task string, err error) {
	outcome := "posted"
	if err != nil {
		outcome = "error"
	}
	h.metrics.AddPosting(task, outcome)
}
