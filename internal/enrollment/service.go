package enrollment

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/atlas-lms/atlas-lms/internal/money"
	"github.com/atlas-lms/atlas-lms/internal/shared"
)

// RepositoryPort defines data access for enrollments.
type RepositoryPort interface {
	Create(ctx context.Context, in CreateInput, year int) (Enrollment, error)
	Get(ctx context.Context, id int64) (Enrollment, error)
	List(ctx context.Context, limit, offset int) ([]Enrollment, int, error)
	UpdateDerived(ctx context.Context, id int64, status Status, paid money.Amount, startedAt *time.Time) error
	Transition(ctx context.Context, id int64, from, to Status, completedAt *time.Time) (Enrollment, error)
	SumPaidPayments(ctx context.Context, enrollmentID int64) (money.Amount, error)
}

// AuditPort records enrollment events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the enrollment lifecycle.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the enrollment service. sink may be nil in tests.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// SetEventSink attaches the reaction layer after construction.
func (s *Service) SetEventSink(sink EventSink) {
	s.sink = sink
}

// Create prices and opens a new enrollment, then emits EnrollmentCreated so
// the reaction layer can cut the invoice and enqueue the receivable posting.
func (s *Service) Create(ctx context.Context, in CreateInput) (Enrollment, error) {
	if !in.TotalAmount.IsPositive() {
		return Enrollment{}, ErrNonPositiveAmount
	}
	e, err := s.repo.Create(ctx, in, s.now().Year())
	if err != nil {
		return Enrollment{}, err
	}
	s.recordAudit(ctx, "enrollment.created", e.ID, map[string]any{
		"reference": e.Reference,
		"total":     e.TotalAmount.String(),
	})
	if s.sink != nil {
		evt := CreatedEvent{
			EnrollmentID:     e.ID,
			Reference:        e.Reference,
			StudentID:        e.StudentID,
			UserID:           e.UserID,
			BranchID:         e.BranchID,
			TotalAmount:      e.TotalAmount,
			InstallmentCount: in.InstallmentCount,
		}
		if err := s.sink.HandleEnrollmentCreated(ctx, evt); err != nil {
			s.logger.Error("enrollment created reactions", slog.Int64("enrollment_id", e.ID), slog.Any("error", err))
		}
	}
	return e, nil
}

// Get loads one enrollment.
func (s *Service) Get(ctx context.Context, id int64) (Enrollment, error) {
	return s.repo.Get(ctx, id)
}

// List pages through enrollments newest first.
func (s *Service) List(ctx context.Context, page, perPage int) ([]Enrollment, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	enrollments, total, err := s.repo.List(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return enrollments, shared.NewPagination(page, perPage, total), nil
}

// RecalcStatus re-derives the payment-driven status from the paid payment
// sum. Terminal enrollments are left untouched; the first transition into
// ACTIVE stamps started_at.
func (s *Service) RecalcStatus(ctx context.Context, id int64) (Enrollment, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return Enrollment{}, err
	}
	paid, err := s.repo.SumPaidPayments(ctx, id)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status.Terminal() {
		if !e.PaidAmount.Equal(paid) {
			if err := s.repo.UpdateDerived(ctx, id, e.Status, paid, nil); err != nil {
				return Enrollment{}, err
			}
			e.PaidAmount = paid
		}
		return e, nil
	}
	next := DeriveStatus(e.TotalAmount, paid)
	var startedAt *time.Time
	if next == StatusActive && e.StartedAt == nil {
		t := s.now()
		startedAt = &t
	}
	if next == e.Status && e.PaidAmount.Equal(paid) {
		return e, nil
	}
	if err := s.repo.UpdateDerived(ctx, id, next, paid, startedAt); err != nil {
		return Enrollment{}, err
	}
	if next != e.Status {
		s.recordAudit(ctx, "enrollment.status_changed", id, map[string]any{
			"from": string(e.Status),
			"to":   string(next),
		})
	}
	e.Status = next
	e.PaidAmount = paid
	if startedAt != nil {
		e.StartedAt = startedAt
	}
	return e, nil
}

// Complete moves an active enrollment to COMPLETED and emits the completion
// event that drives revenue recognition.
func (s *Service) Complete(ctx context.Context, id int64) (Enrollment, error) {
	completedAt := s.now()
	e, err := s.repo.Transition(ctx, id, StatusActive, StatusCompleted, &completedAt)
	if err != nil {
		return Enrollment{}, err
	}
	s.recordAudit(ctx, "enrollment.completed", e.ID, map[string]any{"reference": e.Reference})
	if s.sink != nil {
		evt := CompletedEvent{
			EnrollmentID: e.ID,
			Reference:    e.Reference,
			BranchID:     e.BranchID,
			TotalAmount:  e.TotalAmount,
		}
		if err := s.sink.HandleEnrollmentCompleted(ctx, evt); err != nil {
			s.logger.Error("enrollment completed reactions", slog.Int64("enrollment_id", e.ID), slog.Any("error", err))
		}
	}
	return e, nil
}

// Cancel terminates a not-yet-completed enrollment. The linked invoice is
// cancelled by the caller; posted journals are never touched.
func (s *Service) Cancel(ctx context.Context, id int64) (Enrollment, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status.Terminal() {
		return Enrollment{}, ErrInvalidTransition
	}
	e, err = s.repo.Transition(ctx, id, e.Status, StatusCancelled, nil)
	if err != nil {
		return Enrollment{}, err
	}
	s.recordAudit(ctx, "enrollment.cancelled", e.ID, map[string]any{"reference": e.Reference})
	return e, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if actor := shared.ActorFromContext(ctx); actor != nil {
		actorID = actor.UserID
	}
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "enrollment",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now(),
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
