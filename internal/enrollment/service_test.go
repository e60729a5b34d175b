package enrollment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

type fakeRepo struct {
	nextID      int64
	enrollments map[int64]Enrollment
	paid        map[int64]money.Amount
	seqByYear   map[int]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		enrollments: map[int64]Enrollment{},
		paid:        map[int64]money.Amount{},
		seqByYear:   map[int]int{},
	}
}

func (f *fakeRepo) Create(_ context.Context, in CreateInput, year int) (Enrollment, error) {
	f.nextID++
	f.seqByYear[year]++
	e := Enrollment{
		ID:          f.nextID,
		Reference:   FormatReference(year, f.seqByYear[year]),
		StudentID:   in.StudentID,
		UserID:      in.UserID,
		CourseID:    in.CourseID,
		BranchID:    in.BranchID,
		Status:      StatusPending,
		TotalAmount: in.TotalAmount,
		PaidAmount:  money.Amount{},
		CreatedAt:   time.Now(),
	}
	f.enrollments[e.ID] = e
	return e, nil
}

func (f *fakeRepo) Get(_ context.Context, id int64) (Enrollment, error) {
	e, ok := f.enrollments[id]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	return e, nil
}

func (f *fakeRepo) List(_ context.Context, limit, offset int) ([]Enrollment, int, error) {
	var out []Enrollment
	for _, e := range f.enrollments {
		out = append(out, e)
	}
	return out, len(out), nil
}

func (f *fakeRepo) UpdateDerived(_ context.Context, id int64, status Status, paid money.Amount, startedAt *time.Time) error {
	e, ok := f.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.PaidAmount = paid
	if e.StartedAt == nil && startedAt != nil {
		e.StartedAt = startedAt
	}
	f.enrollments[id] = e
	return nil
}

func (f *fakeRepo) Transition(_ context.Context, id int64, from, to Status, completedAt *time.Time) (Enrollment, error) {
	e, ok := f.enrollments[id]
	if !ok || e.Status != from {
		return Enrollment{}, ErrInvalidTransition
	}
	e.Status = to
	if completedAt != nil {
		e.CompletedAt = completedAt
	}
	f.enrollments[id] = e
	return e, nil
}

func (f *fakeRepo) SumPaidPayments(_ context.Context, enrollmentID int64) (money.Amount, error) {
	return f.paid[enrollmentID], nil
}

type recordingSink struct {
	created   []CreatedEvent
	completed []CompletedEvent
}

func (r *recordingSink) HandleEnrollmentCreated(_ context.Context, evt CreatedEvent) error {
	r.created = append(r.created, evt)
	return nil
}

func (r *recordingSink) HandleEnrollmentCompleted(_ context.Context, evt CompletedEvent) error {
	r.completed = append(r.completed, evt)
	return nil
}

func newTestService(repo *fakeRepo) (*Service, *recordingSink) {
	svc := NewService(repo, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sink := &recordingSink{}
	svc.SetEventSink(sink)
	return svc, sink
}

func TestCreateEmitsEventWithReference(t *testing.T) {
	repo := newFakeRepo()
	svc, sink := newTestService(repo)

	e, err := svc.Create(context.Background(), CreateInput{
		StudentID:        7,
		UserID:           3,
		CourseID:         12,
		TotalAmount:      money.MustParse("250.000"),
		InstallmentCount: 3,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, e.Status)
	require.Regexp(t, `^ENR-\d{4}-000001$`, e.Reference)

	require.Len(t, sink.created, 1)
	require.Equal(t, e.ID, sink.created[0].EnrollmentID)
	require.Equal(t, 3, sink.created[0].InstallmentCount)
}

func TestCreateRejectsNonPositiveTotal(t *testing.T) {
	svc, _ := newTestService(newFakeRepo())

	_, err := svc.Create(context.Background(), CreateInput{StudentID: 1, UserID: 1, CourseID: 1})
	require.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestRecalcStatusProgression(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	e, err := svc.Create(context.Background(), CreateInput{
		StudentID: 1, UserID: 1, CourseID: 1,
		TotalAmount: money.MustParse("100.000"),
	})
	require.NoError(t, err)

	repo.paid[e.ID] = money.MustParse("40.000")
	got, err := svc.RecalcStatus(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingPayment, got.Status)
	require.Nil(t, got.StartedAt)

	repo.paid[e.ID] = money.MustParse("100.000")
	got, err = svc.RecalcStatus(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestRecalcStatusStampsStartedAtOnce(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	e, err := svc.Create(context.Background(), CreateInput{
		StudentID: 1, UserID: 1, CourseID: 1,
		TotalAmount: money.MustParse("100.000"),
	})
	require.NoError(t, err)

	repo.paid[e.ID] = money.MustParse("100.000")
	first, err := svc.RecalcStatus(context.Background(), e.ID)
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)

	// Overpayment changes the paid cache but keeps the original start stamp.
	repo.paid[e.ID] = money.MustParse("120.000")
	second, err := svc.RecalcStatus(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, *first.StartedAt, *second.StartedAt)
}

func TestRecalcStatusTerminalIsSticky(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	e, err := svc.Create(context.Background(), CreateInput{
		StudentID: 1, UserID: 1, CourseID: 1,
		TotalAmount: money.MustParse("100.000"),
	})
	require.NoError(t, err)

	repo.paid[e.ID] = money.MustParse("100.000")
	_, err = svc.RecalcStatus(context.Background(), e.ID)
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), e.ID)
	require.NoError(t, err)

	// A late refund flips payments but not the terminal status.
	repo.paid[e.ID] = money.MustParse("60.000")
	got, err := svc.RecalcStatus(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.True(t, got.PaidAmount.Equal(money.MustParse("60.000")))
}

func TestCompleteRequiresActive(t *testing.T) {
	repo := newFakeRepo()
	svc, sink := newTestService(repo)
	e, err := svc.Create(context.Background(), CreateInput{
		StudentID: 1, UserID: 1, CourseID: 1,
		TotalAmount: money.MustParse("100.000"),
	})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), e.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Empty(t, sink.completed)

	repo.paid[e.ID] = money.MustParse("100.000")
	_, err = svc.RecalcStatus(context.Background(), e.ID)
	require.NoError(t, err)

	got, err := svc.Complete(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, sink.completed, 1)
	require.Equal(t, e.ID, sink.completed[0].EnrollmentID)
}

func TestCancelRejectsTerminal(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	e, err := svc.Create(context.Background(), CreateInput{
		StudentID: 1, UserID: 1, CourseID: 1,
		TotalAmount: money.MustParse("100.000"),
	})
	require.NoError(t, err)

	got, err := svc.Cancel(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	_, err = svc.Cancel(context.Background(), e.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReferenceRoundTrip(t *testing.T) {
	ref := FormatReference(2026, 42)
	require.Equal(t, "ENR-2026-000042", ref)
	require.Equal(t, 42, ParseReferenceSeq(ref))
	require.Equal(t, 0, ParseReferenceSeq("INV-000042"))
}
