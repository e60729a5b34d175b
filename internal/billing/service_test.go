package billing

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
	invoices       map[int64]Invoice
	byEnrollment   map[int64]int64
	installments   map[int64][]Installment
	payments       map[int64]Payment
	refunds        map[int64]Refund
	nextID         int64
	insertRaces  int // when > 0, InsertInvoice records the row but reports ErrInvoiceExists
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		invoices:     map[int64]Invoice{},
		byEnrollment: map[int64]int64{},
		installments: map[int64][]Installment{},
		payments:     map[int64]Payment{},
		refunds:      map[int64]Refund{},
	}
}

func (f *fakeRepo) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRepo) InsertInvoice(_ context.Context, in CreateInvoiceInput, issuedAt time.Time) (Invoice, error) {
	if _, ok := f.byEnrollment[in.EnrollmentID]; ok {
		return Invoice{}, ErrInvoiceExists
	}
	inv := Invoice{
		ID:           f.id(),
		EnrollmentID: in.EnrollmentID,
		UserID:       in.UserID,
		BranchID:     in.BranchID,
		TotalAmount:  in.TotalAmount,
		DueAmount:    in.TotalAmount,
		Status:       InvoiceStatusOpen,
		IssuedAt:     issuedAt,
	}
	inv.Number = InvoiceNumber(inv.ID)
	f.invoices[inv.ID] = inv
	f.byEnrollment[in.EnrollmentID] = inv.ID
	if f.insertRaces > 0 {
		f.insertRaces--
		return Invoice{}, ErrInvoiceExists
	}
	return inv, nil
}

func (f *fakeRepo) InsertInstallments(_ context.Context, invoiceID int64, installments []Installment) error {
	withIDs := make([]Installment, len(installments))
	for i, inst := range installments {
		inst.ID = f.id()
		inst.InvoiceID = invoiceID
		withIDs[i] = inst
	}
	f.installments[invoiceID] = withIDs
	return nil
}

func (f *fakeRepo) GetInvoiceByEnrollment(_ context.Context, enrollmentID int64) (Invoice, error) {
	id, ok := f.byEnrollment[enrollmentID]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return f.invoices[id], nil
}

func (f *fakeRepo) GetInvoice(_ context.Context, id int64) (Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	inv.Installments = f.installments[id]
	return inv, nil
}

func (f *fakeRepo) ListInvoices(context.Context, int, int) ([]Invoice, int, error) {
	return nil, 0, nil
}

func (f *fakeRepo) UpdateInvoiceDerived(_ context.Context, invoiceID int64, due money.Amount, status InvoiceStatus) error {
	inv := f.invoices[invoiceID]
	inv.DueAmount = due
	inv.Status = status
	f.invoices[invoiceID] = inv
	return nil
}

func (f *fakeRepo) CancelInvoice(_ context.Context, invoiceID int64) error {
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Status = InvoiceStatusCanceled
	f.invoices[invoiceID] = inv
	return nil
}

func (f *fakeRepo) SumPaidPayments(_ context.Context, enrollmentID int64) (money.Amount, error) {
	total := money.Zero
	for _, p := range f.payments {
		if p.EnrollmentID == enrollmentID && p.Status == PaymentStatusPaid {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (f *fakeRepo) ListInstallments(_ context.Context, invoiceID int64) ([]Installment, error) {
	return f.installments[invoiceID], nil
}

func (f *fakeRepo) UpdateInstallment(_ context.Context, id int64, status InstallmentStatus, paidAmount money.Amount, paidAt *time.Time) error {
	for invoiceID, plan := range f.installments {
		for i, inst := range plan {
			if inst.ID == id {
				inst.Status = status
				inst.PaidAmount = paidAmount
				inst.PaidAt = paidAt
				f.installments[invoiceID][i] = inst
				return nil
			}
		}
	}
	return ErrInvoiceNotFound
}

func (f *fakeRepo) MarkOverdueInstallments(_ context.Context, asOf time.Time) (int64, error) {
	var flipped int64
	for invoiceID, plan := range f.installments {
		for i, inst := range plan {
			if inst.Status == InstallmentStatusPending && inst.DueDate.Before(asOf) {
				inst.Status = InstallmentStatusOverdue
				f.installments[invoiceID][i] = inst
				flipped++
			}
		}
	}
	return flipped, nil
}

func (f *fakeRepo) InsertPayment(_ context.Context, in RegisterPaymentInput) (Payment, error) {
	p := Payment{
		ID:            f.id(),
		EnrollmentID:  in.EnrollmentID,
		InstallmentID: in.InstallmentID,
		Amount:        in.Amount,
		Method:        in.Method,
		Status:        PaymentStatusPending,
		GatewayRef:    in.GatewayRef,
	}
	f.payments[p.ID] = p
	return p, nil
}

func (f *fakeRepo) GetPayment(_ context.Context, id int64) (Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (f *fakeRepo) ListPayments(_ context.Context, enrollmentID int64) ([]Payment, error) {
	var out []Payment
	for _, p := range f.payments {
		if p.EnrollmentID == enrollmentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRepo) TransitionPayment(_ context.Context, id int64, from, to PaymentStatus, paidAt *time.Time) (Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	if p.Status != from {
		return Payment{}, ErrInvalidPaymentState
	}
	p.Status = to
	if paidAt != nil {
		p.PaidAt = paidAt
	}
	f.payments[id] = p
	return p, nil
}

func (f *fakeRepo) InsertRefund(_ context.Context, refund Refund) (Refund, error) {
	refund.ID = f.id()
	f.refunds[refund.ID] = refund
	return refund, nil
}

func (f *fakeRepo) GetRefund(_ context.Context, id int64) (Refund, error) {
	r, ok := f.refunds[id]
	if !ok {
		return Refund{}, ErrRefundNotFound
	}
	return r, nil
}

type recordingSink struct {
	paid    []PaymentPaidEvent
	refunds []RefundCreatedEvent
}

func (s *recordingSink) HandlePaymentPaid(_ context.Context, evt PaymentPaidEvent) error {
	s.paid = append(s.paid, evt)
	return nil
}

func (s *recordingSink) HandleRefundCreated(_ context.Context, evt RefundCreatedEvent) error {
	s.refunds = append(s.refunds, evt)
	return nil
}

func newTestService(repo *fakeRepo) (*Service, *recordingSink) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, nil, logger)
	sink := &recordingSink{}
	svc.SetEventSink(sink)
	return svc, sink
}

func invoiceInput(installments int) CreateInvoiceInput {
	return CreateInvoiceInput{
		EnrollmentID:     7,
		UserID:           3,
		TotalAmount:      money.MustParse("100.000"),
		InstallmentCount: installments,
		FirstDueDate:     time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateInvoiceIsIdempotentPerEnrollment(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	first, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(1))
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusOpen, first.Status)
	require.Equal(t, "100.000", first.DueAmount.String())

	second, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(1))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.invoices, 1)
}

func TestCreateInvoiceSurvivesInsertRace(t *testing.T) {
	repo := newFakeRepo()
	repo.insertRaces = 1
	svc, _ := newTestService(repo)

	invoice, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(1))
	require.NoError(t, err)
	require.NotZero(t, invoice.ID)
	require.Len(t, repo.invoices, 1)
}

func TestCreateInvoiceRequiresUser(t *testing.T) {
	svc, _ := newTestService(newFakeRepo())

	in := invoiceInput(1)
	in.UserID = 0
	_, err := svc.CreateInvoiceForEnrollment(context.Background(), in)
	require.ErrorIs(t, err, ErrMissingUser)
}

func TestInstallmentPlanSumsToTotal(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	in := invoiceInput(3)
	invoice, err := svc.CreateInvoiceForEnrollment(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, invoice.Installments, 3)

	total := money.Zero
	for _, inst := range invoice.Installments {
		total = total.Add(inst.Amount)
		require.Equal(t, InstallmentStatusPending, inst.Status)
	}
	require.Equal(t, "100.000", total.String())
	// Monthly cadence from the first due date.
	require.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), invoice.Installments[0].DueDate)
	require.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), invoice.Installments[1].DueDate)
}

func TestRecomputeInvoiceDerivesStatusFromPayments(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	_, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(1))
	require.NoError(t, err)

	payment, err := svc.RegisterPayment(context.Background(), RegisterPaymentInput{
		EnrollmentID: 7,
		Amount:       money.MustParse("40.000"),
	})
	require.NoError(t, err)
	require.Equal(t, PaymentStatusPending, payment.Status)

	// Pending payments do not reduce the due amount.
	invoice, err := svc.RecomputeInvoice(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusOpen, invoice.Status)
	require.Equal(t, "100.000", invoice.DueAmount.String())

	_, err = svc.MarkPaymentPaid(context.Background(), payment.ID)
	require.NoError(t, err)

	invoice, err = svc.RecomputeInvoice(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPartial, invoice.Status)
	require.Equal(t, "60.000", invoice.DueAmount.String())

	rest, err := svc.RegisterPayment(context.Background(), RegisterPaymentInput{
		EnrollmentID: 7,
		Amount:       money.MustParse("60.000"),
	})
	require.NoError(t, err)
	_, err = svc.MarkPaymentPaid(context.Background(), rest.ID)
	require.NoError(t, err)

	invoice, err = svc.RecomputeInvoice(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, invoice.Status)
	require.True(t, invoice.DueAmount.IsZero())
}

func TestRecomputeLeavesCanceledInvoiceAlone(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	invoice, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(1))
	require.NoError(t, err)
	require.NoError(t, svc.CancelInvoice(context.Background(), invoice.ID, 1))

	recomputed, err := svc.RecomputeInvoice(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusCanceled, recomputed.Status)
}

func TestMarkPaymentPaidEmitsEventAndAllocates(t *testing.T) {
	repo := newFakeRepo()
	svc, sink := newTestService(repo)

	invoice, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(2))
	require.NoError(t, err)

	payment, err := svc.RegisterPayment(context.Background(), RegisterPaymentInput{
		EnrollmentID: 7,
		Amount:       money.MustParse("50.000"),
		Method:       "transfer",
	})
	require.NoError(t, err)
	require.NotEmpty(t, payment.GatewayRef)

	paid, err := svc.MarkPaymentPaid(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	require.Len(t, sink.paid, 1)
	require.Equal(t, payment.ID, sink.paid[0].PaymentID)
	require.Equal(t, "transfer", sink.paid[0].Method)

	plan := repo.installments[invoice.ID]
	require.Equal(t, InstallmentStatusPaid, plan[0].Status)
	require.Equal(t, InstallmentStatusPending, plan[1].Status)
}

func TestMarkPaymentPaidRejectsDoubleTransition(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	_, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(1))
	require.NoError(t, err)
	payment, err := svc.RegisterPayment(context.Background(), RegisterPaymentInput{
		EnrollmentID: 7, Amount: money.MustParse("10.000"),
	})
	require.NoError(t, err)

	_, err = svc.MarkPaymentPaid(context.Background(), payment.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaymentPaid(context.Background(), payment.ID)
	require.ErrorIs(t, err, ErrInvalidPaymentState)
}

func TestRefundClawsBackInstallment(t *testing.T) {
	repo := newFakeRepo()
	svc, sink := newTestService(repo)

	invoice, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(2))
	require.NoError(t, err)

	payment, err := svc.RegisterPayment(context.Background(), RegisterPaymentInput{
		EnrollmentID: 7, Amount: money.MustParse("50.000"),
	})
	require.NoError(t, err)
	_, err = svc.MarkPaymentPaid(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Equal(t, InstallmentStatusPaid, repo.installments[invoice.ID][0].Status)

	refund, err := svc.CreateRefund(context.Background(), payment.ID, "student withdrew", 1)
	require.NoError(t, err)
	require.Equal(t, "50.000", refund.Amount.String())
	require.Len(t, sink.refunds, 1)

	stored, err := svc.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusRefunded, stored.Status)

	// Refunded money no longer counts as paid; allocation reverts the plan.
	require.NoError(t, svc.AllocateToInstallments(context.Background(), 7))
	require.Equal(t, InstallmentStatusPending, repo.installments[invoice.ID][0].Status)
	require.True(t, repo.installments[invoice.ID][0].PaidAmount.IsZero())
}

func TestRefundRequiresPaidPayment(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	_, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(1))
	require.NoError(t, err)
	payment, err := svc.RegisterPayment(context.Background(), RegisterPaymentInput{
		EnrollmentID: 7, Amount: money.MustParse("10.000"),
	})
	require.NoError(t, err)

	_, err = svc.CreateRefund(context.Background(), payment.ID, "typo", 1)
	require.ErrorIs(t, err, ErrInvalidPaymentState)
}

func TestMarkOverdueFlipsPastDueInstallments(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	_, err := svc.CreateInvoiceForEnrollment(context.Background(), invoiceInput(2))
	require.NoError(t, err)

	flipped, err := svc.MarkOverdue(context.Background(), time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.EqualValues(t, 1, flipped)

	flipped, err = svc.MarkOverdue(context.Background(), time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.EqualValues(t, 1, flipped)
}
