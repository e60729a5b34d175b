package voucher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-lms/atlas-lms/internal/ledger"
	"github.com/atlas-lms/atlas-lms/internal/money"
)

type fakeRepo struct {
	nextID   int64
	vouchers map[int64]Voucher
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{vouchers: map[int64]Voucher{}}
}

func (f *fakeRepo) Insert(_ context.Context, in CreateInput) (Voucher, error) {
	f.nextID++
	v := Voucher{
		ID:          f.nextID,
		Type:        in.Type,
		BranchID:    in.BranchID,
		Method:      in.Method,
		Memo:        in.Memo,
		VoucherDate: in.VoucherDate,
		Status:      StatusDraft,
		CreatedAt:   time.Now(),
	}
	for i, line := range in.Lines {
		v.Lines = append(v.Lines, Line{
			ID:          int64(i + 1),
			VoucherID:   v.ID,
			AccountCode: line.AccountCode,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Description: line.Description,
		})
	}
	f.vouchers[v.ID] = v
	return v, nil
}

func (f *fakeRepo) ReplaceLines(ctx context.Context, id int64, in CreateInput) (Voucher, error) {
	v, ok := f.vouchers[id]
	if !ok || v.Status != StatusDraft {
		return Voucher{}, ErrNotDraft
	}
	replaced, _ := f.Insert(ctx, in)
	replaced.ID = id
	f.vouchers[id] = replaced
	return replaced, nil
}

func (f *fakeRepo) Get(_ context.Context, id int64) (Voucher, error) {
	v, ok := f.vouchers[id]
	if !ok {
		return Voucher{}, ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) List(_ context.Context, limit, offset int) ([]Voucher, int, error) {
	var out []Voucher
	for _, v := range f.vouchers {
		out = append(out, v)
	}
	return out, len(out), nil
}

func (f *fakeRepo) MarkPosted(_ context.Context, id, journalID, postedBy int64, postedAt time.Time) (Voucher, error) {
	v, ok := f.vouchers[id]
	if !ok || v.Status != StatusDraft {
		return Voucher{}, ErrNotDraft
	}
	v.Status = StatusPosted
	v.JournalID = &journalID
	v.PostedBy = &postedBy
	v.PostedAt = &postedAt
	f.vouchers[id] = v
	return v, nil
}

func (f *fakeRepo) MarkCancelled(_ context.Context, id int64) (Voucher, error) {
	v, ok := f.vouchers[id]
	if !ok || v.Status != StatusPosted {
		return Voucher{}, ErrNotPosted
	}
	v.Status = StatusCancelled
	f.vouchers[id] = v
	return v, nil
}

func (f *fakeRepo) Delete(_ context.Context, id int64) error {
	v, ok := f.vouchers[id]
	if !ok || v.Status != StatusDraft {
		return ErrNotDraft
	}
	delete(f.vouchers, id)
	return nil
}

type fakeLedger struct {
	chart  ledger.ChartConfig
	posted []ledger.PostingInput
	nextID int64
}

func (f *fakeLedger) Post(_ context.Context, input ledger.PostingInput) (ledger.Journal, error) {
	f.posted = append(f.posted, input)
	f.nextID++
	return ledger.Journal{ID: f.nextID, Ref: input.Ref, Discriminator: input.Discriminator, Status: ledger.JournalStatusPosted}, nil
}

func (f *fakeLedger) Chart() ledger.ChartConfig {
	return f.chart
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeLedger) {
	t.Helper()
	repo := newFakeRepo()
	lg := &fakeLedger{chart: ledger.DefaultChartConfig()}
	svc := NewService(repo, lg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, repo, lg
}

func balancedInput() CreateInput {
	return CreateInput{
		Type:   TypeReceipt,
		Method: "cash",
		Memo:   "walk-in registration fee",
		Lines: []LineInput{
			{AccountCode: "1110", Debit: money.MustParse("25.000")},
			{AccountCode: "4110", Credit: money.MustParse("25.000")},
		},
	}
}

func TestCreateRejectsImbalance(t *testing.T) {
	svc, _, _ := newTestService(t)

	in := balancedInput()
	in.Lines[1].Credit = money.MustParse("25.500")
	_, err := svc.Create(context.Background(), in)
	require.ErrorIs(t, err, ErrUnbalanced)
	require.Contains(t, err.Error(), "25.000")
	require.Contains(t, err.Error(), "25.500")
}

func TestCreateAllowsKeyingSlack(t *testing.T) {
	svc, _, _ := newTestService(t)

	in := balancedInput()
	in.Lines[1].Credit = money.MustParse("25.005")
	v, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, v.Status)
}

func TestPostWritesJournalAndStamps(t *testing.T) {
	svc, _, lg := newTestService(t)
	v, err := svc.Create(context.Background(), balancedInput())
	require.NoError(t, err)

	posted, err := svc.Post(context.Background(), v.ID, 42, true)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Status)
	require.NotNil(t, posted.PostedAt)
	require.Equal(t, int64(42), *posted.PostedBy)
	require.NotNil(t, posted.JournalID)

	require.Len(t, lg.posted, 1)
	require.Equal(t, ledger.RefVoucher, lg.posted[0].Ref.Kind)
	require.Equal(t, v.ID, lg.posted[0].Ref.ID)
	require.Equal(t, lg.chart.Cash, lg.posted[0].Discriminator)
}

func TestPostBankMethodUsesBankDiscriminator(t *testing.T) {
	svc, _, lg := newTestService(t)
	in := balancedInput()
	in.Method = "transfer"
	v, err := svc.Create(context.Background(), in)
	require.NoError(t, err)

	_, err = svc.Post(context.Background(), v.ID, 1, true)
	require.NoError(t, err)
	require.Equal(t, lg.chart.Bank, lg.posted[0].Discriminator)
}

func TestPostRequiresCapability(t *testing.T) {
	svc, _, lg := newTestService(t)
	v, err := svc.Create(context.Background(), balancedInput())
	require.NoError(t, err)

	_, err = svc.Post(context.Background(), v.ID, 1, false)
	require.ErrorIs(t, err, ErrForbidden)
	require.Empty(t, lg.posted)
}

func TestPostRejectsNonDraft(t *testing.T) {
	svc, _, lg := newTestService(t)
	v, err := svc.Create(context.Background(), balancedInput())
	require.NoError(t, err)
	_, err = svc.Post(context.Background(), v.ID, 1, true)
	require.NoError(t, err)

	_, err = svc.Post(context.Background(), v.ID, 1, true)
	require.ErrorIs(t, err, ErrNotDraft)
	require.Len(t, lg.posted, 1)
}

func TestUpdateAndDeleteDraftOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	v, err := svc.Create(context.Background(), balancedInput())
	require.NoError(t, err)

	updated := balancedInput()
	updated.Memo = "corrected memo"
	got, err := svc.Update(context.Background(), v.ID, updated)
	require.NoError(t, err)
	require.Equal(t, "corrected memo", got.Memo)

	_, err = svc.Post(context.Background(), v.ID, 1, true)
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), v.ID, updated)
	require.ErrorIs(t, err, ErrNotDraft)
	require.ErrorIs(t, svc.Delete(context.Background(), v.ID), ErrNotDraft)
}

func TestCancelPostedOnlyNoReversal(t *testing.T) {
	svc, _, lg := newTestService(t)
	v, err := svc.Create(context.Background(), balancedInput())
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), v.ID, 1, true)
	require.ErrorIs(t, err, ErrNotPosted)

	_, err = svc.Post(context.Background(), v.ID, 1, true)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), v.ID, 1, true)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	// No reversing journal is written on cancel.
	require.Len(t, lg.posted, 1)
}
