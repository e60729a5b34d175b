package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

type fakeRepo struct {
	accounts map[string]Account
	journals map[int64]Journal
	nextID   int64
}

func newFakeRepo() *fakeRepo {
	repo := &fakeRepo{accounts: map[string]Account{}, journals: map[int64]Journal{}}
	codes := []struct {
		code string
		typ  AccountType
	}{
		{"1110", AccountTypeAsset},
		{"1120", AccountTypeAsset},
		{"1130", AccountTypeAsset},
		{"2130", AccountTypeLiability},
		{"2140", AccountTypeLiability},
		{"4110", AccountTypeRevenue},
		{"4910", AccountTypeRevenue},
	}
	for i, c := range codes {
		repo.accounts[c.code] = Account{ID: int64(i + 1), Code: c.code, Type: c.typ, IsActive: true}
	}
	return repo
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &fakeTx{repo: f})
}

func (f *fakeRepo) ExistsPosting(_ context.Context, ref Ref, discriminatorCode string) (bool, error) {
	for _, j := range f.journals {
		if j.Ref != ref {
			continue
		}
		for _, line := range j.Lines {
			if line.AccountCode == discriminatorCode && (line.Debit.IsPositive() || line.Credit.IsPositive()) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeRepo) ListAccounts(context.Context) ([]Account, error) { return nil, nil }

func (f *fakeRepo) ListJournals(context.Context, RefKind, int, int) ([]Journal, error) {
	return nil, nil
}

func (f *fakeRepo) GetJournal(_ context.Context, id int64) (Journal, error) {
	j, ok := f.journals[id]
	if !ok {
		return Journal{}, ErrJournalNotFound
	}
	return j, nil
}

func (f *fakeRepo) TrialBalance(context.Context) ([]TrialBalanceRow, error) { return nil, nil }

type fakeTx struct {
	repo *fakeRepo
}

func (t *fakeTx) GetAccountByCode(_ context.Context, code string) (Account, error) {
	a, ok := t.repo.accounts[code]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (t *fakeTx) InsertJournal(_ context.Context, in PostingInput, postedAt time.Time) (Journal, error) {
	for _, j := range t.repo.journals {
		if j.Ref == in.Ref && j.Discriminator == in.Discriminator {
			return Journal{}, ErrDuplicatePosting
		}
	}
	t.repo.nextID++
	j := Journal{
		ID:            t.repo.nextID,
		Number:        t.repo.nextID,
		Ref:           in.Ref,
		Discriminator: in.Discriminator,
		JournalDate:   in.JournalDate,
		Memo:          in.Memo,
		Status:        JournalStatusPosted,
		PostedBy:      in.ActorID,
		PostedAt:      postedAt,
		BranchID:      in.BranchID,
		CreatedBy:     in.ActorID,
	}
	t.repo.journals[j.ID] = j
	return j, nil
}

func (t *fakeTx) InsertJournalLines(_ context.Context, journalID int64, lines []resolvedLine) error {
	j := t.repo.journals[journalID]
	for _, line := range lines {
		var code string
		for _, a := range t.repo.accounts {
			if a.ID == line.AccountID {
				code = a.Code
			}
		}
		j.Lines = append(j.Lines, JournalLine{
			JournalID:   journalID,
			AccountID:   line.AccountID,
			AccountCode: code,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Description: line.Description,
		})
	}
	t.repo.journals[journalID] = j
	return nil
}

func (t *fakeTx) GetJournalWithLines(_ context.Context, journalID int64) (Journal, error) {
	j, ok := t.repo.journals[journalID]
	if !ok {
		return Journal{}, ErrJournalNotFound
	}
	return j, nil
}

func (t *fakeTx) UpdateJournalStatus(_ context.Context, journalID int64, from, to JournalStatus) error {
	j, ok := t.repo.journals[journalID]
	if !ok {
		return ErrJournalNotFound
	}
	if j.Status != from {
		return ErrInvalidStatus
	}
	j.Status = to
	t.repo.journals[journalID] = j
	return nil
}

func newTestService(t *testing.T, repo *fakeRepo) *Service {
	t.Helper()
	svc, err := NewService(repo, DefaultChartConfig(), nil)
	require.NoError(t, err)
	return svc
}

func pairInput(amount string) PairInput {
	return PairInput{
		DebitCode:  "1130",
		CreditCode: "2130",
		Amount:     money.MustParse(amount),
		Ref:        Ref{Kind: RefEnrollment, ID: 7},
		Memo:       "enrollment ENR-2026-000007",
	}
}

func TestPostPairCreatesPostedJournal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	journal, err := svc.PostPair(context.Background(), pairInput("100.000"))
	require.NoError(t, err)
	require.Equal(t, JournalStatusPosted, journal.Status)
	require.Equal(t, "1130", journal.Discriminator)
	require.Len(t, journal.Lines, 2)
	require.Equal(t, "100.000", journal.Lines[0].Debit.String())
	require.Equal(t, "100.000", journal.Lines[1].Credit.String())
	require.Equal(t, fmt.Sprintf("JRN-%06d", journal.Number), journal.Reference())
}

func TestPostPairRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t, newFakeRepo())

	in := pairInput("100.000")
	in.Amount = money.MustParse("0")
	_, err := svc.PostPair(context.Background(), in)
	require.Error(t, err)
}

func TestPostRejectsUnbalancedLines(t *testing.T) {
	svc := newTestService(t, newFakeRepo())

	_, err := svc.Post(context.Background(), PostingInput{
		Ref:           Ref{Kind: RefVoucher, ID: 1},
		Discriminator: "1110",
		Lines: []PostingLineInput{
			{AccountCode: "1110", Debit: money.MustParse("10.000")},
			{AccountCode: "4110", Credit: money.MustParse("9.000")},
		},
	})
	require.ErrorIs(t, err, ErrUnbalanced)
}

func TestPostRejectsSingleLine(t *testing.T) {
	svc := newTestService(t, newFakeRepo())

	_, err := svc.Post(context.Background(), PostingInput{
		Ref:           Ref{Kind: RefVoucher, ID: 1},
		Discriminator: "1110",
		Lines: []PostingLineInput{
			{AccountCode: "1110", Debit: money.MustParse("10.000")},
		},
	})
	require.ErrorIs(t, err, ErrTooFewLines)
}

func TestPostRejectsUnknownAccountCode(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	_, err := svc.Post(context.Background(), PostingInput{
		Ref:           Ref{Kind: RefVoucher, ID: 1},
		Discriminator: "9999",
		Lines: []PostingLineInput{
			{AccountCode: "9999", Debit: money.MustParse("10.000")},
			{AccountCode: "4110", Credit: money.MustParse("10.000")},
		},
	})
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.Empty(t, repo.journals)
}

func TestPostRejectsInactiveAccount(t *testing.T) {
	repo := newFakeRepo()
	frozen := repo.accounts["1110"]
	frozen.IsActive = false
	repo.accounts["1110"] = frozen
	svc := newTestService(t, repo)

	_, err := svc.Post(context.Background(), PostingInput{
		Ref:           Ref{Kind: RefVoucher, ID: 1},
		Discriminator: "1110",
		Lines: []PostingLineInput{
			{AccountCode: "1110", Debit: money.MustParse("10.000")},
			{AccountCode: "4110", Credit: money.MustParse("10.000")},
		},
	})
	require.ErrorIs(t, err, ErrAccountInactive)
}

func TestPostPairDuplicateDiscriminatorIsRejected(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	_, err := svc.PostPair(context.Background(), pairInput("100.000"))
	require.NoError(t, err)

	_, err = svc.PostPair(context.Background(), pairInput("100.000"))
	require.ErrorIs(t, err, ErrDuplicatePosting)
	require.Len(t, repo.journals, 1)
}

func TestPostPairDistinctDiscriminatorsForSameRef(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	_, err := svc.PostPair(context.Background(), pairInput("100.000"))
	require.NoError(t, err)

	recognition := PairInput{
		DebitCode:     "2130",
		CreditCode:    "4110",
		Amount:        money.MustParse("100.000"),
		Ref:           Ref{Kind: RefEnrollment, ID: 7},
		Discriminator: "4110",
	}
	journal, err := svc.PostPair(context.Background(), recognition)
	require.NoError(t, err)
	require.Equal(t, "4110", journal.Discriminator)
	require.Len(t, repo.journals, 2)
}

func TestVoidTransitionsPostedJournal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	journal, err := svc.PostPair(context.Background(), pairInput("50.000"))
	require.NoError(t, err)

	voided, err := svc.Void(context.Background(), VoidInput{JournalID: journal.ID, Reason: "entry error"})
	require.NoError(t, err)
	require.Equal(t, JournalStatusVoid, voided.Status)
	// Lines survive the void.
	require.Len(t, repo.journals[journal.ID].Lines, 2)
}

func TestVoidRejectsAlreadyVoided(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	journal, err := svc.PostPair(context.Background(), pairInput("50.000"))
	require.NoError(t, err)
	_, err = svc.Void(context.Background(), VoidInput{JournalID: journal.ID})
	require.NoError(t, err)

	_, err = svc.Void(context.Background(), VoidInput{JournalID: journal.ID})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestReverseSwapsDebitAndCredit(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	original, err := svc.PostPair(context.Background(), pairInput("75.000"))
	require.NoError(t, err)

	reversal, err := svc.Reverse(context.Background(), ReverseInput{JournalID: original.ID})
	require.NoError(t, err)
	require.Equal(t, original.Ref, reversal.Ref)
	require.Equal(t, "rev:"+original.Discriminator, reversal.Discriminator)

	stored := repo.journals[reversal.ID]
	require.Len(t, stored.Lines, 2)
	require.Equal(t, "75.000", stored.Lines[0].Credit.String())
	require.Equal(t, "75.000", stored.Lines[1].Debit.String())
	require.Contains(t, stored.Memo, original.Reference())
}

func TestReverseRejectsVoidedJournal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)

	journal, err := svc.PostPair(context.Background(), pairInput("75.000"))
	require.NoError(t, err)
	_, err = svc.Void(context.Background(), VoidInput{JournalID: journal.ID})
	require.NoError(t, err)

	_, err = svc.Reverse(context.Background(), ReverseInput{JournalID: journal.ID})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestGuardReportsExistingPosting(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo)
	guard := NewGuard(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ref := Ref{Kind: RefEnrollment, ID: 7}
	exists, err := guard.AlreadyPosted(context.Background(), ref, "1130")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = svc.PostPair(context.Background(), pairInput("100.000"))
	require.NoError(t, err)

	exists, err = guard.AlreadyPosted(context.Background(), ref, "1130")
	require.NoError(t, err)
	require.True(t, exists)

	// The credit side of the enrollment journal matches too; a later journal
	// for the same reference must key on an account unique to it.
	exists, err = guard.AlreadyPosted(context.Background(), ref, "2130")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = guard.AlreadyPosted(context.Background(), ref, "4110")
	require.NoError(t, err)
	require.False(t, exists)
}
