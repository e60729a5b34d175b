package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-lms/atlas-lms/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ExistsPosting(ctx context.Context, ref Ref, discriminatorCode string) (bool, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListJournals(ctx context.Context, kind RefKind, limit, offset int) ([]Journal, error)
	GetJournal(ctx context.Context, journalID int64) (Journal, error)
	TrialBalance(ctx context.Context) ([]TrialBalanceRow, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the journal posting engine. It resolves accounts by chart code,
// builds balanced journals from business events and persists them atomically.
// Automatic postings are created already POSTED; only vouchers go through a
// human draft/review step, and that state machine lives in the voucher module.
type Service struct {
	repo  RepositoryPort
	chart ChartConfig
	audit AuditPort
	now   func() time.Time
}

// NewService constructs the posting engine with its injected chart mapping.
func NewService(repo RepositoryPort, chart ChartConfig, audit AuditPort) (*Service, error) {
	if err := chart.Validate(); err != nil {
		return nil, err
	}
	return &Service{repo: repo, chart: chart, audit: audit, now: time.Now}, nil
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Chart exposes the injected account code mapping.
func (s *Service) Chart() ChartConfig {
	return s.chart
}

// Post validates and persists a new journal. The whole posting runs in one
// transaction; on any failure no journal row survives. A duplicate
// (ref, discriminator) pair surfaces as ErrDuplicatePosting.
func (s *Service) Post(ctx context.Context, input PostingInput) (Journal, error) {
	if err := input.Validate(); err != nil {
		return Journal{}, err
	}
	if input.JournalDate.IsZero() {
		input.JournalDate = s.now()
	}
	var journal Journal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		resolved := make([]resolvedLine, 0, len(input.Lines))
		lines := make([]JournalLine, 0, len(input.Lines))
		for _, line := range input.Lines {
			account, err := tx.GetAccountByCode(ctx, line.AccountCode)
			if err != nil {
				if errors.Is(err, ErrAccountNotFound) {
					return fmt.Errorf("%w: %s", ErrAccountNotFound, line.AccountCode)
				}
				return err
			}
			if !account.IsActive {
				return fmt.Errorf("%w: %s", ErrAccountInactive, account.Code)
			}
			resolved = append(resolved, resolvedLine{
				AccountID:    account.ID,
				Debit:        line.Debit,
				Credit:       line.Credit,
				CostCenterID: line.CostCenterID,
				Description:  line.Description,
			})
			lines = append(lines, JournalLine{
				AccountID:   account.ID,
				AccountCode: account.Code,
				Debit:       line.Debit,
				Credit:      line.Credit,
				Description: line.Description,
			})
		}
		inserted, err := tx.InsertJournal(ctx, input, s.now())
		if err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, inserted.ID, resolved); err != nil {
			return err
		}
		for i := range lines {
			lines[i].JournalID = inserted.ID
		}
		inserted.Lines = lines
		journal = inserted
		return nil
	})
	if err != nil {
		return Journal{}, err
	}
	s.recordAudit(ctx, input.ActorID, "journal.post", journal.ID, map[string]any{
		"reference":     journal.Reference(),
		"ref":           journal.Ref.String(),
		"discriminator": journal.Discriminator,
	})
	return journal, nil
}

// PostPair persists the two-line double-entry journal every automatic flow
// uses: post(debitCode, creditCode, amount, reference, branch, memo, actor).
func (s *Service) PostPair(ctx context.Context, input PairInput) (Journal, error) {
	if !input.Amount.IsPositive() {
		return Journal{}, fmt.Errorf("ledger: posting amount must be positive, got %s", input.Amount)
	}
	return s.Post(ctx, input.Posting(input.Discriminator))
}

// Void marks a posted journal VOID. Lines are never deleted; the audit trail
// of a voided journal stays intact.
func (s *Service) Void(ctx context.Context, input VoidInput) (Journal, error) {
	if input.JournalID == 0 {
		return Journal{}, errors.New("ledger: journal id required")
	}
	var journal Journal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetJournalWithLines(ctx, input.JournalID)
		if err != nil {
			return err
		}
		if current.Status != JournalStatusPosted {
			return ErrInvalidStatus
		}
		if err := tx.UpdateJournalStatus(ctx, current.ID, JournalStatusPosted, JournalStatusVoid); err != nil {
			return err
		}
		current.Status = JournalStatusVoid
		journal = current
		return nil
	})
	if err != nil {
		return Journal{}, err
	}
	s.recordAudit(ctx, input.ActorID, "journal.void", journal.ID, map[string]any{
		"reference": journal.Reference(),
		"reason":    input.Reason,
	})
	return journal, nil
}

// Reverse creates an explicit reversing journal with debits and credits
// swapped. Voucher cancellation deliberately does not call this; reversal is
// always a separate human decision.
func (s *Service) Reverse(ctx context.Context, input ReverseInput) (Journal, error) {
	if input.JournalID == 0 {
		return Journal{}, errors.New("ledger: journal id required")
	}
	var reversal Journal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetJournalWithLines(ctx, input.JournalID)
		if err != nil {
			return err
		}
		if original.Status != JournalStatusPosted {
			return ErrInvalidStatus
		}
		date := original.JournalDate
		if input.JournalDate != nil {
			date = *input.JournalDate
		}
		posting := PostingInput{
			Ref: original.Ref,
			// The role key is prefixed so the reversal does not collide with
			// the original posting's idempotency key.
			Discriminator: "rev:" + original.Discriminator,
			JournalDate:   date,
			Memo:          defaultReversalMemo(input.Memo, original.Reference()),
			BranchID:      original.BranchID,
			ActorID:       input.ActorID,
			Lines:         reverseLines(original.Lines),
		}
		inserted, err := tx.InsertJournal(ctx, posting, s.now())
		if err != nil {
			return err
		}
		resolved := make([]resolvedLine, 0, len(posting.Lines))
		for i, line := range original.Lines {
			resolved = append(resolved, resolvedLine{
				AccountID:    line.AccountID,
				Debit:        posting.Lines[i].Debit,
				Credit:       posting.Lines[i].Credit,
				CostCenterID: line.CostCenterID,
				Description:  posting.Lines[i].Description,
			})
		}
		if err := tx.InsertJournalLines(ctx, inserted.ID, resolved); err != nil {
			return err
		}
		reversal = inserted
		return nil
	})
	if err != nil {
		return Journal{}, err
	}
	s.recordAudit(ctx, input.ActorID, "journal.reverse", input.JournalID, map[string]any{
		"reversal_id":        reversal.ID,
		"reversal_reference": reversal.Reference(),
	})
	return reversal, nil
}

// ListAccounts retrieves the chart of accounts.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

// ListJournals retrieves journals newest first.
func (s *Service) ListJournals(ctx context.Context, kind RefKind, limit, offset int) ([]Journal, error) {
	return s.repo.ListJournals(ctx, kind, limit, offset)
}

// GetJournal loads one journal with lines.
func (s *Service) GetJournal(ctx context.Context, journalID int64) (Journal, error) {
	return s.repo.GetJournal(ctx, journalID)
}

// TrialBalance aggregates posted debits/credits per account.
func (s *Service) TrialBalance(ctx context.Context) ([]TrialBalanceRow, error) {
	return s.repo.TrialBalance(ctx)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, journalID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "journal",
		EntityID: fmt.Sprintf("%d", journalID),
		Meta:     meta,
		At:       s.now(),
	})
}

func reverseLines(lines []JournalLine) []PostingLineInput {
	out := make([]PostingLineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, PostingLineInput{
			AccountCode:  line.AccountCode,
			Debit:        line.Credit,
			Credit:       line.Debit,
			CostCenterID: line.CostCenterID,
			Description:  line.Description,
		})
	}
	return out
}

func defaultReversalMemo(memo, reference string) string {
	if memo != "" {
		return memo
	}
	return fmt.Sprintf("Reversal of %s", reference)
}
