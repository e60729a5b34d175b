package voucher

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/atlas-lms/atlas-lms/internal/ledger"
	"github.com/atlas-lms/atlas-lms/internal/shared"
)

// RepositoryPort defines data access for vouchers.
type RepositoryPort interface {
	Insert(ctx context.Context, in CreateInput) (Voucher, error)
	ReplaceLines(ctx context.Context, id int64, in CreateInput) (Voucher, error)
	Get(ctx context.Context, id int64) (Voucher, error)
	List(ctx context.Context, limit, offset int) ([]Voucher, int, error)
	MarkPosted(ctx context.Context, id, journalID, postedBy int64, postedAt time.Time) (Voucher, error)
	MarkCancelled(ctx context.Context, id int64) (Voucher, error)
	Delete(ctx context.Context, id int64) error
}

// LedgerPort is the slice of the posting engine vouchers need.
type LedgerPort interface {
	Post(ctx context.Context, input ledger.PostingInput) (ledger.Journal, error)
	Chart() ledger.ChartConfig
}

// AuditPort records voucher transitions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the manual voucher state machine. Authorization is evaluated
// at the HTTP boundary and handed down as a plain capability boolean.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the voucher service.
func NewService(repo RepositoryPort, ledgerPort LedgerPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: ledgerPort, audit: audit, logger: logger, now: time.Now}
}

// Create opens a new draft.
func (s *Service) Create(ctx context.Context, in CreateInput) (Voucher, error) {
	if err := in.Validate(); err != nil {
		return Voucher{}, err
	}
	if in.VoucherDate.IsZero() {
		in.VoucherDate = s.now()
	}
	if in.Method == "" {
		in.Method = "cash"
	}
	v, err := s.repo.Insert(ctx, in)
	if err != nil {
		return Voucher{}, err
	}
	s.recordAudit(ctx, "voucher.created", v.ID, map[string]any{"type": string(v.Type)})
	return v, nil
}

// Update replaces a draft's attributes and lines. Posted and cancelled
// vouchers are immutable.
func (s *Service) Update(ctx context.Context, id int64, in CreateInput) (Voucher, error) {
	if err := in.Validate(); err != nil {
		return Voucher{}, err
	}
	if in.VoucherDate.IsZero() {
		in.VoucherDate = s.now()
	}
	if in.Method == "" {
		in.Method = "cash"
	}
	return s.repo.ReplaceLines(ctx, id, in)
}

// Delete removes a draft.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.recordAudit(ctx, "voucher.deleted", id, nil)
	return nil
}

// Get loads one voucher with lines.
func (s *Service) Get(ctx context.Context, id int64) (Voucher, error) {
	return s.repo.Get(ctx, id)
}

// List pages through vouchers newest first.
func (s *Service) List(ctx context.Context, page, perPage int) ([]Voucher, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	vouchers, total, err := s.repo.List(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return vouchers, shared.NewPagination(page, perPage, total), nil
}

// Post validates the draft once more against its stored lines, writes the
// matching ledger journal and stamps the posting fields. The journal's
// discriminator is the voucher's settlement account, so re-posting the same
// voucher trips the duplicate guard in the ledger.
func (s *Service) Post(ctx context.Context, id, actorID int64, canPost bool) (Voucher, error) {
	if !canPost {
		return Voucher{}, ErrForbidden
	}
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return Voucher{}, err
	}
	if v.Status != StatusDraft {
		return Voucher{}, ErrNotDraft
	}
	in := CreateInput{Type: v.Type, Lines: make([]LineInput, 0, len(v.Lines))}
	for _, line := range v.Lines {
		in.Lines = append(in.Lines, LineInput{
			AccountCode: line.AccountCode,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Description: line.Description,
		})
	}
	if err := in.Validate(); err != nil {
		return Voucher{}, err
	}

	lines := make([]ledger.PostingLineInput, 0, len(v.Lines))
	for _, line := range v.Lines {
		lines = append(lines, ledger.PostingLineInput{
			AccountCode: line.AccountCode,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Description: line.Description,
		})
	}
	journal, err := s.ledger.Post(ctx, ledger.PostingInput{
		Ref:           ledger.Ref{Kind: ledger.RefVoucher, ID: v.ID},
		Discriminator: s.ledger.Chart().SettlementCode(v.Method),
		JournalDate:   v.VoucherDate,
		Memo:          v.Memo,
		BranchID:      v.BranchID,
		ActorID:       actorID,
		Lines:         lines,
	})
	if err != nil {
		return Voucher{}, err
	}

	postedAt := s.now()
	v, err = s.repo.MarkPosted(ctx, v.ID, journal.ID, actorID, postedAt)
	if err != nil {
		return Voucher{}, err
	}
	s.recordAudit(ctx, "voucher.posted", v.ID, map[string]any{
		"journal_id": journal.ID,
		"reference":  journal.Reference(),
	})
	return v, nil
}

// Cancel flips a posted voucher to CANCELLED. The already posted journal
// stays untouched; reversing it is a separate, explicit ledger operation.
func (s *Service) Cancel(ctx context.Context, id, actorID int64, canPost bool) (Voucher, error) {
	if !canPost {
		return Voucher{}, ErrForbidden
	}
	v, err := s.repo.MarkCancelled(ctx, id)
	if err != nil {
		return Voucher{}, err
	}
	s.recordAudit(ctx, "voucher.cancelled", v.ID, nil)
	return v, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if actor := shared.ActorFromContext(ctx); actor != nil {
		actorID = actor.UserID
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "voucher",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
