package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-lms/atlas-lms/internal/money"
	"github.com/atlas-lms/atlas-lms/internal/platform/db"
)

// Repository persists ledger entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetAccountByCode(ctx context.Context, code string) (Account, error)
	InsertJournal(ctx context.Context, in PostingInput, postedAt time.Time) (Journal, error)
	InsertJournalLines(ctx context.Context, journalID int64, lines []resolvedLine) error
	GetJournalWithLines(ctx context.Context, journalID int64) (Journal, error)
	UpdateJournalStatus(ctx context.Context, journalID int64, from, to JournalStatus) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction. Posting is a
// single atomic unit: a crash mid-posting leaves either no journal or a
// fully-formed one, never a journal with partial lines.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type resolvedLine struct {
	AccountID    int64
	Debit        money.Amount
	Credit       money.Amount
	CostCenterID *int64
	Description  string
}

func (r *txRepository) GetAccountByCode(ctx context.Context, code string) (Account, error) {
	var a Account
	err := r.tx.QueryRow(ctx, `SELECT id, code, name, type, parent_id, branch_id, is_active, created_at, updated_at
FROM accounts WHERE code=$1`, code).
		Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.ParentID, &a.BranchID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) InsertJournal(ctx context.Context, in PostingInput, postedAt time.Time) (Journal, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journals (ref_kind, ref_id, discriminator, journal_date, memo, status, posted_by, posted_at, branch_id, created_by)
VALUES ($1,$2,$3,$4,$5,'POSTED',$6,$7,$8,$6) RETURNING id, number, created_at, updated_at`,
		in.Ref.Kind, in.Ref.ID, in.Discriminator, in.JournalDate, in.Memo, nullInt(in.ActorID), postedAt, nullIntPtr(in.BranchID))
	var j Journal
	j.Ref = in.Ref
	j.Discriminator = in.Discriminator
	j.JournalDate = in.JournalDate
	j.Memo = in.Memo
	j.Status = JournalStatusPosted
	j.PostedBy = in.ActorID
	j.PostedAt = postedAt
	j.BranchID = in.BranchID
	j.CreatedBy = in.ActorID
	if err := row.Scan(&j.ID, &j.Number, &j.CreatedAt, &j.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_journals_ref_discriminator" {
			return Journal{}, ErrDuplicatePosting
		}
		return Journal{}, err
	}
	return j, nil
}

func (r *txRepository) InsertJournalLines(ctx context.Context, journalID int64, lines []resolvedLine) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO journal_lines (journal_id, account_id, debit, credit, cost_center_id, description)
VALUES ($1,$2,$3,$4,$5,$6)`, journalID, line.AccountID, line.Debit, line.Credit, nullIntPtr(line.CostCenterID), line.Description); err != nil {
			return err
		}
	}
	return nil
}

const journalColumns = `id, number, ref_kind, ref_id, discriminator, journal_date, memo, status, COALESCE(posted_by,0), posted_at, branch_id, COALESCE(created_by,0), created_at, updated_at`

func scanJournal(row pgx.Row) (Journal, error) {
	var j Journal
	var postedAt *time.Time
	err := row.Scan(&j.ID, &j.Number, &j.Ref.Kind, &j.Ref.ID, &j.Discriminator, &j.JournalDate, &j.Memo, &j.Status,
		&j.PostedBy, &postedAt, &j.BranchID, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Journal{}, err
	}
	if postedAt != nil {
		j.PostedAt = *postedAt
	}
	return j, nil
}

func (r *txRepository) GetJournalWithLines(ctx context.Context, journalID int64) (Journal, error) {
	j, err := scanJournal(r.tx.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE id=$1`, journalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Journal{}, ErrJournalNotFound
		}
		return Journal{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT l.id, l.journal_id, l.account_id, a.code, l.debit, l.credit, l.cost_center_id, l.description, l.created_at
FROM journal_lines l JOIN accounts a ON a.id = l.account_id WHERE l.journal_id=$1 ORDER BY l.id`, journalID)
	if err != nil {
		return Journal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.ID, &line.JournalID, &line.AccountID, &line.AccountCode, &line.Debit, &line.Credit, &line.CostCenterID, &line.Description, &line.CreatedAt); err != nil {
			return Journal{}, err
		}
		j.Lines = append(j.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Journal{}, err
	}
	return j, nil
}

// UpdateJournalStatus performs a guarded status transition. The WHERE clause
// carries the expected current status so concurrent transitions lose cleanly.
func (r *txRepository) UpdateJournalStatus(ctx context.Context, journalID int64, from, to JournalStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journals SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`, journalID, from, to)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// ExistsPosting is the idempotency guard fast path: it reports whether a
// journal already exists for the reference with the discriminating account
// carrying a non-zero amount. The unique index on (ref_kind, ref_id,
// discriminator) backstops the narrow window between this check and the
// insert.
func (r *Repository) ExistsPosting(ctx context.Context, ref Ref, discriminatorCode string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM journals j
JOIN journal_lines l ON l.journal_id = j.id
JOIN accounts a ON a.id = l.account_id
WHERE j.ref_kind=$1 AND j.ref_id=$2 AND a.code=$3 AND (l.debit > 0 OR l.credit > 0))`,
		ref.Kind, ref.ID, discriminatorCode).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ListAccounts returns the chart ordered by code.
func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, type, parent_id, branch_id, is_active, created_at, updated_at
FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.ParentID, &a.BranchID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListJournals returns journals newest first, optionally filtered by ref kind.
func (r *Repository) ListJournals(ctx context.Context, kind RefKind, limit, offset int) ([]Journal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + journalColumns + ` FROM journals`
	args := []any{}
	if kind != "" {
		query += ` WHERE ref_kind=$1`
		args = append(args, kind)
	}
	query += ` ORDER BY number DESC LIMIT ` + itoa(limit) + ` OFFSET ` + itoa(offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var journals []Journal
	for rows.Next() {
		j, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

// GetJournal loads a journal with lines outside a posting transaction.
func (r *Repository) GetJournal(ctx context.Context, journalID int64) (Journal, error) {
	var out Journal
	err := r.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		j, err := tx.GetJournalWithLines(ctx, journalID)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// TrialBalance aggregates posted debit/credit totals per account.
func (r *Repository) TrialBalance(ctx context.Context) ([]TrialBalanceRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.code, a.name, COALESCE(SUM(l.debit),0), COALESCE(SUM(l.credit),0)
FROM accounts a
JOIN journal_lines l ON l.account_id = a.id
JOIN journals j ON j.id = l.journal_id AND j.status = 'POSTED'
GROUP BY a.code, a.name ORDER BY a.code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrialBalanceRow
	for rows.Next() {
		var row TrialBalanceRow
		if err := rows.Scan(&row.AccountCode, &row.AccountName, &row.Debit, &row.Credit); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UnbalancedJournals returns posted journals whose lines do not sum to zero
// within the currency tolerance. Used by the integrity scan job.
func (r *Repository) UnbalancedJournals(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT j.id FROM journals j
JOIN journal_lines l ON l.journal_id = j.id
WHERE j.status='POSTED'
GROUP BY j.id
HAVING ABS(SUM(l.debit) - SUM(l.credit)) >= 0.001
ORDER BY j.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullIntPtr(val *int64) any {
	if val == nil || *val == 0 {
		return nil
	}
	return *val
}

func itoa(v int) string {
	if v < 0 {
		v = 0
	}
	return strconv.Itoa(v)
}
