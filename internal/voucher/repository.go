package voucher

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists vouchers and their lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const voucherColumns = `id, type, branch_id, method, memo, voucher_date, status, posted_by, posted_at, journal_id, created_at, updated_at`

func scanVoucher(row pgx.Row) (Voucher, error) {
	var v Voucher
	err := row.Scan(&v.ID, &v.Type, &v.BranchID, &v.Method, &v.Memo, &v.VoucherDate, &v.Status,
		&v.PostedBy, &v.PostedAt, &v.JournalID, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

// Insert stores a new draft with its lines in one transaction.
func (r *Repository) Insert(ctx context.Context, in CreateInput) (Voucher, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Voucher{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `INSERT INTO vouchers (type, branch_id, method, memo, voucher_date, status)
VALUES ($1,$2,$3,$4,$5,'DRAFT') RETURNING `+voucherColumns,
		in.Type, in.BranchID, in.Method, in.Memo, in.VoucherDate)
	v, err := scanVoucher(row)
	if err != nil {
		return Voucher{}, err
	}
	v.Lines, err = insertLines(ctx, tx, v.ID, in.Lines)
	if err != nil {
		return Voucher{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// ReplaceLines swaps the draft's attributes and lines atomically. The WHERE
// status guard keeps posted vouchers frozen even under concurrent posting.
func (r *Repository) ReplaceLines(ctx context.Context, id int64, in CreateInput) (Voucher, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Voucher{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `UPDATE vouchers SET type=$2, branch_id=$3, method=$4, memo=$5, voucher_date=$6, updated_at=NOW()
WHERE id=$1 AND status='DRAFT' RETURNING `+voucherColumns,
		id, in.Type, in.BranchID, in.Method, in.Memo, in.VoucherDate)
	v, err := scanVoucher(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, ErrNotDraft
		}
		return Voucher{}, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM voucher_lines WHERE voucher_id=$1`, id); err != nil {
		return Voucher{}, err
	}
	v.Lines, err = insertLines(ctx, tx, id, in.Lines)
	if err != nil {
		return Voucher{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// Get loads a voucher with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Voucher, error) {
	v, err := scanVoucher(r.pool.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, ErrNotFound
		}
		return Voucher{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, voucher_id, account_code, debit, credit, description
FROM voucher_lines WHERE voucher_id=$1 ORDER BY id`, id)
	if err != nil {
		return Voucher{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.VoucherID, &line.AccountCode, &line.Debit, &line.Credit, &line.Description); err != nil {
			return Voucher{}, err
		}
		v.Lines = append(v.Lines, line)
	}
	return v, rows.Err()
}

// List returns vouchers newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Voucher, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vouchers`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+voucherColumns+` FROM vouchers ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

// MarkPosted stamps the posting fields on a draft. The status guard makes
// double posting a visible conflict instead of a silent overwrite.
func (r *Repository) MarkPosted(ctx context.Context, id, journalID, postedBy int64, postedAt time.Time) (Voucher, error) {
	row := r.pool.QueryRow(ctx, `UPDATE vouchers SET status='POSTED', journal_id=$2, posted_by=$3, posted_at=$4, updated_at=NOW()
WHERE id=$1 AND status='DRAFT' RETURNING `+voucherColumns, id, journalID, postedBy, postedAt)
	v, err := scanVoucher(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, ErrNotDraft
		}
		return Voucher{}, err
	}
	return v, nil
}

// MarkCancelled flips a posted voucher to CANCELLED.
func (r *Repository) MarkCancelled(ctx context.Context, id int64) (Voucher, error) {
	row := r.pool.QueryRow(ctx, `UPDATE vouchers SET status='CANCELLED', updated_at=NOW()
WHERE id=$1 AND status='POSTED' RETURNING `+voucherColumns, id)
	v, err := scanVoucher(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, ErrNotPosted
		}
		return Voucher{}, err
	}
	return v, nil
}

// Delete removes a draft and its lines.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM vouchers WHERE id=$1 AND status='DRAFT'`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotDraft
	}
	return nil
}

func insertLines(ctx context.Context, tx pgx.Tx, voucherID int64, lines []LineInput) ([]Line, error) {
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		var id int64
		err := tx.QueryRow(ctx, `INSERT INTO voucher_lines (voucher_id, account_code, debit, credit, description)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
			voucherID, line.AccountCode, line.Debit, line.Credit, line.Description).Scan(&id)
		if err != nil {
			return nil, err
		}
		out = append(out, Line{
			ID:          id,
			VoucherID:   voucherID,
			AccountCode: line.AccountCode,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Description: line.Description,
		})
	}
	return out, nil
}
