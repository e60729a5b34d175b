package enrollment

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// Repository persists enrollments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const enrollmentColumns = `id, reference, student_id, user_id, course_id, branch_id, status, total_amount, paid_amount, started_at, completed_at, created_at, updated_at`

func scanEnrollment(row pgx.Row) (Enrollment, error) {
	var e Enrollment
	err := row.Scan(&e.ID, &e.Reference, &e.StudentID, &e.UserID, &e.CourseID, &e.BranchID, &e.Status,
		&e.TotalAmount, &e.PaidAmount, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// Create inserts a new enrollment with a generated per-year reference. The
// max-existing-reference scan and the insert share one transaction guarded
// by an advisory lock keyed on the year, so concurrent creations cannot mint
// the same sequence number.
func (r *Repository) Create(ctx context.Context, in CreateInput, year int) (Enrollment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Enrollment{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, refLockID(year)); err != nil {
		return Enrollment{}, err
	}
	var lastRef *string
	err = tx.QueryRow(ctx, `SELECT reference FROM enrollments WHERE reference LIKE $1 ORDER BY reference DESC LIMIT 1`,
		FormatReference(year, 0)[:9]+"%").Scan(&lastRef)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, err
	}
	seq := 1
	if lastRef != nil {
		seq = ParseReferenceSeq(*lastRef) + 1
	}
	reference := FormatReference(year, seq)

	row := tx.QueryRow(ctx, `INSERT INTO enrollments (reference, student_id, user_id, course_id, branch_id, status, total_amount, paid_amount)
VALUES ($1,$2,$3,$4,$5,'PENDING',$6,0) RETURNING `+enrollmentColumns,
		reference, in.StudentID, in.UserID, in.CourseID, nullIntPtr(in.BranchID), in.TotalAmount)
	e, err := scanEnrollment(row)
	if err != nil {
		return Enrollment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Enrollment{}, err
	}
	return e, nil
}

// Get loads one enrollment.
func (r *Repository) Get(ctx context.Context, id int64) (Enrollment, error) {
	e, err := scanEnrollment(r.pool.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, err
	}
	return e, nil
}

// List returns enrollments newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Enrollment, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM enrollments`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+enrollmentColumns+` FROM enrollments ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// UpdateDerived stores the recomputed status and paid cache; started_at is
// stamped only on its first transition into ACTIVE and never overwritten.
func (r *Repository) UpdateDerived(ctx context.Context, id int64, status Status, paid money.Amount, startedAt *time.Time) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE enrollments SET status=$2, paid_amount=$3, started_at=COALESCE(started_at, $4), updated_at=NOW() WHERE id=$1`,
		id, status, paid, startedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition performs a guarded lifecycle transition.
func (r *Repository) Transition(ctx context.Context, id int64, from, to Status, completedAt *time.Time) (Enrollment, error) {
	row := r.pool.QueryRow(ctx, `UPDATE enrollments SET status=$3, completed_at=COALESCE($4, completed_at), updated_at=NOW()
WHERE id=$1 AND status=$2 RETURNING `+enrollmentColumns, id, from, to, completedAt)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrInvalidTransition
		}
		return Enrollment{}, err
	}
	return e, nil
}

// SumPaidPayments totals PAID payments for the enrollment.
func (r *Repository) SumPaidPayments(ctx context.Context, enrollmentID int64) (money.Amount, error) {
	var sum money.Amount
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount),0) FROM payments WHERE enrollment_id=$1 AND status='PAID'`, enrollmentID).Scan(&sum)
	return sum, err
}

// refLockID derives a stable advisory-lock id for a reference year.
func refLockID(year int) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(FormatReference(year, 0)[:8]))
	return int64(h.Sum32())
}

func nullIntPtr(val *int64) any {
	if val == nil || *val == 0 {
		return nil
	}
	return *val
}
