package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// Repository persists billing entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, enrollment_id, user_id, branch_id, total_amount, due_amount, status, issued_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.EnrollmentID, &inv.UserID, &inv.BranchID, &inv.TotalAmount, &inv.DueAmount,
		&inv.Status, &inv.IssuedAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Number = InvoiceNumber(inv.ID)
	return inv, nil
}

// InsertInvoice creates the invoice row. The unique constraint on
// enrollment_id guarantees at most one invoice per enrollment even when the
// existence check raced a concurrent redelivery.
func (r *Repository) InsertInvoice(ctx context.Context, in CreateInvoiceInput, issuedAt time.Time) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO ar_invoices (enrollment_id, user_id, branch_id, total_amount, due_amount, status, issued_at)
VALUES ($1,$2,$3,$4,$4,'OPEN',$5) RETURNING `+invoiceColumns, in.EnrollmentID, in.UserID, nullIntPtr(in.BranchID), in.TotalAmount, issuedAt)
	inv, err := scanInvoice(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Invoice{}, ErrInvoiceExists
		}
		return Invoice{}, err
	}
	return inv, nil
}

// InsertInstallments persists a payment plan in sequence order.
func (r *Repository) InsertInstallments(ctx context.Context, invoiceID int64, installments []Installment) error {
	for _, inst := range installments {
		if _, err := r.pool.Exec(ctx, `INSERT INTO ar_installments (invoice_id, seq, due_date, amount, status, paid_amount)
VALUES ($1,$2,$3,$4,'PENDING',0)`, invoiceID, inst.Seq, inst.DueDate, inst.Amount); err != nil {
			return err
		}
	}
	return nil
}

// GetInvoiceByEnrollment loads the invoice owned by an enrollment.
func (r *Repository) GetInvoiceByEnrollment(ctx context.Context, enrollmentID int64) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM ar_invoices WHERE enrollment_id=$1`, enrollmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, err
	}
	return inv, nil
}

// GetInvoice loads an invoice with its installments.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM ar_invoices WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, err
	}
	installments, err := r.ListInstallments(ctx, inv.ID)
	if err != nil {
		return Invoice{}, err
	}
	inv.Installments = installments
	return inv, nil
}

// ListInvoices returns invoices newest first with a total for pagination.
func (r *Repository) ListInvoices(ctx context.Context, limit, offset int) ([]Invoice, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ar_invoices`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM ar_invoices ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

// UpdateInvoiceDerived stores a recomputed due amount and status.
func (r *Repository) UpdateInvoiceDerived(ctx context.Context, invoiceID int64, due money.Amount, status InvoiceStatus) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE ar_invoices SET due_amount=$2, status=$3, updated_at=NOW() WHERE id=$1 AND status <> 'CANCELED'`,
		invoiceID, due, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// CancelInvoice flips an invoice to CANCELED. Explicit action only.
func (r *Repository) CancelInvoice(ctx context.Context, invoiceID int64) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE ar_invoices SET status='CANCELED', updated_at=NOW() WHERE id=$1`, invoiceID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// SumPaidPayments totals PAID payments for an enrollment.
func (r *Repository) SumPaidPayments(ctx context.Context, enrollmentID int64) (money.Amount, error) {
	var sum money.Amount
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount),0) FROM payments WHERE enrollment_id=$1 AND status='PAID'`, enrollmentID).Scan(&sum)
	return sum, err
}

// ListInstallments returns installments in plan order.
func (r *Repository) ListInstallments(ctx context.Context, invoiceID int64) ([]Installment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, seq, due_date, amount, status, paid_amount, paid_at
FROM ar_installments WHERE invoice_id=$1 ORDER BY seq`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Installment
	for rows.Next() {
		var inst Installment
		if err := rows.Scan(&inst.ID, &inst.InvoiceID, &inst.Seq, &inst.DueDate, &inst.Amount, &inst.Status, &inst.PaidAmount, &inst.PaidAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpdateInstallment stores allocation results.
func (r *Repository) UpdateInstallment(ctx context.Context, id int64, status InstallmentStatus, paidAmount money.Amount, paidAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE ar_installments SET status=$2, paid_amount=$3, paid_at=$4 WHERE id=$1`,
		id, status, paidAmount, paidAt)
	return err
}

// MarkOverdueInstallments flips pending installments past their due date.
func (r *Repository) MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `UPDATE ar_installments SET status='OVERDUE' WHERE status='PENDING' AND due_date < $1`, asOf)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

const paymentColumns = `id, enrollment_id, installment_id, amount, method, status, gateway_ref, paid_at, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.EnrollmentID, &p.InstallmentID, &p.Amount, &p.Method, &p.Status, &p.GatewayRef,
		&p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// InsertPayment creates a pending payment.
func (r *Repository) InsertPayment(ctx context.Context, in RegisterPaymentInput) (Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `INSERT INTO payments (enrollment_id, installment_id, amount, method, status, gateway_ref)
VALUES ($1,$2,$3,$4,'PENDING',$5) RETURNING `+paymentColumns,
		in.EnrollmentID, nullIntPtr(in.InstallmentID), in.Amount, in.Method, in.GatewayRef))
}

// GetPayment loads one payment.
func (r *Repository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

// ListPayments returns payments for an enrollment, oldest first.
func (r *Repository) ListPayments(ctx context.Context, enrollmentID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE enrollment_id=$1 ORDER BY id`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionPayment performs a guarded status transition; the expected
// current status rides in the WHERE clause so lost races surface as
// ErrInvalidPaymentState instead of double transitions.
func (r *Repository) TransitionPayment(ctx context.Context, id int64, from, to PaymentStatus, paidAt *time.Time) (Payment, error) {
	row := r.pool.QueryRow(ctx, `UPDATE payments SET status=$3, paid_at=COALESCE($4, paid_at), updated_at=NOW()
WHERE id=$1 AND status=$2 RETURNING `+paymentColumns, id, from, to, paidAt)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrInvalidPaymentState
		}
		return Payment{}, err
	}
	return p, nil
}

// InsertRefund records a refund document.
func (r *Repository) InsertRefund(ctx context.Context, refund Refund) (Refund, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO refunds (payment_id, enrollment_id, amount, method, reason, created_by)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		refund.PaymentID, refund.EnrollmentID, refund.Amount, refund.Method, refund.Reason, refund.CreatedBy)
	if err := row.Scan(&refund.ID, &refund.CreatedAt); err != nil {
		return Refund{}, err
	}
	return refund, nil
}

// GetRefund loads one refund.
func (r *Repository) GetRefund(ctx context.Context, id int64) (Refund, error) {
	var refund Refund
	err := r.pool.QueryRow(ctx, `SELECT id, payment_id, enrollment_id, amount, method, reason, created_by, created_at
FROM refunds WHERE id=$1`, id).
		Scan(&refund.ID, &refund.PaymentID, &refund.EnrollmentID, &refund.Amount, &refund.Method, &refund.Reason, &refund.CreatedBy, &refund.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Refund{}, ErrRefundNotFound
		}
		return Refund{}, err
	}
	return refund, nil
}

func nullIntPtr(val *int64) any {
	if val == nil || *val == 0 {
		return nil
	}
	return *val
}
