package voucher

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// Type distinguishes manual voucher directions.
type Type string

const (
	TypeReceipt Type = "RECEIPT"
	TypePayment Type = "PAYMENT"
)

// Valid reports whether t is a known voucher type.
func (t Type) Valid() bool {
	return t == TypeReceipt || t == TypePayment
}

// Status models the one-way voucher lifecycle DRAFT -> POSTED -> CANCELLED.
// Posting writes the ledger journal; cancelling only flips the status and
// never touches the journal.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPosted    Status = "POSTED"
	StatusCancelled Status = "CANCELLED"
)

// Voucher is a manually entered receipt or payment document. Drafts are
// editable; posted vouchers are frozen together with their lines.
type Voucher struct {
	ID          int64
	Type        Type
	BranchID    *int64
	Method      string
	Memo        string
	VoucherDate time.Time
	Status      Status
	PostedBy    *int64
	PostedAt    *time.Time
	JournalID   *int64
	Lines       []Line
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Line carries one chart-code addressed amount.
type Line struct {
	ID          int64
	VoucherID   int64
	AccountCode string
	Debit       money.Amount
	Credit      money.Amount
	Description string
}

// CreateInput describes a new draft voucher.
type CreateInput struct {
	Type        Type
	BranchID    *int64
	Method      string
	Memo        string
	VoucherDate time.Time
	Lines       []LineInput
}

// LineInput is one requested line.
type LineInput struct {
	AccountCode string
	Debit       money.Amount
	Credit      money.Amount
	Description string
}

var (
	// ErrNotFound indicates a missing voucher.
	ErrNotFound = errors.New("voucher: not found")
	// ErrNotDraft rejects mutations of posted or cancelled vouchers.
	ErrNotDraft = errors.New("voucher: not in draft status")
	// ErrNotPosted rejects cancelling anything but a posted voucher.
	ErrNotPosted = errors.New("voucher: not in posted status")
	// ErrForbidden indicates the actor lacks the posting capability.
	ErrForbidden = errors.New("voucher: posting not permitted")
	// ErrUnbalanced indicates drifted debit and credit totals.
	ErrUnbalanced = errors.New("voucher: debits and credits do not balance")
	// ErrTooFewLines rejects vouchers with fewer than two lines.
	ErrTooFewLines = errors.New("voucher: at least two lines required")
)

// Manual vouchers are keyed in by hand, so the balance check allows a wider
// rounding slack than the posting engine's internal tolerance.
var balanceTolerance = decimal.New(1, -2)

// Validate checks line shape and balance for a draft.
func (in CreateInput) Validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("voucher: unknown type %q", in.Type)
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	var debit, credit money.Amount
	for idx, line := range in.Lines {
		if line.AccountCode == "" {
			return fmt.Errorf("voucher: line %d missing account code", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("voucher: line %d has a negative amount", idx)
		}
		if line.Debit.IsPositive() == line.Credit.IsPositive() {
			return fmt.Errorf("voucher: line %d must carry exactly one of debit or credit", idx)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if debit.Sub(credit).Decimal().Abs().GreaterThan(balanceTolerance) {
		return fmt.Errorf("%w: debits %s credits %s", ErrUnbalanced, debit, credit)
	}
	return nil
}
