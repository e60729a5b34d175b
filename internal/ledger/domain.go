package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusDraft  JournalStatus = "DRAFT"
	JournalStatusPosted JournalStatus = "POSTED"
	JournalStatusVoid   JournalStatus = "VOID"
)

// RefKind is the closed set of business objects a journal can originate from.
type RefKind string

const (
	RefEnrollment RefKind = "ENROLLMENT"
	RefPayment    RefKind = "PAYMENT"
	RefRefund     RefKind = "REFUND"
	RefVoucher    RefKind = "VOUCHER"
)

// Valid reports whether k is one of the known reference kinds.
func (k RefKind) Valid() bool {
	switch k {
	case RefEnrollment, RefPayment, RefRefund, RefVoucher:
		return true
	}
	return false
}

// Ref identifies the business object that caused a journal. The kind/id pair
// replaces the loosely-typed polymorphic (string, id) columns of older
// designs with a closed enum.
type Ref struct {
	Kind RefKind
	ID   int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Account models a chart of accounts node. Accounts referenced by posted
// journal lines are treated as immutable; the posting path only reads them.
type Account struct {
	ID        int64
	Code      string
	Name      string
	Type      AccountType
	ParentID  *int64
	BranchID  *int64 // nil = global account
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal captures posting metadata for one balanced set of lines.
type Journal struct {
	ID            int64
	Number        int64
	Ref           Ref
	Discriminator string // account role key distinguishing journal kinds per ref
	JournalDate   time.Time
	Memo          string
	Status        JournalStatus
	PostedBy      int64
	PostedAt      time.Time
	BranchID      *int64
	CreatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Lines         []JournalLine
}

// Reference renders the human-facing journal id.
func (j Journal) Reference() string {
	return fmt.Sprintf("JRN-%06d", j.Number)
}

// JournalLine stores a debit or credit amount for an account. Exactly one of
// debit/credit is non-zero.
type JournalLine struct {
	ID           int64
	JournalID    int64
	AccountID    int64
	AccountCode  string
	Debit        money.Amount
	Credit       money.Amount
	CostCenterID *int64
	Description  string
	CreatedAt    time.Time
}

// PostingLineInput describes a journal line for a posting request. Accounts
// are addressed by chart code; resolution happens inside the posting
// transaction and fails loudly on unknown or inactive codes.
type PostingLineInput struct {
	AccountCode  string
	Debit        money.Amount
	Credit       money.Amount
	CostCenterID *int64
	Description  string
}

// PostingInput groups fields required to create a journal.
type PostingInput struct {
	Ref           Ref
	Discriminator string
	JournalDate   time.Time
	Memo          string
	BranchID      *int64
	ActorID       int64
	Lines         []PostingLineInput
}

// PairInput is the two-line double-entry contract used by every automatic
// posting in this system.
type PairInput struct {
	DebitCode  string
	CreditCode string
	Amount     money.Amount
	Ref        Ref
	// Discriminator overrides the idempotency role key; empty means the
	// debit account code.
	Discriminator string
	JournalDate   time.Time
	Memo          string
	BranchID      *int64
	ActorID       int64
}

// VoidInput wraps parameters for voiding.
type VoidInput struct {
	JournalID int64
	ActorID   int64
	Reason    string
}

// ReverseInput wraps parameters for an explicit reversing journal.
type ReverseInput struct {
	JournalID   int64
	ActorID     int64
	Memo        string
	JournalDate *time.Time
}

// TrialBalanceRow aggregates posted activity per account.
type TrialBalanceRow struct {
	AccountCode string
	AccountName string
	Debit       money.Amount
	Credit      money.Amount
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("ledger: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("ledger: journal requires at least two lines")
	// ErrInvalidRef indicates an unknown reference kind or missing id.
	ErrInvalidRef = errors.New("ledger: invalid journal reference")
	// ErrAccountNotFound indicates a chart code with no account row.
	ErrAccountNotFound = errors.New("ledger: account code not found")
	// ErrAccountInactive indicates a resolved but deactivated account.
	ErrAccountInactive = errors.New("ledger: account is inactive")
	// ErrJournalNotFound indicates a missing journal.
	ErrJournalNotFound = errors.New("ledger: journal not found")
	// ErrInvalidStatus indicates a forbidden status transition.
	ErrInvalidStatus = errors.New("ledger: invalid status transition")
	// ErrDuplicatePosting indicates the (ref, discriminator) pair already has
	// a journal. Posting listeners treat this as a no-op.
	ErrDuplicatePosting = errors.New("ledger: reference already posted")
)

// Validate ensures posting input meets minimum criteria before any write.
func (in PostingInput) Validate() error {
	if !in.Ref.Kind.Valid() || in.Ref.ID == 0 {
		return ErrInvalidRef
	}
	if in.Discriminator == "" {
		return errors.New("ledger: discriminator required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	var debit, credit money.Amount
	for idx, line := range in.Lines {
		if line.AccountCode == "" {
			return fmt.Errorf("ledger: line %d missing account code", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("ledger: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() == line.Credit.IsPositive() {
			return fmt.Errorf("ledger: line %d must carry exactly one of debit or credit", idx)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit total %s does not equal credit total %s", ErrUnbalanced, debit, credit)
	}
	return nil
}

// Posting converts the pair into a validated two-line posting input. The
// debit account doubles as the idempotency discriminator unless the caller
// chose another role key.
func (in PairInput) Posting(discriminator string) PostingInput {
	if discriminator == "" {
		discriminator = in.DebitCode
	}
	return PostingInput{
		Ref:           in.Ref,
		Discriminator: discriminator,
		JournalDate:   in.JournalDate,
		Memo:          in.Memo,
		BranchID:      in.BranchID,
		ActorID:       in.ActorID,
		Lines: []PostingLineInput{
			{AccountCode: in.DebitCode, Debit: in.Amount, Description: in.Memo},
			{AccountCode: in.CreditCode, Credit: in.Amount, Description: in.Memo},
		},
	}
}
