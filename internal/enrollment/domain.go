package enrollment

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// Status enumerates enrollment lifecycle values. Status is driven by payment
// totals except for the two terminal states, which are sticky: once an
// enrollment is COMPLETED or CANCELLED no payment event mutates it again.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusActive         Status = "ACTIVE"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether the status is sticky.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Enrollment links a student to a course offering and carries the priced
// total. TotalAmount is set at creation and immutable thereafter; PaidAmount
// is a derived cache of the paid payment sum.
type Enrollment struct {
	ID          int64
	Reference   string
	StudentID   int64
	UserID      int64
	CourseID    int64
	BranchID    *int64
	Status      Status
	TotalAmount money.Amount
	PaidAmount  money.Amount
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateInput prices and opens a new enrollment.
type CreateInput struct {
	StudentID        int64
	UserID           int64
	CourseID         int64
	BranchID         *int64
	TotalAmount      money.Amount
	InstallmentCount int
}

var (
	// ErrNotFound indicates a missing enrollment.
	ErrNotFound = errors.New("enrollment: not found")
	// ErrInvalidTransition indicates a forbidden lifecycle transition.
	ErrInvalidTransition = errors.New("enrollment: invalid status transition")
	// ErrNonPositiveAmount rejects unpriced enrollments.
	ErrNonPositiveAmount = errors.New("enrollment: total amount must be positive")
)

var referencePattern = regexp.MustCompile(`^ENR-(\d{4})-(\d{6})$`)

// FormatReference renders ENR-{year}-{6-digit-seq}.
func FormatReference(year, seq int) string {
	return fmt.Sprintf("ENR-%04d-%06d", year, seq)
}

// ParseReferenceSeq extracts the sequence number from a reference generated
// by FormatReference. Returns 0 for anything else.
func ParseReferenceSeq(reference string) int {
	m := referencePattern.FindStringSubmatch(reference)
	if m == nil {
		return 0
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return 0
	}
	return seq
}

// DeriveStatus maps the paid total against the enrollment price. Callers
// handle terminal stickiness before consulting this.
func DeriveStatus(total, paid money.Amount) Status {
	switch {
	case !paid.IsPositive():
		return StatusPending
	case paid.Cmp(total) >= 0 && total.IsPositive():
		return StatusActive
	default:
		return StatusPendingPayment
	}
}
