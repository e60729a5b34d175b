package enrollment

import (
	"context"

	"github.com/atlas-lms/atlas-lms/internal/money"
)

// CreatedEvent fires once when a new enrollment is opened.
type CreatedEvent struct {
	EnrollmentID     int64
	Reference        string
	StudentID        int64
	UserID           int64
	BranchID         *int64
	TotalAmount      money.Amount
	InstallmentCount int
}

// CompletedEvent fires when an active enrollment finishes its course.
type CompletedEvent struct {
	EnrollmentID int64
	Reference    string
	BranchID     *int64
	TotalAmount  money.Amount
}

// EventSink receives enrollment domain events for invoice generation and
// ledger integration.
type EventSink interface {
	HandleEnrollmentCreated(ctx context.Context, evt CreatedEvent) error
	HandleEnrollmentCompleted(ctx context.Context, evt CompletedEvent) error
}
