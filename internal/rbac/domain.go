package rbac

import "time"

// Capability names used by the HTTP boundary. Services below the handlers
// never see permission strings, only the booleans derived from them.
const (
	PermLedgerView  = "ledger.view"
	PermLedgerPost  = "ledger.post"
	PermBillingView = "billing.view"
	PermBillingEdit = "billing.edit"
	PermEnrollView  = "enrollment.view"
	PermEnrollEdit  = "enrollment.edit"
	PermVoucherView = "voucher.view"
	PermVoucherEdit = "voucher.edit"
	PermVoucherPost = "voucher.post"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
}
