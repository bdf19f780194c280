package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ── Domain types for the bill lifecycle ──────────────────────────────────────

// BillStatus is the lifecycle state of a bill.
type BillStatus string

const (
	StatusDraft    BillStatus = "DRAFT"
	StatusReady    BillStatus = "READY_FOR_VERIFICATION"
	StatusApproved BillStatus = "APPROVED"
	StatusRejected BillStatus = "REJECTED"
)

// ParseBillStatus validates a status filter value.
func ParseBillStatus(s string) (BillStatus, error) {
	switch st := BillStatus(s); st {
	case StatusDraft, StatusReady, StatusApproved, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown bill status %q", s)
}

// IsOpen reports whether a bill in this status occupies its period slot.
func (s BillStatus) IsOpen() bool {
	return s == StatusDraft || s == StatusReady || s == StatusRejected
}

// ActionType names an audit entry.
type ActionType string

const (
	ActionCreated     ActionType = "CREATED"
	ActionSubmitted   ActionType = "SUBMITTED"
	ActionResubmitted ActionType = "RESUBMITTED"
	ActionApproved    ActionType = "APPROVED"
	ActionRejected    ActionType = "REJECTED"
	ActionLocked      ActionType = "LOCKED"
	ActionUnlocked    ActionType = "UNLOCKED"
)

// Bill is one vendor's claim for a district and period.
type Bill struct {
	ID             string
	VendorID       string
	DistrictCode   string
	Month          int
	Year           int
	Status         BillStatus
	RejectionCount int
	IsLocked       bool
	SubmittedAt    *time.Time
	VerifiedBy     *string
	VerifiedAt     *time.Time
	Remarks        *string
	SignedHash     *string
	SignedBy       *string
	SignedAt       *time.Time
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BillItem is one commodity line. DistrictCode is the parent bill's district
// at insert time and is never updated afterwards.
type BillItem struct {
	ID                string
	BillID            string
	DistrictCode      string
	Commodity         string
	VendorQuantity    decimal.Decimal
	Unit              string
	ReferenceQuantity decimal.Decimal
	CreatedAt         time.Time
}

// Difference is vendor quantity minus reference quantity.
func (i *BillItem) Difference() decimal.Decimal {
	return i.VendorQuantity.Sub(i.ReferenceQuantity)
}

// QuantityScale is the number of decimal places stored for item quantities.
// Quantities are NUMERIC(14, 3) columns.
const QuantityScale = 3

var quantityLimit = decimal.New(1, 14-QuantityScale)

// QuantityFits reports whether q is stored exactly: at most QuantityScale
// decimal places and an absolute value below 10^11.
func QuantityFits(q decimal.Decimal) bool {
	return q.Equal(q.Truncate(QuantityScale)) && q.Abs().LessThan(quantityLimit)
}

// BillAction is one immutable record in the audit log.
type BillAction struct {
	ID          int64
	BillID      string
	Action      ActionType
	PerformedBy string
	Role        string
	Remarks     *string
	CreatedAt   time.Time
}

// BillFilter narrows a bill listing. Zero values mean "any".
type BillFilter struct {
	Status       BillStatus
	VendorID     string
	VerifierID   string
	DistrictCode string
	Month        int
	Year         int
	Limit        int
	Offset       int
}

// BillSummary is a list row.
type BillSummary struct {
	Bill
	VendorName string
	ItemCount  int
}

// PendingBill is a verifier work-queue row.
type PendingBill struct {
	BillSummary
	LatestVendorRemark *string
}

// DashboardSummary holds HQ aggregate counts.
type DashboardSummary struct {
	Pending        int `json:"pending"`
	Approved       int `json:"approved"`
	Rejected       int `json:"rejected"`
	Draft          int `json:"draft"`
	Locked         int `json:"locked"`
	TotalVendors   int `json:"total_vendors"`
	TotalVerifiers int `json:"total_verifiers"`
}

// ── Store contracts ──────────────────────────────────────────────────────────

// Store runs lifecycle mutations atomically. Either every write made through
// the Tx is committed or none is.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface available inside a transaction.
type Tx interface {
	GetBill(ctx context.Context, id string) (*Bill, error)
	// InsertBill assigns ID, Version and timestamps. A second open bill for
	// the same period fails with a conflict.
	InsertBill(ctx context.Context, b *Bill) error
	// UpdateBill writes b only if the stored version equals expectedVersion,
	// then sets b.Version to the new version. A mismatch is a conflict.
	UpdateBill(ctx context.Context, b *Bill, expectedVersion int) error
	CountItems(ctx context.Context, billID string) (int, error)
	InsertItems(ctx context.Context, items []*BillItem) error
	DeleteItem(ctx context.Context, billID, itemID string) error
	DeleteItems(ctx context.Context, billID string) (int, error)
	AppendAction(ctx context.Context, a *BillAction) error
}

// Reader is the read-only projection surface.
type Reader interface {
	GetBill(ctx context.Context, id string) (*Bill, error)
	ListItems(ctx context.Context, billID string) ([]*BillItem, error)
	ListActions(ctx context.Context, billID string) ([]*BillAction, error)
	LatestRemark(ctx context.Context, billID, role string) (*string, error)
	ListBills(ctx context.Context, f BillFilter) ([]*BillSummary, int64, error)
	ListPending(ctx context.Context, districtCode string) ([]*PendingBill, error)
	Dashboard(ctx context.Context) (*DashboardSummary, error)
	VendorIDForUser(ctx context.Context, userID string) (string, error)
}
