package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-bvas-bills/internal/auth"
	"github.com/pesio-ai/be-bvas-bills/internal/client"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

// RejectionCeiling is the number of rejections after which a resubmit
// attempt locks the bill instead.
const RejectionCeiling = 5

const (
	defaultUnit       = "kg"
	defaultLockReason = "Locked by HQ"
	unlockRemark      = "Bill unlocked by HQ"
)

// Recorder receives lifecycle metrics.
type Recorder interface {
	RecordTransition(action string)
	RecordFailure(operation, code string)
}

// CacheInvalidator drops derived read models after a commit.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// BillService is the bill lifecycle engine. Every operation runs in one
// store transaction that re-reads the bill, checks preconditions, writes the
// bill under its version and appends the audit entry.
type BillService struct {
	store     repository.Store
	reference client.ReferenceSource
	events    client.EventPublisher
	cache     CacheInvalidator
	metrics   Recorder
	now       func() time.Time
	log       *logger.Logger
}

// BillServiceOption configures optional collaborators.
type BillServiceOption func(*BillService)

func WithEventPublisher(p client.EventPublisher) BillServiceOption {
	return func(s *BillService) { s.events = p }
}

func WithCacheInvalidator(c CacheInvalidator) BillServiceOption {
	return func(s *BillService) { s.cache = c }
}

func WithRecorder(r Recorder) BillServiceOption {
	return func(s *BillService) { s.metrics = r }
}

func WithClock(now func() time.Time) BillServiceOption {
	return func(s *BillService) { s.now = now }
}

// NewBillService creates a new bill service
func NewBillService(store repository.Store, reference client.ReferenceSource, log *logger.Logger, opts ...BillServiceOption) *BillService {
	s := &BillService{
		store:     store,
		reference: reference,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBillRequest represents a create bill request
type CreateBillRequest struct {
	Month        int
	Year         int
	DistrictCode string
}

// ItemRequest is one commodity line to add.
type ItemRequest struct {
	Commodity string
	Quantity  decimal.Decimal
	Unit      string
}

// ReviewRequest is a verifier decision.
type ReviewRequest struct {
	Decision string
	Remarks  string
}

// transition describes what a committed operation did, for the post-commit
// hooks.
type transition struct {
	bill    *repository.Bill
	action  repository.ActionType
	actor   string
	remarks *string
	event   string
}

// CreateBill opens a DRAFT bill for the vendor's period and district.
func (s *BillService) CreateBill(ctx context.Context, vc auth.VendorCapability, req *CreateBillRequest) (*repository.Bill, error) {
	const op = "create"

	district := strings.TrimSpace(req.DistrictCode)
	if req.Month < 1 || req.Month > 12 {
		return nil, s.fail(op, errors.InvalidInput("month", "must be between 1 and 12"))
	}
	if req.Year < 2000 || req.Year > 2100 {
		return nil, s.fail(op, errors.InvalidInput("year", "must be between 2000 and 2100"))
	}
	if district == "" {
		return nil, s.fail(op, errors.InvalidInput("district_code", "is required"))
	}

	bill := &repository.Bill{
		VendorID:     vc.VendorID(),
		DistrictCode: district,
		Month:        req.Month,
		Year:         req.Year,
		Status:       repository.StatusDraft,
	}

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertBill(ctx, bill); err != nil {
			return err
		}
		return tx.AppendAction(ctx, vendorAction(bill.ID, repository.ActionCreated, vc, nil))
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.log.Info().
		Str("bill_id", bill.ID).
		Str("vendor_id", bill.VendorID).
		Str("district_code", bill.DistrictCode).
		Int("month", bill.Month).
		Int("year", bill.Year).
		Msg("Bill created")

	s.committed(ctx, transition{bill: bill, action: repository.ActionCreated, actor: vc.UserID()})
	return bill, nil
}

// AddItems appends commodity lines to an editable bill. Reference quantities
// are fetched before the transaction; the transaction then confirms the bill
// has not changed since it was checked.
func (s *BillService) AddItems(ctx context.Context, vc auth.VendorCapability, billID string, reqs []ItemRequest) ([]*repository.BillItem, error) {
	const op = "add_items"

	if len(reqs) == 0 {
		return nil, s.fail(op, errors.InvalidInput("items", "at least one item is required"))
	}
	for i, r := range reqs {
		if strings.TrimSpace(r.Commodity) == "" {
			return nil, s.fail(op, errors.InvalidInput(fmt.Sprintf("items[%d].commodity", i), "is required"))
		}
		if r.Quantity.IsNegative() {
			return nil, s.fail(op, errors.InvalidInput(fmt.Sprintf("items[%d].quantity", i), "must not be negative"))
		}
		if !repository.QuantityFits(r.Quantity) {
			return nil, s.fail(op, errors.InvalidInput(fmt.Sprintf("items[%d].quantity", i),
				fmt.Sprintf("must be below 10^11 with at most %d decimal places", repository.QuantityScale)))
		}
	}

	snapshot, err := s.snapshot(ctx, billID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if err := checkEditable(snapshot, vc); err != nil {
		return nil, s.fail(op, err)
	}

	items := make([]*repository.BillItem, 0, len(reqs))
	for _, r := range reqs {
		unit := strings.TrimSpace(r.Unit)
		if unit == "" {
			unit = defaultUnit
		}
		commodity := strings.TrimSpace(r.Commodity)

		ref, err := s.reference.ReferenceQuantity(ctx, client.ReferenceQuery{
			DistrictCode: snapshot.DistrictCode,
			Commodity:    commodity,
			Unit:         unit,
			Month:        snapshot.Month,
			Year:         snapshot.Year,
		})
		if err != nil {
			return nil, s.fail(op, errors.Wrap(err, errors.CodeOf(err), "failed to get reference quantity"))
		}
		ref = ref.Round(repository.QuantityScale)
		if !repository.QuantityFits(ref) {
			return nil, s.fail(op, errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("reference quantity %s for %s is out of range", ref, commodity)))
		}

		items = append(items, &repository.BillItem{
			BillID:            billID,
			DistrictCode:      snapshot.DistrictCode,
			Commodity:         commodity,
			VendorQuantity:    r.Quantity,
			Unit:              unit,
			ReferenceQuantity: ref,
		})
	}

	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		bill, err := tx.GetBill(ctx, billID)
		if err != nil {
			return err
		}
		if bill.Version != snapshot.Version {
			return errors.Conflict("bill was modified concurrently, reload and retry")
		}
		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		return tx.InsertItems(ctx, items)
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.log.Info().
		Str("bill_id", billID).
		Int("items", len(items)).
		Str("performed_by", vc.UserID()).
		Msg("Bill items added")
	return items, nil
}

// RemoveItem deletes one item from an editable bill.
func (s *BillService) RemoveItem(ctx context.Context, vc auth.VendorCapability, billID, itemID string) error {
	const op = "remove_item"

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		bill, err := ownedBill(ctx, tx, billID, vc)
		if err != nil {
			return err
		}
		if err := checkEditable(bill, vc); err != nil {
			return err
		}
		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		return tx.DeleteItem(ctx, billID, itemID)
	})
	if err != nil {
		return s.fail(op, err)
	}

	s.log.Info().Str("bill_id", billID).Str("item_id", itemID).Msg("Bill item removed")
	return nil
}

// ClearItems deletes every item of a rejected, unlocked bill.
func (s *BillService) ClearItems(ctx context.Context, vc auth.VendorCapability, billID string) (int, error) {
	const op = "clear_items"

	var removed int
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		bill, err := ownedBill(ctx, tx, billID, vc)
		if err != nil {
			return err
		}
		if bill.IsLocked {
			return errors.Locked("bill is locked by HQ")
		}
		if bill.Status != repository.StatusRejected {
			return errors.InvalidState("items can only be cleared on a rejected bill")
		}
		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		removed, err = tx.DeleteItems(ctx, billID)
		return err
	})
	if err != nil {
		return 0, s.fail(op, err)
	}

	s.log.Info().Str("bill_id", billID).Int("removed", removed).Msg("Bill items cleared")
	return removed, nil
}

// Submit sends a DRAFT bill for verification.
func (s *BillService) Submit(ctx context.Context, vc auth.VendorCapability, billID string) (*repository.Bill, error) {
	const op = "submit"

	var bill *repository.Bill
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		if bill, err = ownedBill(ctx, tx, billID, vc); err != nil {
			return err
		}
		if bill.IsLocked {
			return errors.Locked("bill is locked by HQ")
		}
		if bill.Status != repository.StatusDraft {
			return errors.InvalidState(fmt.Sprintf("only DRAFT bills can be submitted, bill is %s", bill.Status))
		}
		if err := requireItems(ctx, tx, billID, "cannot submit a bill without items"); err != nil {
			return err
		}

		now := s.now()
		bill.Status = repository.StatusReady
		bill.SubmittedAt = &now

		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		return tx.AppendAction(ctx, vendorAction(bill.ID, repository.ActionSubmitted, vc, nil))
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.log.Info().
		Str("bill_id", bill.ID).
		Str("status", string(bill.Status)).
		Str("performed_by", vc.UserID()).
		Msg("Bill submitted")

	s.committed(ctx, transition{bill: bill, action: repository.ActionSubmitted, actor: vc.UserID(), event: client.EventBillSubmitted})
	return bill, nil
}

// Resubmit sends a REJECTED bill back for verification. A resubmit attempted
// once the bill has reached the rejection ceiling locks the bill instead;
// the lock is committed and the call fails with a rejection-limit error.
func (s *BillService) Resubmit(ctx context.Context, vc auth.VendorCapability, billID, remarks string) (*repository.Bill, error) {
	const op = "resubmit"

	note := optional(remarks)
	var bill *repository.Bill
	var limitErr error

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		if bill, err = ownedBill(ctx, tx, billID, vc); err != nil {
			return err
		}
		if bill.Status != repository.StatusRejected {
			return errors.InvalidState(fmt.Sprintf("only REJECTED bills can be resubmitted, bill is %s", bill.Status))
		}
		if bill.IsLocked {
			return errors.Locked("bill is locked by HQ")
		}

		if bill.RejectionCount >= RejectionCeiling {
			bill.IsLocked = true
			if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
				return err
			}
			reason := fmt.Sprintf("Auto-locked: rejection limit of %d reached", RejectionCeiling)
			if err := tx.AppendAction(ctx, vendorAction(bill.ID, repository.ActionLocked, vc, &reason)); err != nil {
				return err
			}
			limitErr = errors.RejectionLimit(fmt.Sprintf("bill rejected %d times, locked pending HQ review", bill.RejectionCount))
			return nil
		}

		if err := requireItems(ctx, tx, billID, "cannot resubmit a bill without items"); err != nil {
			return err
		}

		now := s.now()
		bill.Status = repository.StatusReady
		bill.SubmittedAt = &now
		bill.Remarks = nil
		bill.VerifiedBy = nil
		bill.VerifiedAt = nil

		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		return tx.AppendAction(ctx, vendorAction(bill.ID, repository.ActionResubmitted, vc, note))
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	if limitErr != nil {
		s.log.Warn().
			Str("bill_id", bill.ID).
			Int("rejection_count", bill.RejectionCount).
			Str("performed_by", vc.UserID()).
			Msg("Bill auto-locked at rejection ceiling")

		s.committed(ctx, transition{bill: bill, action: repository.ActionLocked, actor: vc.UserID(), event: client.EventBillLocked})
		return bill, s.fail(op, limitErr)
	}

	s.log.Info().
		Str("bill_id", bill.ID).
		Int("rejection_count", bill.RejectionCount).
		Str("performed_by", vc.UserID()).
		Msg("Bill resubmitted")

	s.committed(ctx, transition{bill: bill, action: repository.ActionResubmitted, actor: vc.UserID(), remarks: note, event: client.EventBillResubmitted})
	return bill, nil
}

// Review records a verifier's decision on a bill awaiting verification.
func (s *BillService) Review(ctx context.Context, dc auth.VerifierCapability, billID string, req *ReviewRequest) (*repository.Bill, error) {
	const op = "review"

	decision := repository.ActionType(strings.ToUpper(strings.TrimSpace(req.Decision)))
	remarks := strings.TrimSpace(req.Remarks)
	switch decision {
	case repository.ActionApproved:
	case repository.ActionRejected:
		if remarks == "" {
			return nil, s.fail(op, errors.InvalidInput("remarks", "are required when rejecting"))
		}
	default:
		return nil, s.fail(op, errors.InvalidInput("action", "must be APPROVED or REJECTED"))
	}
	note := optional(remarks)

	var bill *repository.Bill
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		if bill, err = tx.GetBill(ctx, billID); err != nil {
			return err
		}
		if bill.DistrictCode != dc.DistrictCode() {
			return errors.Scope("bill belongs to another district")
		}
		if bill.IsLocked {
			return errors.Locked("bill is locked by HQ")
		}
		if bill.Status != repository.StatusReady {
			return errors.InvalidState(fmt.Sprintf("only bills awaiting verification can be reviewed, bill is %s", bill.Status))
		}

		now := SignatureTime(s.now())
		verifier := dc.UserID()
		bill.VerifiedBy = &verifier
		bill.VerifiedAt = &now

		if decision == repository.ActionApproved {
			if err := requireItems(ctx, tx, billID, "cannot approve a bill without items"); err != nil {
				return err
			}
			hash, err := SignApproval(bill.ID, verifier, now)
			if err != nil {
				return err
			}
			bill.Status = repository.StatusApproved
			bill.Remarks = nil
			bill.SignedHash = &hash
			bill.SignedBy = &verifier
			bill.SignedAt = &now
		} else {
			bill.Status = repository.StatusRejected
			bill.RejectionCount++
			bill.Remarks = note
		}

		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		return tx.AppendAction(ctx, &repository.BillAction{
			BillID:      bill.ID,
			Action:      decision,
			PerformedBy: verifier,
			Role:        string(auth.RoleDistrictVerifier),
			Remarks:     note,
		})
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.log.Info().
		Str("bill_id", bill.ID).
		Str("status", string(bill.Status)).
		Int("rejection_count", bill.RejectionCount).
		Str("performed_by", dc.UserID()).
		Msg("Bill reviewed")

	event := client.EventBillApproved
	if decision == repository.ActionRejected {
		event = client.EventBillRejected
	}
	s.committed(ctx, transition{bill: bill, action: decision, actor: dc.UserID(), remarks: note, event: event})
	return bill, nil
}

// Lock blocks vendor transitions on a bill until HQ unlocks it.
func (s *BillService) Lock(ctx context.Context, hq auth.HQCapability, billID, reason string) (*repository.Bill, error) {
	const op = "lock"

	if strings.TrimSpace(reason) == "" {
		reason = defaultLockReason
	}
	note := optional(reason)

	var bill *repository.Bill
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		if bill, err = tx.GetBill(ctx, billID); err != nil {
			return err
		}
		if bill.Status == repository.StatusApproved {
			return errors.InvalidState("approved bills cannot be locked")
		}
		if bill.IsLocked {
			return errors.InvalidState("bill is already locked")
		}

		bill.IsLocked = true
		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		return tx.AppendAction(ctx, hqAction(bill.ID, repository.ActionLocked, hq, note))
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.log.Info().Str("bill_id", bill.ID).Str("performed_by", hq.UserID()).Msg("Bill locked")
	s.committed(ctx, transition{bill: bill, action: repository.ActionLocked, actor: hq.UserID(), remarks: note, event: client.EventBillLocked})
	return bill, nil
}

// Unlock clears the lock, resets the rejection count and returns any
// non-DRAFT bill to REJECTED so the vendor can correct and resubmit.
func (s *BillService) Unlock(ctx context.Context, hq auth.HQCapability, billID string) (*repository.Bill, error) {
	const op = "unlock"

	note := optional(unlockRemark)
	var bill *repository.Bill
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		if bill, err = tx.GetBill(ctx, billID); err != nil {
			return err
		}
		if !bill.IsLocked {
			return errors.InvalidState("bill is not locked")
		}

		bill.IsLocked = false
		bill.RejectionCount = 0
		if bill.Status != repository.StatusDraft {
			bill.Status = repository.StatusRejected
		}

		if err := tx.UpdateBill(ctx, bill, bill.Version); err != nil {
			return err
		}
		return tx.AppendAction(ctx, hqAction(bill.ID, repository.ActionUnlocked, hq, note))
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.log.Info().
		Str("bill_id", bill.ID).
		Str("status", string(bill.Status)).
		Str("performed_by", hq.UserID()).
		Msg("Bill unlocked")

	s.committed(ctx, transition{bill: bill, action: repository.ActionUnlocked, actor: hq.UserID(), remarks: note, event: client.EventBillUnlocked})
	return bill, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// snapshot reads a bill in a transaction of its own.
func (s *BillService) snapshot(ctx context.Context, billID string) (*repository.Bill, error) {
	var bill *repository.Bill
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		bill, err = tx.GetBill(ctx, billID)
		return err
	})
	return bill, err
}

func ownedBill(ctx context.Context, tx repository.Tx, billID string, vc auth.VendorCapability) (*repository.Bill, error) {
	bill, err := tx.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	if bill.VendorID != vc.VendorID() {
		return nil, errors.Scope("bill belongs to another vendor")
	}
	return bill, nil
}

// checkEditable enforces the item-edit guard: owned, unlocked, DRAFT or
// REJECTED.
func checkEditable(bill *repository.Bill, vc auth.VendorCapability) error {
	if bill.VendorID != vc.VendorID() {
		return errors.Scope("bill belongs to another vendor")
	}
	if bill.IsLocked {
		return errors.Locked("bill is locked by HQ")
	}
	if bill.Status != repository.StatusDraft && bill.Status != repository.StatusRejected {
		return errors.InvalidState(fmt.Sprintf("items cannot be changed while bill is %s", bill.Status))
	}
	return nil
}

func requireItems(ctx context.Context, tx repository.Tx, billID, message string) error {
	n, err := tx.CountItems(ctx, billID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.EmptyBill(message)
	}
	return nil
}

func vendorAction(billID string, action repository.ActionType, vc auth.VendorCapability, remarks *string) *repository.BillAction {
	return &repository.BillAction{
		BillID:      billID,
		Action:      action,
		PerformedBy: vc.UserID(),
		Role:        string(auth.RoleVendor),
		Remarks:     remarks,
	}
}

func hqAction(billID string, action repository.ActionType, hq auth.HQCapability, remarks *string) *repository.BillAction {
	return &repository.BillAction{
		BillID:      billID,
		Action:      action,
		PerformedBy: hq.UserID(),
		Role:        string(auth.RoleHQAdmin),
		Remarks:     remarks,
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// committed runs the post-commit hooks. None of them can fail the operation.
func (s *BillService) committed(ctx context.Context, t transition) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(t.action))
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.Warn().Err(err).Str("bill_id", t.bill.ID).Msg("Failed to invalidate dashboard cache")
		}
	}
	if s.events != nil && t.event != "" {
		s.events.PublishBillEvent(ctx, t.event, t.bill, t.actor, t.remarks)
	}
}

func (s *BillService) fail(op string, err error) error {
	if s.metrics != nil {
		s.metrics.RecordFailure(op, string(errors.CodeOf(err)))
	}
	return err
}
