package repository

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/database"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
)

const openPeriodConstraint = "bills_open_period_key"

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BillRepository is the Postgres Bill Store.
type BillRepository struct {
	db      *database.DB
	actions *BillActionRepository
}

// NewBillRepository creates a new bill repository
func NewBillRepository(db *database.DB) *BillRepository {
	return &BillRepository{db: db, actions: NewBillActionRepository(db)}
}

// InTx runs fn in a read-committed transaction.
func (r *BillRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&billTx{tx: tx, actions: r.actions})
	})
	if err == nil || errors.CodeOf(err) != errors.ErrCodeInternal {
		return err
	}
	if pgconn.SafeToRetry(err) {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "bill store unavailable")
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "bill transaction failed")
}

// GetBill reads a bill outside any transaction.
func (r *BillRepository) GetBill(ctx context.Context, id string) (*Bill, error) {
	return getBill(ctx, r.db, id)
}

// ListItems returns a bill's items in insertion order.
func (r *BillRepository) ListItems(ctx context.Context, billID string) ([]*BillItem, error) {
	query := `
		SELECT id, bill_id, district_code, commodity,
		       vendor_quantity::text, unit, reference_quantity::text, created_at
		FROM bill_items
		WHERE bill_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, billID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list bill items")
	}
	defer rows.Close()

	var items []*BillItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate bill items")
	}
	return items, nil
}

// ListActions returns the audit trail of a bill, oldest first.
func (r *BillRepository) ListActions(ctx context.Context, billID string) ([]*BillAction, error) {
	return r.actions.GetByBillID(ctx, billID)
}

// LatestRemark returns the most recent non-empty remark left by role.
func (r *BillRepository) LatestRemark(ctx context.Context, billID, role string) (*string, error) {
	return r.actions.LatestRemark(ctx, billID, role)
}

// ── transaction ──────────────────────────────────────────────────────────────

type billTx struct {
	tx      pgx.Tx
	actions *BillActionRepository
}

func (t *billTx) GetBill(ctx context.Context, id string) (*Bill, error) {
	return getBill(ctx, t.tx, id)
}

func (t *billTx) InsertBill(ctx context.Context, b *Bill) error {
	query := `
		INSERT INTO bills (vendor_id, district_code, month, year, status, rejection_count, is_locked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, version, created_at, updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		b.VendorID,
		b.DistrictCode,
		b.Month,
		b.Year,
		string(b.Status),
		b.RejectionCount,
		b.IsLocked,
	).Scan(&b.ID, &b.Version, &b.CreatedAt, &b.UpdatedAt)

	if database.IsUniqueViolation(err, openPeriodConstraint) {
		return errors.Conflict("bill already exists for this month/year")
	}
	if database.IsCheckViolation(err) {
		return errors.Wrap(err, errors.ErrCodeValidation, "bill rejected by schema constraint")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create bill")
	}
	return nil
}

func (t *billTx) UpdateBill(ctx context.Context, b *Bill, expectedVersion int) error {
	query := `
		UPDATE bills
		SET status = $3,
		    rejection_count = $4,
		    is_locked = $5,
		    submitted_at = $6,
		    verified_by = $7,
		    verified_at = $8,
		    remarks = $9,
		    signed_hash = $10,
		    signed_by = $11,
		    signed_at = $12,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		b.ID,
		expectedVersion,
		string(b.Status),
		b.RejectionCount,
		b.IsLocked,
		b.SubmittedAt,
		b.VerifiedBy,
		b.VerifiedAt,
		b.Remarks,
		b.SignedHash,
		b.SignedBy,
		b.SignedAt,
	).Scan(&b.Version, &b.UpdatedAt)

	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Conflict("bill was modified concurrently, reload and retry")
	}
	if database.IsUniqueViolation(err, openPeriodConstraint) {
		return errors.Conflict("another open bill exists for this month/year")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update bill")
	}
	return nil
}

func (t *billTx) CountItems(ctx context.Context, billID string) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM bill_items WHERE bill_id = $1`, billID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count bill items")
	}
	return n, nil
}

func (t *billTx) InsertItems(ctx context.Context, items []*BillItem) error {
	query := `
		INSERT INTO bill_items (bill_id, district_code, commodity, vendor_quantity, unit, reference_quantity)
		VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric)
		RETURNING id, created_at
	`

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(query,
			item.BillID,
			item.DistrictCode,
			item.Commodity,
			item.VendorQuantity.String(),
			item.Unit,
			item.ReferenceQuantity.String(),
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for _, item := range items {
		err := br.QueryRow().Scan(&item.ID, &item.CreatedAt)
		if database.IsCheckViolation(err) || database.IsOutOfRange(err) {
			return errors.Wrap(err, errors.ErrCodeValidation, fmt.Sprintf("bill item %q has an invalid quantity", item.Commodity))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert bill item")
		}
	}
	return nil
}

func (t *billTx) DeleteItem(ctx context.Context, billID, itemID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM bill_items WHERE id = $1 AND bill_id = $2`, itemID, billID)
	if database.IsInvalidInput(err) {
		return errors.NotFound("bill item", itemID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete bill item")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("bill item", itemID)
	}
	return nil
}

func (t *billTx) DeleteItems(ctx context.Context, billID string) (int, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, billID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to clear bill items")
	}
	return int(tag.RowsAffected()), nil
}

func (t *billTx) AppendAction(ctx context.Context, a *BillAction) error {
	return t.actions.Append(ctx, t.tx, a)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

const billColumns = `
	b.id, b.vendor_id, b.district_code, b.month, b.year, b.status,
	b.rejection_count, b.is_locked, b.submitted_at, b.verified_by, b.verified_at,
	b.remarks, b.signed_hash, b.signed_by, b.signed_at, b.version,
	b.created_at, b.updated_at`

func getBill(ctx context.Context, q querier, id string) (*Bill, error) {
	query := `SELECT` + billColumns + ` FROM bills b WHERE b.id = $1`

	bill, err := scanBill(q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) || database.IsInvalidInput(err) {
		return nil, errors.NotFound("bill", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get bill")
	}
	return bill, nil
}

func scanBill(sc rowScanner, extra ...any) (*Bill, error) {
	b := &Bill{}
	var status string
	dest := []any{
		&b.ID, &b.VendorID, &b.DistrictCode, &b.Month, &b.Year, &status,
		&b.RejectionCount, &b.IsLocked, &b.SubmittedAt, &b.VerifiedBy, &b.VerifiedAt,
		&b.Remarks, &b.SignedHash, &b.SignedBy, &b.SignedAt, &b.Version,
		&b.CreatedAt, &b.UpdatedAt,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	b.Status = BillStatus(status)
	return b, nil
}

func scanItem(sc rowScanner) (*BillItem, error) {
	item := &BillItem{}
	var vendorQty, refQty string
	err := sc.Scan(
		&item.ID,
		&item.BillID,
		&item.DistrictCode,
		&item.Commodity,
		&vendorQty,
		&item.Unit,
		&refQty,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan bill item")
	}

	if item.VendorQuantity, err = decimal.NewFromString(vendorQty); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid vendor quantity")
	}
	if item.ReferenceQuantity, err = decimal.NewFromString(refQty); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid reference quantity")
	}
	return item, nil
}
