package repository

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/database"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// ListBills returns bills matching f, newest first, plus the total match count.
func (r *BillRepository) ListBills(ctx context.Context, f BillFilter) ([]*BillSummary, int64, error) {
	where := " WHERE 1=1"
	args := []any{}
	argCount := 0

	add := func(clause string, v any) {
		argCount++
		where += fmt.Sprintf(clause, argCount)
		args = append(args, v)
	}

	if f.Status != "" {
		add(" AND b.status = $%d", string(f.Status))
	}
	if f.VendorID != "" {
		add(" AND b.vendor_id = $%d", f.VendorID)
	}
	if f.VerifierID != "" {
		add(" AND b.verified_by = $%d", f.VerifierID)
	}
	if f.DistrictCode != "" {
		add(" AND b.district_code = $%d", f.DistrictCode)
	}
	if f.Month != 0 {
		add(" AND b.month = $%d", f.Month)
	}
	if f.Year != 0 {
		add(" AND b.year = $%d", f.Year)
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM bills b`+where, args...).Scan(&total); err != nil {
		if database.IsInvalidInput(err) {
			return nil, 0, nil
		}
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count bills")
	}

	limit, offset := pageBounds(f.Limit, f.Offset)
	query := `SELECT` + billColumns + `,
		       COALESCE(v.vendor_name, ''),
		       (SELECT COUNT(*) FROM bill_items i WHERE i.bill_id = b.id)
		FROM bills b
		LEFT JOIN vendors v ON v.id = b.vendor_id` + where +
		fmt.Sprintf(" ORDER BY b.created_at DESC, b.id DESC LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list bills")
	}
	defer rows.Close()

	var bills []*BillSummary
	for rows.Next() {
		s := &BillSummary{}
		b, err := scanBill(rows, &s.VendorName, &s.ItemCount)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan bill")
		}
		s.Bill = *b
		bills = append(bills, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate bills")
	}
	return bills, total, nil
}

// ListPending returns the verification queue of a district, oldest
// submission first, with each bill's latest vendor remark.
func (r *BillRepository) ListPending(ctx context.Context, districtCode string) ([]*PendingBill, error) {
	query := `SELECT` + billColumns + `,
		       COALESCE(v.vendor_name, ''),
		       (SELECT COUNT(*) FROM bill_items i WHERE i.bill_id = b.id),
		       (SELECT a.remarks FROM bill_actions a
		         WHERE a.bill_id = b.id AND a.role = 'VENDOR'
		           AND a.remarks IS NOT NULL AND a.remarks <> ''
		         ORDER BY a.id DESC LIMIT 1)
		FROM bills b
		LEFT JOIN vendors v ON v.id = b.vendor_id
		WHERE b.district_code = $1
		  AND b.status = 'READY_FOR_VERIFICATION'
		  AND b.is_locked = FALSE
		ORDER BY b.submitted_at ASC NULLS LAST, b.id ASC
	`

	rows, err := r.db.Query(ctx, query, districtCode)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending bills")
	}
	defer rows.Close()

	var pending []*PendingBill
	for rows.Next() {
		p := &PendingBill{}
		b, err := scanBill(rows, &p.VendorName, &p.ItemCount, &p.LatestVendorRemark)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending bill")
		}
		p.Bill = *b
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate pending bills")
	}
	return pending, nil
}

// Dashboard computes the HQ aggregate counts in one round trip.
func (r *BillRepository) Dashboard(ctx context.Context) (*DashboardSummary, error) {
	query := `
		SELECT
		    COUNT(*) FILTER (WHERE status = 'READY_FOR_VERIFICATION' AND is_locked = FALSE),
		    COUNT(*) FILTER (WHERE status = 'APPROVED'),
		    COUNT(*) FILTER (WHERE status = 'REJECTED'),
		    COUNT(*) FILTER (WHERE status = 'DRAFT'),
		    COUNT(*) FILTER (WHERE is_locked = TRUE),
		    (SELECT COUNT(*) FROM vendors),
		    (SELECT COUNT(*) FROM verifiers)
		FROM bills
	`

	d := &DashboardSummary{}
	err := r.db.QueryRow(ctx, query).Scan(
		&d.Pending,
		&d.Approved,
		&d.Rejected,
		&d.Draft,
		&d.Locked,
		&d.TotalVendors,
		&d.TotalVerifiers,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute dashboard")
	}
	return d, nil
}

// VendorIDForUser resolves the vendor profile owned by a user.
func (r *BillRepository) VendorIDForUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `SELECT id FROM vendors WHERE user_id = $1 AND is_active`, userID).Scan(&id)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", errors.NotFound("vendor profile", userID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve vendor")
	}
	return id, nil
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
