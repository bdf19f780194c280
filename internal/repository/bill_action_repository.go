package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/database"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
)

// BillActionRepository appends and reads immutable bill audit entries.
type BillActionRepository struct {
	db *database.DB
}

// NewBillActionRepository creates a new BillActionRepository.
func NewBillActionRepository(db *database.DB) *BillActionRepository {
	return &BillActionRepository{db: db}
}

// Append inserts one audit entry through q, normally the transaction that
// also wrote the bill. The table has an update/delete-prevention trigger so
// this is the only mutation exposed.
func (r *BillActionRepository) Append(ctx context.Context, q querier, a *BillAction) error {
	query := `
		INSERT INTO bill_actions (bill_id, action, performed_by, role, remarks)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		a.BillID,
		string(a.Action),
		a.PerformedBy,
		a.Role,
		a.Remarks,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append bill action")
	}
	return nil
}

// GetByBillID returns the full audit trail for a bill ordered oldest-first.
func (r *BillActionRepository) GetByBillID(ctx context.Context, billID string) ([]*BillAction, error) {
	query := `
		SELECT id, bill_id, action, performed_by, role, remarks, created_at
		FROM bill_actions
		WHERE bill_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, billID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get bill history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// LatestRemark returns the newest non-empty remark recorded by role, or nil.
func (r *BillActionRepository) LatestRemark(ctx context.Context, billID, role string) (*string, error) {
	query := `
		SELECT remarks
		FROM bill_actions
		WHERE bill_id = $1 AND role = $2 AND remarks IS NOT NULL AND remarks <> ''
		ORDER BY id DESC
		LIMIT 1
	`

	var remark string
	err := r.db.QueryRow(ctx, query, billID, role).Scan(&remark)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest remark")
	}
	return &remark, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *BillActionRepository) scanRows(rows pgx.Rows) ([]*BillAction, error) {
	var actions []*BillAction
	for rows.Next() {
		a, err := r.scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate bill history")
	}
	return actions, nil
}

func (r *BillActionRepository) scanAction(sc rowScanner) (*BillAction, error) {
	a := &BillAction{}
	var action string

	err := sc.Scan(
		&a.ID,
		&a.BillID,
		&action,
		&a.PerformedBy,
		&a.Role,
		&a.Remarks,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan bill action")
	}

	a.Action = ActionType(action)
	return a, nil
}
