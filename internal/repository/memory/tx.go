package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

// tx buffers writes until commit. Reads see committed state overlaid with
// the transaction's own writes.
type tx struct {
	s *Store

	bills    map[string]*repository.Bill
	expected map[string]int
	inserted []string

	newItems []*repository.BillItem
	deleted  map[string]bool
	cleared  map[string]bool

	actions []*repository.BillAction
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		bills:    make(map[string]*repository.Bill),
		expected: make(map[string]int),
		deleted:  make(map[string]bool),
		cleared:  make(map[string]bool),
	}
}

func (t *tx) current(id string) (*repository.Bill, bool) {
	if b, ok := t.bills[id]; ok {
		return b, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := t.s.bills[id]
	return b, ok
}

func (t *tx) GetBill(ctx context.Context, id string) (*repository.Bill, error) {
	b, ok := t.current(id)
	if !ok {
		return nil, errors.NotFound("bill", id)
	}
	c := *b
	return &c, nil
}

func (t *tx) InsertBill(ctx context.Context, b *repository.Bill) error {
	t.s.mu.RLock()
	for _, other := range t.s.bills {
		if sameOpenPeriod(b, other) {
			t.s.mu.RUnlock()
			return errors.Conflict("bill already exists for this month/year")
		}
	}
	t.s.mu.RUnlock()

	now := t.s.now()
	b.ID = uuid.NewString()
	b.Version = 1
	b.CreatedAt = now
	b.UpdatedAt = now

	c := *b
	t.bills[b.ID] = &c
	t.inserted = append(t.inserted, b.ID)
	return nil
}

func (t *tx) UpdateBill(ctx context.Context, b *repository.Bill, expectedVersion int) error {
	cur, ok := t.current(b.ID)
	if !ok {
		return errors.NotFound("bill", b.ID)
	}
	if cur.Version != expectedVersion {
		return errors.Conflict("bill was modified concurrently, reload and retry")
	}
	if _, staged := t.bills[b.ID]; !staged {
		t.expected[b.ID] = expectedVersion
	}

	b.Version = expectedVersion + 1
	b.UpdatedAt = t.s.now()
	c := *b
	t.bills[b.ID] = &c
	return nil
}

// visibleItems lists the item ids of billID as seen by this transaction.
func (t *tx) visibleItems(billID string) []string {
	var ids []string
	if !t.cleared[billID] {
		t.s.mu.RLock()
		for _, it := range t.s.items[billID] {
			if !t.deleted[it.ID] {
				ids = append(ids, it.ID)
			}
		}
		t.s.mu.RUnlock()
	}
	for _, it := range t.newItems {
		if it.BillID == billID {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func (t *tx) CountItems(ctx context.Context, billID string) (int, error) {
	return len(t.visibleItems(billID)), nil
}

func (t *tx) InsertItems(ctx context.Context, items []*repository.BillItem) error {
	now := t.s.now()
	for _, it := range items {
		it.ID = uuid.NewString()
		it.CreatedAt = now
		c := *it
		t.newItems = append(t.newItems, &c)
	}
	return nil
}

func (t *tx) DeleteItem(ctx context.Context, billID, itemID string) error {
	for i, it := range t.newItems {
		if it.ID == itemID && it.BillID == billID {
			t.newItems = append(t.newItems[:i], t.newItems[i+1:]...)
			return nil
		}
	}
	for _, id := range t.visibleItems(billID) {
		if id == itemID {
			t.deleted[itemID] = true
			return nil
		}
	}
	return errors.NotFound("bill item", itemID)
}

func (t *tx) DeleteItems(ctx context.Context, billID string) (int, error) {
	n := len(t.visibleItems(billID))
	t.cleared[billID] = true

	kept := t.newItems[:0]
	for _, it := range t.newItems {
		if it.BillID != billID {
			kept = append(kept, it)
		}
	}
	t.newItems = kept
	return n, nil
}

func (t *tx) AppendAction(ctx context.Context, a *repository.BillAction) error {
	a.CreatedAt = t.s.now()
	t.actions = append(t.actions, a)
	return nil
}
