// Package memory is an in-process Bill Store used by tests and by the
// service when DATABASE_DRIVER=memory.
//
// Transactions buffer their writes and apply them at commit under a single
// mutex. Commit re-checks every bill version the transaction validated
// against, and the one-open-bill-per-period rule, so concurrent transactions
// behave like the Postgres store: the loser gets a conflict.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

type vendor struct {
	id       string
	name     string
	district string
}

// Store implements repository.Store and repository.Reader.
type Store struct {
	mu sync.RWMutex

	bills     map[string]*repository.Bill
	order     []string
	items     map[string][]*repository.BillItem
	actions   []*repository.BillAction
	actionSeq int64

	vendors     map[string]vendor // by user id
	verifiers   map[string]string // user id -> district
	autoVendors bool

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithVendorAutoProvision creates a vendor profile the first time an unknown
// vendor user is resolved. Only meant for local development.
func WithVendorAutoProvision() Option {
	return func(s *Store) { s.autoVendors = true }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		bills:     make(map[string]*repository.Bill),
		items:     make(map[string][]*repository.BillItem),
		vendors:   make(map[string]vendor),
		verifiers: make(map[string]string),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddVendor registers a vendor profile and returns its id.
func (s *Store) AddVendor(userID, name, district string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.vendors[userID]; ok {
		return v.id
	}
	v := vendor{id: uuid.NewString(), name: name, district: district}
	s.vendors[userID] = v
	return v.id
}

// AddVerifier registers a district verifier.
func (s *Store) AddVerifier(userID, district string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiers[userID] = district
}

// InTx runs fn against a buffered transaction and commits it when fn
// returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "begin transaction")
	}

	t := newTx(s)
	if err := fn(t); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "commit transaction")
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, expected := range t.expected {
		current, ok := s.bills[id]
		if !ok || current.Version != expected {
			return errors.Conflict("bill was modified concurrently, reload and retry")
		}
	}

	for _, b := range t.bills {
		if !b.Status.IsOpen() {
			continue
		}
		for _, other := range s.bills {
			if other.ID == b.ID || !sameOpenPeriod(b, other) {
				continue
			}
			if staged, ok := t.bills[other.ID]; ok && !sameOpenPeriod(b, staged) {
				continue
			}
			return errors.Conflict("bill already exists for this month/year")
		}
	}

	for _, id := range t.inserted {
		s.order = append(s.order, id)
	}
	for id, b := range t.bills {
		c := *b
		s.bills[id] = &c
	}

	for billID := range t.cleared {
		delete(s.items, billID)
	}
	if len(t.deleted) > 0 {
		for billID, items := range s.items {
			kept := items[:0:0]
			for _, it := range items {
				if !t.deleted[it.ID] {
					kept = append(kept, it)
				}
			}
			s.items[billID] = kept
		}
	}
	for _, it := range t.newItems {
		c := *it
		s.items[it.BillID] = append(s.items[it.BillID], &c)
	}

	for _, a := range t.actions {
		s.actionSeq++
		a.ID = s.actionSeq
		c := *a
		s.actions = append(s.actions, &c)
	}
	return nil
}

func sameOpenPeriod(a, b *repository.Bill) bool {
	return a.Status.IsOpen() && b.Status.IsOpen() &&
		a.VendorID == b.VendorID &&
		a.DistrictCode == b.DistrictCode &&
		a.Month == b.Month &&
		a.Year == b.Year
}

// ── Reader ───────────────────────────────────────────────────────────────────

func (s *Store) GetBill(ctx context.Context, id string) (*repository.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bills[id]
	if !ok {
		return nil, errors.NotFound("bill", id)
	}
	c := *b
	return &c, nil
}

func (s *Store) ListItems(ctx context.Context, billID string) ([]*repository.BillItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*repository.BillItem, 0, len(s.items[billID]))
	for _, it := range s.items[billID] {
		c := *it
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ListActions(ctx context.Context, billID string) ([]*repository.BillAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.BillAction
	for _, a := range s.actions {
		if a.BillID == billID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) LatestRemark(ctx context.Context, billID, role string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestRemark(billID, role), nil
}

func (s *Store) latestRemark(billID, role string) *string {
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if a.BillID == billID && a.Role == role && a.Remarks != nil && *a.Remarks != "" {
			r := *a.Remarks
			return &r
		}
	}
	return nil
}

func (s *Store) ListBills(ctx context.Context, f repository.BillFilter) ([]*repository.BillSummary, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*repository.BillSummary
	for i := len(s.order) - 1; i >= 0; i-- {
		b := s.bills[s.order[i]]
		if !matches(b, f) {
			continue
		}
		matched = append(matched, s.summary(b))
	}

	total := int64(len(matched))
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = repository.DefaultPageSize
	}
	if limit > repository.MaxPageSize {
		limit = repository.MaxPageSize
	}
	if offset < 0 || offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func matches(b *repository.Bill, f repository.BillFilter) bool {
	switch {
	case f.Status != "" && b.Status != f.Status:
		return false
	case f.VendorID != "" && b.VendorID != f.VendorID:
		return false
	case f.VerifierID != "" && (b.VerifiedBy == nil || *b.VerifiedBy != f.VerifierID):
		return false
	case f.DistrictCode != "" && b.DistrictCode != f.DistrictCode:
		return false
	case f.Month != 0 && b.Month != f.Month:
		return false
	case f.Year != 0 && b.Year != f.Year:
		return false
	}
	return true
}

func (s *Store) summary(b *repository.Bill) *repository.BillSummary {
	sum := &repository.BillSummary{Bill: *b, ItemCount: len(s.items[b.ID])}
	for _, v := range s.vendors {
		if v.id == b.VendorID {
			sum.VendorName = v.name
			break
		}
	}
	return sum
}

func (s *Store) ListPending(ctx context.Context, districtCode string) ([]*repository.PendingBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.PendingBill
	for _, id := range s.order {
		b := s.bills[id]
		if b.DistrictCode != districtCode || b.Status != repository.StatusReady || b.IsLocked {
			continue
		}
		out = append(out, &repository.PendingBill{
			BillSummary:        *s.summary(b),
			LatestVendorRemark: s.latestRemark(b.ID, "VENDOR"),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].SubmittedAt, out[j].SubmittedAt
		if a == nil || b == nil {
			return a != nil
		}
		return a.Before(*b)
	})
	return out, nil
}

func (s *Store) Dashboard(ctx context.Context) (*repository.DashboardSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := &repository.DashboardSummary{
		TotalVendors:   len(s.vendors),
		TotalVerifiers: len(s.verifiers),
	}
	for _, b := range s.bills {
		switch b.Status {
		case repository.StatusReady:
			if !b.IsLocked {
				d.Pending++
			}
		case repository.StatusApproved:
			d.Approved++
		case repository.StatusRejected:
			d.Rejected++
		case repository.StatusDraft:
			d.Draft++
		}
		if b.IsLocked {
			d.Locked++
		}
	}
	return d, nil
}

func (s *Store) VendorIDForUser(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	v, ok := s.vendors[userID]
	s.mu.RUnlock()
	if ok {
		return v.id, nil
	}
	if s.autoVendors {
		return s.AddVendor(userID, userID, ""), nil
	}
	return "", errors.NotFound("vendor profile", userID)
}
