package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bvas-bills/internal/auth"
	"github.com/pesio-ai/be-bvas-bills/internal/client"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
	"github.com/pesio-ai/be-bvas-bills/internal/repository/memory"
)

type fixedReference struct {
	qty   decimal.Decimal
	err   error
	calls int
}

func (f *fixedReference) ReferenceQuantity(ctx context.Context, q client.ReferenceQuery) (decimal.Decimal, error) {
	f.calls++
	return f.qty, f.err
}

type recordedEvent struct {
	eventType string
	billID    string
	actor     string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) PublishBillEvent(ctx context.Context, eventType string, bill *repository.Bill, actorID string, remarks *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{eventType: eventType, billID: bill.ID, actor: actorID})
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.eventType)
	}
	return out
}

type fakeRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	failures    map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{transitions: map[string]int{}, failures: map[string]int{}}
}

func (f *fakeRecorder) RecordTransition(action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[action]++
}

func (f *fakeRecorder) RecordFailure(operation, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[operation+":"+code]++
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate(ctx context.Context) error {
	c.n++
	return nil
}

type fixture struct {
	store    *memory.Store
	svc      *BillService
	ref      *fixedReference
	events   *fakeEvents
	recorder *fakeRecorder
	cache    *countingInvalidator

	vendor   auth.VendorCapability
	other    auth.VendorCapability
	verifier auth.VerifierCapability
	outsider auth.VerifierCapability
	hq       auth.HQCapability
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	f := &fixture{
		store:    store,
		ref:      &fixedReference{qty: decimal.RequireFromString("100")},
		events:   &fakeEvents{},
		recorder: newFakeRecorder(),
		cache:    &countingInvalidator{},
	}
	f.svc = NewBillService(store, f.ref, logger.Nop(),
		WithEventPublisher(f.events),
		WithCacheInvalidator(f.cache),
		WithRecorder(f.recorder),
	)

	var err error
	v1 := store.AddVendor("u-v1", "Vendor One", "D1")
	f.vendor, err = auth.Identity{UserID: "u-v1", Role: auth.RoleVendor}.Vendor(v1)
	require.NoError(t, err)

	v2 := store.AddVendor("u-v2", "Vendor Two", "D1")
	f.other, err = auth.Identity{UserID: "u-v2", Role: auth.RoleVendor}.Vendor(v2)
	require.NoError(t, err)

	store.AddVerifier("u-ver1", "D1")
	f.verifier, err = auth.Identity{UserID: "u-ver1", Role: auth.RoleDistrictVerifier, DistrictCode: "D1"}.Verifier()
	require.NoError(t, err)

	store.AddVerifier("u-ver2", "D2")
	f.outsider, err = auth.Identity{UserID: "u-ver2", Role: auth.RoleDistrictVerifier, DistrictCode: "D2"}.Verifier()
	require.NoError(t, err)

	f.hq, err = auth.Identity{UserID: "u-hq", Role: auth.RoleHQAdmin}.HQ()
	require.NoError(t, err)
	return f
}

func (f *fixture) draft(t *testing.T) *repository.Bill {
	t.Helper()
	b, err := f.svc.CreateBill(context.Background(), f.vendor, &CreateBillRequest{Month: 3, Year: 2024, DistrictCode: "D1"})
	require.NoError(t, err)
	return b
}

func (f *fixture) addItem(t *testing.T, billID string) *repository.BillItem {
	t.Helper()
	items, err := f.svc.AddItems(context.Background(), f.vendor, billID, []ItemRequest{
		{Commodity: "rice", Quantity: decimal.RequireFromString("120.5")},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func (f *fixture) submitted(t *testing.T) *repository.Bill {
	t.Helper()
	b := f.draft(t)
	f.addItem(t, b.ID)
	b, err := f.svc.Submit(context.Background(), f.vendor, b.ID)
	require.NoError(t, err)
	return b
}

func (f *fixture) reject(t *testing.T, billID string) *repository.Bill {
	t.Helper()
	b, err := f.svc.Review(context.Background(), f.verifier, billID, &ReviewRequest{Decision: "REJECTED", Remarks: "quantities do not match"})
	require.NoError(t, err)
	return b
}

func (f *fixture) actions(t *testing.T, billID string) []repository.ActionType {
	t.Helper()
	list, err := f.store.ListActions(context.Background(), billID)
	require.NoError(t, err)
	out := make([]repository.ActionType, 0, len(list))
	for _, a := range list {
		out = append(out, a.Action)
	}
	return out
}

// ── Create ───────────────────────────────────────────────────────────────────

func TestCreateBill_DuplicatePeriodConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.draft(t)
	assert.Equal(t, repository.StatusDraft, b.Status)
	assert.Equal(t, 0, b.RejectionCount)
	assert.False(t, b.IsLocked)

	_, err := f.svc.CreateBill(ctx, f.vendor, &CreateBillRequest{Month: 3, Year: 2024, DistrictCode: "D1"})
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	// Another vendor or another period is fine.
	_, err = f.svc.CreateBill(ctx, f.other, &CreateBillRequest{Month: 3, Year: 2024, DistrictCode: "D1"})
	assert.NoError(t, err)
	_, err = f.svc.CreateBill(ctx, f.vendor, &CreateBillRequest{Month: 4, Year: 2024, DistrictCode: "D1"})
	assert.NoError(t, err)

	assert.Equal(t, []repository.ActionType{repository.ActionCreated}, f.actions(t, b.ID))
	assert.Equal(t, 1, f.recorder.failures["create:CONFLICT"])
}

func TestCreateBill_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  CreateBillRequest
	}{
		{name: "month zero", req: CreateBillRequest{Month: 0, Year: 2024, DistrictCode: "D1"}},
		{name: "month thirteen", req: CreateBillRequest{Month: 13, Year: 2024, DistrictCode: "D1"}},
		{name: "year too early", req: CreateBillRequest{Month: 1, Year: 1999, DistrictCode: "D1"}},
		{name: "year too late", req: CreateBillRequest{Month: 1, Year: 2101, DistrictCode: "D1"}},
		{name: "missing district", req: CreateBillRequest{Month: 1, Year: 2024, DistrictCode: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateBill(context.Background(), f.vendor, &tt.req)
			assert.True(t, errors.Is(err, errors.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestCreateBill_PeriodFreedAfterApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.submitted(t)
	_, err := f.svc.Review(ctx, f.verifier, b.ID, &ReviewRequest{Decision: "APPROVED"})
	require.NoError(t, err)

	_, err = f.svc.CreateBill(ctx, f.vendor, &CreateBillRequest{Month: 3, Year: 2024, DistrictCode: "D1"})
	assert.NoError(t, err)
}

// ── Items ────────────────────────────────────────────────────────────────────

func TestAddItems_StoresReferenceAndDistrict(t *testing.T) {
	f := newFixture(t)
	b := f.draft(t)

	item := f.addItem(t, b.ID)
	assert.Equal(t, "D1", item.DistrictCode)
	assert.Equal(t, "kg", item.Unit)
	assert.True(t, item.ReferenceQuantity.Equal(decimal.RequireFromString("100")))
	assert.True(t, item.Difference().Equal(decimal.RequireFromString("20.5")))

	items, err := f.store.ListItems(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Item edits are not lifecycle transitions.
	assert.Equal(t, []repository.ActionType{repository.ActionCreated}, f.actions(t, b.ID))
}

func TestAddItems_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.draft(t)
	rice := []ItemRequest{{Commodity: "rice", Quantity: decimal.NewFromInt(1)}}

	_, err := f.svc.AddItems(ctx, f.vendor, b.ID, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = f.svc.AddItems(ctx, f.vendor, b.ID, []ItemRequest{{Commodity: "rice", Quantity: decimal.NewFromInt(-1)}})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = f.svc.AddItems(ctx, f.vendor, b.ID, []ItemRequest{{Commodity: " ", Quantity: decimal.NewFromInt(1)}})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = f.svc.AddItems(ctx, f.other, b.ID, rice)
	assert.True(t, errors.Is(err, errors.ErrCodeScope))

	for _, qty := range []string{"0.12345", "1.0001", "100000000000", "123456789012345"} {
		_, err = f.svc.AddItems(ctx, f.vendor, b.ID, []ItemRequest{{Commodity: "rice", Quantity: decimal.RequireFromString(qty)}})
		assert.True(t, errors.Is(err, errors.ErrCodeValidation), "quantity %s: %v", qty, err)
	}
	items, err := f.store.ListItems(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	// Trailing zeros and the largest storable value are accepted as is.
	added, err := f.svc.AddItems(ctx, f.vendor, b.ID, []ItemRequest{
		{Commodity: "wheat", Quantity: decimal.RequireFromString("2.50000")},
		{Commodity: "dal", Quantity: decimal.RequireFromString("99999999999.999")},
	})
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.True(t, added[0].VendorQuantity.Equal(decimal.RequireFromString("2.5")))

	_, err = f.svc.AddItems(ctx, f.vendor, "missing", rice)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	f.addItem(t, b.ID)
	_, err = f.svc.Submit(ctx, f.vendor, b.ID)
	require.NoError(t, err)

	_, err = f.svc.AddItems(ctx, f.vendor, b.ID, rice)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

func TestAddItems_ReferenceFailureAborts(t *testing.T) {
	f := newFixture(t)
	b := f.draft(t)
	f.ref.err = errors.New(errors.ErrCodeUnavailable, "reference service unavailable")

	_, err := f.svc.AddItems(context.Background(), f.vendor, b.ID, []ItemRequest{{Commodity: "rice", Quantity: decimal.NewFromInt(1)}})
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable))

	items, err := f.store.ListItems(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAddItems_ReferenceQuantityBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.draft(t)

	f.ref.qty = decimal.RequireFromString("7.12345")
	items, err := f.svc.AddItems(ctx, f.vendor, b.ID, []ItemRequest{{Commodity: "rice", Quantity: decimal.NewFromInt(7)}})
	require.NoError(t, err)
	assert.Equal(t, "7.123", items[0].ReferenceQuantity.String())
	assert.Equal(t, "-0.123", items[0].Difference().String())

	f.ref.qty = decimal.New(1, 12)
	_, err = f.svc.AddItems(ctx, f.vendor, b.ID, []ItemRequest{{Commodity: "dal", Quantity: decimal.NewFromInt(1)}})
	assert.True(t, errors.Is(err, errors.ErrCodeInternal), "got %v", err)

	stored, err := f.store.ListItems(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRemoveAndClearItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.draft(t)
	item := f.addItem(t, b.ID)
	f.addItem(t, b.ID)

	require.NoError(t, f.svc.RemoveItem(ctx, f.vendor, b.ID, item.ID))
	err := f.svc.RemoveItem(ctx, f.vendor, b.ID, item.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	// Clearing requires a rejected bill.
	_, err = f.svc.ClearItems(ctx, f.vendor, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	_, err = f.svc.Submit(ctx, f.vendor, b.ID)
	require.NoError(t, err)
	f.reject(t, b.ID)

	_, err = f.svc.ClearItems(ctx, f.other, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeScope))

	n, err := f.svc.ClearItems(ctx, f.vendor, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.Resubmit(ctx, f.vendor, b.ID, "")
	assert.True(t, errors.Is(err, errors.ErrCodeEmptyBill))
}

// ── Submit ───────────────────────────────────────────────────────────────────

func TestSubmit_EmptyThenReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.draft(t)
	_, err := f.svc.Submit(ctx, f.vendor, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeEmptyBill))

	f.addItem(t, b.ID)
	got, err := f.svc.Submit(ctx, f.vendor, b.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReady, got.Status)
	require.NotNil(t, got.SubmittedAt)

	_, err = f.svc.Submit(ctx, f.vendor, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	assert.Equal(t, []repository.ActionType{repository.ActionCreated, repository.ActionSubmitted}, f.actions(t, b.ID))
	assert.Equal(t, []string{client.EventBillSubmitted}, f.events.types())
}

func TestSubmit_OtherVendor(t *testing.T) {
	f := newFixture(t)
	b := f.draft(t)
	f.addItem(t, b.ID)

	_, err := f.svc.Submit(context.Background(), f.other, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeScope))
}

func TestSubmit_LockedDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.draft(t)
	f.addItem(t, b.ID)
	_, err := f.svc.Lock(ctx, f.hq, b.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, f.vendor, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeLocked))
}

// ── Review ───────────────────────────────────────────────────────────────────

func TestReview_OtherDistrict(t *testing.T) {
	f := newFixture(t)
	b := f.submitted(t)

	_, err := f.svc.Review(context.Background(), f.outsider, b.ID, &ReviewRequest{Decision: "APPROVED"})
	assert.True(t, errors.Is(err, errors.ErrCodeScope))

	got, err := f.store.GetBill(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReady, got.Status)
}

func TestReview_Approve(t *testing.T) {
	f := newFixture(t)
	b := f.submitted(t)

	got, err := f.svc.Review(context.Background(), f.verifier, b.ID, &ReviewRequest{Decision: "approved"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	require.NotNil(t, got.SignedHash)
	require.NotNil(t, got.VerifiedBy)
	assert.Equal(t, "u-ver1", *got.VerifiedBy)

	stored, err := f.store.GetBill(context.Background(), b.ID)
	require.NoError(t, err)
	st, err := VerifyApproval(stored)
	require.NoError(t, err)
	assert.True(t, st.Valid)

	// Approved is terminal.
	_, err = f.svc.Review(context.Background(), f.verifier, b.ID, &ReviewRequest{Decision: "REJECTED", Remarks: "late"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
	_, err = f.svc.Lock(context.Background(), f.hq, b.ID, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

func TestReview_RejectNeedsRemarks(t *testing.T) {
	f := newFixture(t)
	b := f.submitted(t)

	_, err := f.svc.Review(context.Background(), f.verifier, b.ID, &ReviewRequest{Decision: "REJECTED", Remarks: "   "})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = f.svc.Review(context.Background(), f.verifier, b.ID, &ReviewRequest{Decision: "MAYBE"})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	got := f.reject(t, b.ID)
	assert.Equal(t, repository.StatusRejected, got.Status)
	assert.Equal(t, 1, got.RejectionCount)
	require.NotNil(t, got.Remarks)
	assert.Equal(t, "quantities do not match", *got.Remarks)
	assert.Nil(t, got.SignedHash)
}

func TestReview_DraftIsNotReviewable(t *testing.T) {
	f := newFixture(t)
	b := f.draft(t)
	f.addItem(t, b.ID)

	_, err := f.svc.Review(context.Background(), f.verifier, b.ID, &ReviewRequest{Decision: "APPROVED"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

// ── Resubmit and the rejection ceiling ───────────────────────────────────────

func TestResubmit_ClearsReviewFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.submitted(t)
	f.reject(t, b.ID)

	_, err := f.svc.Resubmit(ctx, f.other, b.ID, "")
	assert.True(t, errors.Is(err, errors.ErrCodeScope))

	got, err := f.svc.Resubmit(ctx, f.vendor, b.ID, "fixed quantities")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReady, got.Status)
	assert.Equal(t, 1, got.RejectionCount)
	assert.Nil(t, got.Remarks)
	assert.Nil(t, got.VerifiedBy)
	assert.Nil(t, got.VerifiedAt)

	remark, err := f.store.LatestRemark(ctx, b.ID, string(auth.RoleVendor))
	require.NoError(t, err)
	require.NotNil(t, remark)
	assert.Equal(t, "fixed quantities", *remark)

	_, err = f.svc.Resubmit(ctx, f.vendor, b.ID, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

func TestResubmit_RejectionLimitLocksBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.submitted(t)
	for i := 1; i <= RejectionCeiling; i++ {
		got := f.reject(t, b.ID)
		require.Equal(t, i, got.RejectionCount)
		if i < RejectionCeiling {
			_, err := f.svc.Resubmit(ctx, f.vendor, b.ID, "")
			require.NoError(t, err)
		}
	}

	_, err := f.svc.Resubmit(ctx, f.vendor, b.ID, "one more try")
	assert.True(t, errors.Is(err, errors.ErrCodeRejectionLimit))

	got, err := f.store.GetBill(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLocked)
	assert.Equal(t, repository.StatusRejected, got.Status)
	assert.Equal(t, RejectionCeiling, got.RejectionCount)

	actions, err := f.store.ListActions(ctx, b.ID)
	require.NoError(t, err)
	last := actions[len(actions)-1]
	assert.Equal(t, repository.ActionLocked, last.Action)
	assert.Equal(t, "u-v1", last.PerformedBy)

	_, err = f.svc.Resubmit(ctx, f.vendor, b.ID, "")
	assert.True(t, errors.Is(err, errors.ErrCodeLocked))

	_, err = f.svc.AddItems(ctx, f.vendor, b.ID, []ItemRequest{{Commodity: "dal", Quantity: decimal.NewFromInt(1)}})
	assert.True(t, errors.Is(err, errors.ErrCodeLocked))

	assert.Equal(t, 1, f.recorder.failures["resubmit:REJECTION_LIMIT"])
	assert.Equal(t, 1, f.recorder.transitions[string(repository.ActionLocked)])
}

// ── HQ ───────────────────────────────────────────────────────────────────────

func TestUnlock_ResetsAndForcesRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.submitted(t)
	f.reject(t, b.ID)
	_, err := f.svc.Resubmit(ctx, f.vendor, b.ID, "")
	require.NoError(t, err)

	// Locked while awaiting verification.
	_, err = f.svc.Lock(ctx, f.hq, b.ID, "audit hold")
	require.NoError(t, err)
	_, err = f.svc.Lock(ctx, f.hq, b.ID, "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	_, err = f.svc.Review(ctx, f.verifier, b.ID, &ReviewRequest{Decision: "APPROVED"})
	assert.True(t, errors.Is(err, errors.ErrCodeLocked))

	got, err := f.svc.Unlock(ctx, f.hq, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLocked)
	assert.Equal(t, 0, got.RejectionCount)
	assert.Equal(t, repository.StatusRejected, got.Status)

	_, err = f.svc.Unlock(ctx, f.hq, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	// The vendor can correct and resubmit again.
	_, err = f.svc.Resubmit(ctx, f.vendor, b.ID, "")
	assert.NoError(t, err)
}

func TestUnlock_DraftStaysDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.draft(t)
	_, err := f.svc.Lock(ctx, f.hq, b.ID, "")
	require.NoError(t, err)

	got, err := f.svc.Unlock(ctx, f.hq, b.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDraft, got.Status)

	remark, err := f.store.LatestRemark(ctx, b.ID, string(auth.RoleHQAdmin))
	require.NoError(t, err)
	require.NotNil(t, remark)
	assert.Equal(t, "Bill unlocked by HQ", *remark)
}

func TestLock_DefaultReason(t *testing.T) {
	f := newFixture(t)
	b := f.draft(t)

	_, err := f.svc.Lock(context.Background(), f.hq, b.ID, " ")
	require.NoError(t, err)

	actions, err := f.store.ListActions(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.NotNil(t, actions[1].Remarks)
	assert.Equal(t, "Locked by HQ", *actions[1].Remarks)
	assert.Equal(t, string(auth.RoleHQAdmin), actions[1].Role)
}

// ── Audit completeness ───────────────────────────────────────────────────────

func TestEveryTransitionIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.submitted(t)
	f.reject(t, b.ID)
	_, err := f.svc.Resubmit(ctx, f.vendor, b.ID, "second attempt")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, f.verifier, b.ID, &ReviewRequest{Decision: "APPROVED"})
	require.NoError(t, err)

	assert.Equal(t, []repository.ActionType{
		repository.ActionCreated,
		repository.ActionSubmitted,
		repository.ActionRejected,
		repository.ActionResubmitted,
		repository.ActionApproved,
	}, f.actions(t, b.ID))

	assert.Equal(t, []string{
		client.EventBillSubmitted,
		client.EventBillRejected,
		client.EventBillResubmitted,
		client.EventBillApproved,
	}, f.events.types())
	assert.Equal(t, 5, f.cache.n)
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.draft(t)
	_, err := f.svc.Submit(ctx, f.vendor, b.ID)
	require.Error(t, err)

	got, err := f.store.GetBill(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDraft, got.Status)
	assert.Equal(t, b.Version, got.Version)
	assert.Equal(t, []repository.ActionType{repository.ActionCreated}, f.actions(t, b.ID))
	assert.Empty(t, f.events.types())
}

// ── Concurrency ──────────────────────────────────────────────────────────────

// barrierStore holds every transaction after its first bill read until all
// participants have read, so they all validate against the same version.
type barrierStore struct {
	inner repository.Store
	wg    *sync.WaitGroup
}

func (s *barrierStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.inner.InTx(ctx, func(tx repository.Tx) error {
		return fn(&barrierTx{Tx: tx, wg: s.wg})
	})
}

type barrierTx struct {
	repository.Tx
	wg   *sync.WaitGroup
	once sync.Once
}

func (t *barrierTx) GetBill(ctx context.Context, id string) (*repository.Bill, error) {
	b, err := t.Tx.GetBill(ctx, id)
	t.once.Do(func() {
		t.wg.Done()
		t.wg.Wait()
	})
	return b, err
}

func TestConcurrentReviewsOneWins(t *testing.T) {
	f := newFixture(t)
	b := f.submitted(t)

	var barrier sync.WaitGroup
	barrier.Add(2)
	svc := NewBillService(&barrierStore{inner: f.store, wg: &barrier}, f.ref, logger.Nop())

	decisions := []*ReviewRequest{
		{Decision: "APPROVED"},
		{Decision: "REJECTED", Remarks: "short delivery"},
	}
	errs := make([]error, len(decisions))

	var wg sync.WaitGroup
	for i, req := range decisions {
		wg.Add(1)
		go func(i int, req *ReviewRequest) {
			defer wg.Done()
			_, errs[i] = svc.Review(context.Background(), f.verifier, b.ID, req)
		}(i, req)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrCodeConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	// Exactly one decision reached the audit log.
	acts := f.actions(t, b.ID)
	assert.Len(t, acts, 3)
}

func TestContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.CreateBill(ctx, f.vendor, &CreateBillRequest{Month: 1, Year: 2024, DistrictCode: "D1"})
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable))
}

func TestSubmittedAtUsesServiceClock(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return at }

	b := f.submitted(t)
	require.NotNil(t, b.SubmittedAt)
	assert.True(t, at.Equal(*b.SubmittedAt))
}
