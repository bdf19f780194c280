package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-bvas-bills/internal/auth"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

// DashboardCache is the read-through cache for HQ counts. Get reports the
// cache generation it read; Set must only store under that generation so a
// fill racing an invalidation never becomes visible.
type DashboardCache interface {
	Get(ctx context.Context) (*repository.DashboardSummary, uint64, bool, error)
	Set(ctx context.Context, gen uint64, d *repository.DashboardSummary) error
}

// CacheRecorder receives cache hit and miss counts.
type CacheRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// BillDetail is a bill with its items, history and latest remarks.
type BillDetail struct {
	Bill                 *repository.Bill
	Items                []*repository.BillItem
	Actions              []*repository.BillAction
	RejectionDisplay     string
	LatestVendorRemark   *string
	LatestVerifierRemark *string
}

// QueryService serves the read projections. Every read is scoped to what the
// caller's role may see.
type QueryService struct {
	reader  repository.Reader
	cache   DashboardCache
	metrics CacheRecorder
	log     *logger.Logger
}

// QueryServiceOption configures optional collaborators.
type QueryServiceOption func(*QueryService)

func WithDashboardCache(c DashboardCache) QueryServiceOption {
	return func(s *QueryService) { s.cache = c }
}

func WithCacheRecorder(r CacheRecorder) QueryServiceOption {
	return func(s *QueryService) { s.metrics = r }
}

// NewQueryService creates a new query service
func NewQueryService(reader repository.Reader, log *logger.Logger, opts ...QueryServiceOption) *QueryService {
	s := &QueryService{reader: reader, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dashboard returns HQ aggregate counts, from cache when available.
func (s *QueryService) Dashboard(ctx context.Context, _ auth.HQCapability) (*repository.DashboardSummary, error) {
	var (
		gen       uint64
		cacheable bool
	)
	if s.cache != nil {
		d, g, ok, err := s.cache.Get(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("Dashboard cache read failed")
		}
		if ok {
			s.recordCache(true)
			return d, nil
		}
		s.recordCache(false)
		gen, cacheable = g, err == nil
	}

	d, err := s.reader.Dashboard(ctx)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := s.cache.Set(ctx, gen, d); err != nil {
			s.log.Warn().Err(err).Msg("Dashboard cache write failed")
		}
	}
	return d, nil
}

// ListBills returns a filtered page of bills. Vendors only see their own
// bills and verifiers only their district, whatever the filter asks for.
func (s *QueryService) ListBills(ctx context.Context, p auth.Principal, f repository.BillFilter) ([]*repository.BillSummary, int64, error) {
	switch c := p.(type) {
	case auth.VendorCapability:
		f.VendorID = c.VendorID()
	case auth.VerifierCapability:
		f.DistrictCode = c.DistrictCode()
	case auth.HQCapability:
	default:
		return nil, 0, errors.Scope("unsupported caller")
	}
	return s.reader.ListBills(ctx, f)
}

// ListPending returns the verifier's work queue, oldest submission first.
func (s *QueryService) ListPending(ctx context.Context, dc auth.VerifierCapability) ([]*repository.PendingBill, error) {
	return s.reader.ListPending(ctx, dc.DistrictCode())
}

// GetBillDetail returns the bill with its items, audit history and the
// latest remark of each party.
func (s *QueryService) GetBillDetail(ctx context.Context, p auth.Principal, billID string) (*BillDetail, error) {
	bill, err := s.visibleBill(ctx, p, billID)
	if err != nil {
		return nil, err
	}

	items, err := s.reader.ListItems(ctx, billID)
	if err != nil {
		return nil, err
	}
	actions, err := s.reader.ListActions(ctx, billID)
	if err != nil {
		return nil, err
	}
	vendorRemark, err := s.reader.LatestRemark(ctx, billID, string(auth.RoleVendor))
	if err != nil {
		return nil, err
	}
	verifierRemark, err := s.reader.LatestRemark(ctx, billID, string(auth.RoleDistrictVerifier))
	if err != nil {
		return nil, err
	}

	return &BillDetail{
		Bill:                 bill,
		Items:                items,
		Actions:              actions,
		RejectionDisplay:     fmt.Sprintf("%d/%d", bill.RejectionCount, RejectionCeiling),
		LatestVendorRemark:   vendorRemark,
		LatestVerifierRemark: verifierRemark,
	}, nil
}

// History returns the audit log of a bill in insertion order.
func (s *QueryService) History(ctx context.Context, p auth.Principal, billID string) ([]*repository.BillAction, error) {
	if _, err := s.visibleBill(ctx, p, billID); err != nil {
		return nil, err
	}
	return s.reader.ListActions(ctx, billID)
}

// Signature re-derives the approval digest of a bill.
func (s *QueryService) Signature(ctx context.Context, p auth.Principal, billID string) (*SignatureStatus, error) {
	bill, err := s.visibleBill(ctx, p, billID)
	if err != nil {
		return nil, err
	}
	return VerifyApproval(bill)
}

func (s *QueryService) visibleBill(ctx context.Context, p auth.Principal, billID string) (*repository.Bill, error) {
	bill, err := s.reader.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}

	switch c := p.(type) {
	case auth.VendorCapability:
		if bill.VendorID != c.VendorID() {
			return nil, errors.Scope("bill belongs to another vendor")
		}
	case auth.VerifierCapability:
		if bill.DistrictCode != c.DistrictCode() {
			return nil, errors.Scope("bill belongs to another district")
		}
	case auth.HQCapability:
	default:
		return nil, errors.Scope("unsupported caller")
	}
	return bill, nil
}

func (s *QueryService) recordCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.RecordCacheHit()
	} else {
		s.metrics.RecordCacheMiss()
	}
}
