package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-bvas-bills/internal/repository"
	"github.com/pesio-ai/be-bvas-bills/internal/service"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type createBillRequest struct {
	Month        int    `json:"month"`
	Year         int    `json:"year"`
	DistrictCode string `json:"district_code"`
}

type itemRequest struct {
	Commodity      string          `json:"commodity"`
	VendorQuantity decimal.Decimal `json:"vendor_quantity"`
	Unit           string          `json:"unit"`
}

type addItemsRequest struct {
	Items []itemRequest `json:"items"`
}

type remarksRequest struct {
	Remarks string `json:"remarks"`
}

type reviewRequest struct {
	Action  string `json:"action"`
	Remarks string `json:"remarks"`
}

type lockRequest struct {
	Reason string `json:"reason"`
}

// ── Responses ────────────────────────────────────────────────────────────────

type billResponse struct {
	ID             string     `json:"id"`
	VendorID       string     `json:"vendor_id"`
	VendorName     string     `json:"vendor_name,omitempty"`
	DistrictCode   string     `json:"district_code"`
	Month          int        `json:"month"`
	Year           int        `json:"year"`
	Status         string     `json:"status"`
	RejectionCount int        `json:"rejection_count"`
	IsLocked       bool       `json:"is_locked"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	VerifiedBy     *string    `json:"verified_by,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	Remarks        *string    `json:"remarks,omitempty"`
	SignedHash     *string    `json:"signed_hash,omitempty"`
	SignedBy       *string    `json:"signed_by,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
	ItemCount      *int       `json:"item_count,omitempty"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toBillResponse(b *repository.Bill) billResponse {
	return billResponse{
		ID:             b.ID,
		VendorID:       b.VendorID,
		DistrictCode:   b.DistrictCode,
		Month:          b.Month,
		Year:           b.Year,
		Status:         string(b.Status),
		RejectionCount: b.RejectionCount,
		IsLocked:       b.IsLocked,
		SubmittedAt:    b.SubmittedAt,
		VerifiedBy:     b.VerifiedBy,
		VerifiedAt:     b.VerifiedAt,
		Remarks:        b.Remarks,
		SignedHash:     b.SignedHash,
		SignedBy:       b.SignedBy,
		SignedAt:       b.SignedAt,
		Version:        b.Version,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func toSummaryResponse(s *repository.BillSummary) billResponse {
	out := toBillResponse(&s.Bill)
	out.VendorName = s.VendorName
	n := s.ItemCount
	out.ItemCount = &n
	return out
}

type pendingResponse struct {
	billResponse
	LatestVendorRemark *string `json:"latest_vendor_remark,omitempty"`
}

type itemResponse struct {
	ID                string          `json:"id"`
	BillID            string          `json:"bill_id"`
	DistrictCode      string          `json:"district_code"`
	Commodity         string          `json:"commodity"`
	VendorQuantity    decimal.Decimal `json:"vendor_quantity"`
	Unit              string          `json:"unit"`
	ReferenceQuantity decimal.Decimal `json:"reference_quantity"`
	Difference        decimal.Decimal `json:"difference"`
	CreatedAt         time.Time       `json:"created_at"`
}

func toItemResponses(items []*repository.BillItem) []itemResponse {
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			ID:                it.ID,
			BillID:            it.BillID,
			DistrictCode:      it.DistrictCode,
			Commodity:         it.Commodity,
			VendorQuantity:    it.VendorQuantity,
			Unit:              it.Unit,
			ReferenceQuantity: it.ReferenceQuantity,
			Difference:        it.Difference(),
			CreatedAt:         it.CreatedAt,
		})
	}
	return out
}

type actionResponse struct {
	ID          int64     `json:"id"`
	BillID      string    `json:"bill_id"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performed_by"`
	Role        string    `json:"role"`
	Remarks     *string   `json:"remarks,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toActionResponses(actions []*repository.BillAction) []actionResponse {
	out := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionResponse{
			ID:          a.ID,
			BillID:      a.BillID,
			Action:      string(a.Action),
			PerformedBy: a.PerformedBy,
			Role:        a.Role,
			Remarks:     a.Remarks,
			CreatedAt:   a.CreatedAt,
		})
	}
	return out
}

type billDetailResponse struct {
	Bill                 billResponse     `json:"bill"`
	Items                []itemResponse   `json:"items"`
	Actions              []actionResponse `json:"actions"`
	RejectionDisplay     string           `json:"rejection_display"`
	LatestVendorRemark   *string          `json:"latest_vendor_remark,omitempty"`
	LatestVerifierRemark *string          `json:"latest_verifier_remark,omitempty"`
}

func toDetailResponse(d *service.BillDetail) billDetailResponse {
	return billDetailResponse{
		Bill:                 toBillResponse(d.Bill),
		Items:                toItemResponses(d.Items),
		Actions:              toActionResponses(d.Actions),
		RejectionDisplay:     d.RejectionDisplay,
		LatestVendorRemark:   d.LatestVendorRemark,
		LatestVerifierRemark: d.LatestVerifierRemark,
	}
}
