package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-bvas-bills/internal/auth"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/middleware"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
	"github.com/pesio-ai/be-bvas-bills/internal/service"
)

// VendorResolver maps an authenticated vendor user to its vendor profile.
type VendorResolver interface {
	VendorIDForUser(ctx context.Context, userID string) (string, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	bills   *service.BillService
	queries *service.QueryService
	vendors VendorResolver
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(bills *service.BillService, queries *service.QueryService, vendors VendorResolver, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		bills:   bills,
		queries: queries,
		vendors: vendors,
		log:     log,
	}
}

// Routes registers the bill API on r. Authentication must already be applied.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/dashboard", h.Dashboard)

	r.Route("/bills", func(r chi.Router) {
		r.Post("/", h.CreateBill)
		r.Get("/", h.ListBills)
		r.Get("/pending", h.ListPending)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetBill)
			r.Get("/actions", h.History)
			r.Get("/signature", h.Signature)

			r.Post("/items", h.AddItems)
			r.Delete("/items", h.ClearItems)
			r.Delete("/items/{itemId}", h.RemoveItem)

			r.Post("/submit", h.Submit)
			r.Post("/resubmit", h.Resubmit)
			r.Post("/action", h.Review)
			r.Post("/lock", h.Lock)
			r.Post("/unlock", h.Unlock)
		})
	})
}

// CreateBill handles create bill HTTP requests
func (h *HTTPHandler) CreateBill(w http.ResponseWriter, r *http.Request) {
	vc, err := h.vendor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req createBillRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	bill, err := h.bills.CreateBill(r.Context(), vc, &service.CreateBillRequest{
		Month:        req.Month,
		Year:         req.Year,
		DistrictCode: req.DistrictCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBillResponse(bill))
}

// AddItems handles add items HTTP requests
func (h *HTTPHandler) AddItems(w http.ResponseWriter, r *http.Request) {
	vc, err := h.vendor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req addItemsRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]service.ItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.ItemRequest{
			Commodity: it.Commodity,
			Quantity:  it.VendorQuantity,
			Unit:      it.Unit,
		})
	}

	created, err := h.bills.AddItems(r.Context(), vc, chi.URLParam(r, "id"), items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": toItemResponses(created)})
}

// RemoveItem handles delete item HTTP requests
func (h *HTTPHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	vc, err := h.vendor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.bills.RemoveItem(r.Context(), vc, chi.URLParam(r, "id"), chi.URLParam(r, "itemId")); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "Item removed"})
}

// ClearItems handles bulk item delete HTTP requests
func (h *HTTPHandler) ClearItems(w http.ResponseWriter, r *http.Request) {
	vc, err := h.vendor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	n, err := h.bills.ClearItems(r.Context(), vc, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

// Submit handles submit bill HTTP requests
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	vc, err := h.vendor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	bill, err := h.bills.Submit(r.Context(), vc, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toBillResponse(bill))
}

// Resubmit handles resubmit bill HTTP requests
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	vc, err := h.vendor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req remarksRequest
	if err := decode(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	bill, err := h.bills.Resubmit(r.Context(), vc, chi.URLParam(r, "id"), req.Remarks)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toBillResponse(bill))
}

// Review handles verifier approve/reject HTTP requests
func (h *HTTPHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dc, err := id.Verifier()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req reviewRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	bill, err := h.bills.Review(r.Context(), dc, chi.URLParam(r, "id"), &service.ReviewRequest{
		Decision: req.Action,
		Remarks:  req.Remarks,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toBillResponse(bill))
}

// Lock handles HQ lock HTTP requests
func (h *HTTPHandler) Lock(w http.ResponseWriter, r *http.Request) {
	hq, err := h.hq(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req lockRequest
	if err := decode(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	bill, err := h.bills.Lock(r.Context(), hq, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toBillResponse(bill))
}

// Unlock handles HQ unlock HTTP requests
func (h *HTTPHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	hq, err := h.hq(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	bill, err := h.bills.Unlock(r.Context(), hq, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toBillResponse(bill))
}

// ListBills handles list bills HTTP requests
func (h *HTTPHandler) ListBills(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	bills, total, err := h.queries.ListBills(r.Context(), p, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]billResponse, 0, len(bills))
	for _, b := range bills {
		out = append(out, toSummaryResponse(b))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bills":  out,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// ListPending handles verifier work-queue HTTP requests
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dc, err := id.Verifier()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	pending, err := h.queries.ListPending(r.Context(), dc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingResponse{
			billResponse:       toSummaryResponse(&p.BillSummary),
			LatestVendorRemark: p.LatestVendorRemark,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"bills": out, "total": len(out)})
}

// GetBill handles bill detail HTTP requests
func (h *HTTPHandler) GetBill(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	detail, err := h.queries.GetBillDetail(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

// History handles audit trail HTTP requests
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	actions, err := h.queries.History(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"actions": toActionResponses(actions)})
}

// Signature handles approval signature verification HTTP requests
func (h *HTTPHandler) Signature(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	st, err := h.queries.Signature(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// Dashboard handles HQ dashboard HTTP requests
func (h *HTTPHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	hq, err := h.hq(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	d, err := h.queries.Dashboard(r.Context(), hq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// ── capabilities ─────────────────────────────────────────────────────────────

func (h *HTTPHandler) vendor(r *http.Request) (auth.VendorCapability, error) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		return auth.VendorCapability{}, err
	}
	if id.Role != auth.RoleVendor {
		return auth.VendorCapability{}, errors.Scope("vendor role required")
	}

	vendorID, err := h.vendors.VendorIDForUser(r.Context(), id.UserID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return auth.VendorCapability{}, errors.Scope("vendor profile not found")
	}
	if err != nil {
		return auth.VendorCapability{}, err
	}
	return id.Vendor(vendorID)
}

func (h *HTTPHandler) hq(r *http.Request) (auth.HQCapability, error) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		return auth.HQCapability{}, err
	}
	return id.HQ()
}

func (h *HTTPHandler) principal(r *http.Request) (auth.Principal, error) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		return nil, err
	}

	switch id.Role {
	case auth.RoleVendor:
		return h.vendor(r)
	case auth.RoleDistrictVerifier:
		return id.Verifier()
	default:
		return id.HQ()
	}
}

// ── encoding ─────────────────────────────────────────────────────────────────

func parseFilter(r *http.Request) (repository.BillFilter, error) {
	q := r.URL.Query()
	f := repository.BillFilter{
		VendorID:     q.Get("vendor_id"),
		VerifierID:   q.Get("verifier_id"),
		DistrictCode: q.Get("district_code"),
	}

	if s := q.Get("status"); s != "" {
		st, err := repository.ParseBillStatus(s)
		if err != nil {
			return f, errors.InvalidInput("status", err.Error())
		}
		f.Status = st
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"month", &f.Month},
		{"year", &f.Year},
		{"limit", &f.Limit},
		{"offset", &f.Offset},
	}
	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.InvalidInput(p.name, "must be a non-negative integer")
		}
		*p.dst = n
	}

	if f.Limit <= 0 {
		f.Limit = repository.DefaultPageSize
	}
	if f.Limit > repository.MaxPageSize {
		f.Limit = repository.MaxPageSize
	}
	return f, nil
}

// decode reads a JSON body into dst. An empty body is accepted when optional.
func decode(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && stderrors.Is(err, io.EOF) {
			return nil
		}
		return errors.InvalidInput("body", "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)

	if status >= http.StatusInternalServerError {
		h.log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Msg("Request failed")
	}

	middleware.WriteError(w, status, code, errors.PublicMessage(err))
}
