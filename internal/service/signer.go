package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

// approvalPayload is the signed document. Field order is fixed by the struct,
// which keeps the JSON encoding deterministic.
type approvalPayload struct {
	BillID     string `json:"bill_id"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at"`
}

// SignatureTime normalizes an approval timestamp to what the store persists:
// UTC at microsecond precision.
func SignatureTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CanonicalApproval returns the exact bytes that are hashed for an approval.
func CanonicalApproval(billID, approvedBy string, approvedAt time.Time) ([]byte, error) {
	b, err := json.Marshal(approvalPayload{
		BillID:     billID,
		ApprovedBy: approvedBy,
		ApprovedAt: SignatureTime(approvedAt).Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode approval payload")
	}
	return b, nil
}

// SignApproval returns the lowercase hex SHA-256 of the canonical payload.
func SignApproval(billID, approvedBy string, approvedAt time.Time) (string, error) {
	payload, err := CanonicalApproval(billID, approvedBy, approvedAt)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// SignatureStatus is the outcome of re-deriving a stored approval signature.
type SignatureStatus struct {
	BillID   string     `json:"bill_id"`
	Signed   bool       `json:"signed"`
	Valid    bool       `json:"valid"`
	SignedBy *string    `json:"signed_by,omitempty"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
	Stored   *string    `json:"signed_hash,omitempty"`
	Computed string     `json:"computed_hash,omitempty"`
}

// VerifyApproval recomputes the digest from the bill's stored id, signer and
// signing time and compares it with the stored digest.
func VerifyApproval(b *repository.Bill) (*SignatureStatus, error) {
	st := &SignatureStatus{BillID: b.ID, SignedBy: b.SignedBy, SignedAt: b.SignedAt, Stored: b.SignedHash}
	if b.SignedHash == nil || b.SignedBy == nil || b.SignedAt == nil {
		return st, nil
	}
	st.Signed = true

	computed, err := SignApproval(b.ID, *b.SignedBy, *b.SignedAt)
	if err != nil {
		return nil, err
	}
	st.Computed = computed
	st.Valid = subtle.ConstantTimeCompare([]byte(computed), []byte(*b.SignedHash)) == 1
	return st, nil
}
