// Package auth carries the authenticated caller through the request and turns
// it into typed capabilities that the lifecycle engine accepts.
//
// Identity is asserted by upstream authentication and trusted as-is. A
// capability can only be obtained from an Identity whose role matches, so an
// engine method that takes a VerifierCapability cannot be reached with a
// vendor's identity.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
)

// Role is the closed set of caller roles.
type Role string

const (
	RoleVendor           Role = "VENDOR"
	RoleDistrictVerifier Role = "DISTRICT_VERIFIER"
	RoleHQAdmin          Role = "HQ_ADMIN"
)

// ParseRole converts a raw claim into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleVendor, RoleDistrictVerifier, RoleHQAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) String() string { return string(r) }

// Identity is the authenticated caller.
type Identity struct {
	UserID       string
	Role         Role
	DistrictCode string
}

// Principal is implemented by every capability; read paths use it to apply
// role-based scoping.
type Principal interface {
	UserID() string
	Role() Role
}

// VendorCapability proves the caller is a vendor acting for VendorID.
type VendorCapability struct {
	userID   string
	vendorID string
}

func (c VendorCapability) UserID() string   { return c.userID }
func (c VendorCapability) Role() Role       { return RoleVendor }
func (c VendorCapability) VendorID() string { return c.vendorID }

// VerifierCapability proves the caller verifies bills of one district.
type VerifierCapability struct {
	userID   string
	district string
}

func (c VerifierCapability) UserID() string       { return c.userID }
func (c VerifierCapability) Role() Role           { return RoleDistrictVerifier }
func (c VerifierCapability) DistrictCode() string { return c.district }

// HQCapability proves the caller is an HQ administrator.
type HQCapability struct {
	userID string
}

func (c HQCapability) UserID() string { return c.userID }
func (c HQCapability) Role() Role     { return RoleHQAdmin }

// Vendor returns the vendor capability for this identity. vendorID is the
// vendor profile resolved for the user.
func (id Identity) Vendor(vendorID string) (VendorCapability, error) {
	if id.Role != RoleVendor {
		return VendorCapability{}, errors.Scope("vendor role required")
	}
	if id.UserID == "" || vendorID == "" {
		return VendorCapability{}, errors.Scope("vendor profile not found")
	}
	return VendorCapability{userID: id.UserID, vendorID: vendorID}, nil
}

// Verifier returns the district verifier capability for this identity.
func (id Identity) Verifier() (VerifierCapability, error) {
	if id.Role != RoleDistrictVerifier {
		return VerifierCapability{}, errors.Scope("district verifier role required")
	}
	if id.DistrictCode == "" {
		return VerifierCapability{}, errors.Scope("verifier district not found in token")
	}
	return VerifierCapability{userID: id.UserID, district: id.DistrictCode}, nil
}

// HQ returns the HQ capability for this identity.
func (id Identity) HQ() (HQCapability, error) {
	if id.Role != RoleHQAdmin {
		return HQCapability{}, errors.Scope("HQ admin role required")
	}
	return HQCapability{userID: id.UserID}, nil
}

type contextKey struct{}

// WithIdentity stores the identity on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity placed by the authentication middleware.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, errors.Unauthorized("missing identity")
	}
	return id, nil
}
