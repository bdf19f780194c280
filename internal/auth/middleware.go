package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
)

// Claims is the token payload issued by the identity service.
type Claims struct {
	UserID       string `json:"userId"`
	Role         string `json:"role"`
	DistrictCode string `json:"district_code,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens and stores the resulting
// Identity on the request context.
type Authenticator struct {
	secret    []byte
	issuer    string
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthenticator creates an Authenticator. Requests to skipPaths pass
// through unauthenticated.
func NewAuthenticator(secret, issuer string, log *logger.Logger, skipPaths ...string) *Authenticator {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, log: log, skipPaths: skip}
}

// Handler is the middleware.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			writeUnauthorized(w, "access token required")
			return
		}

		id, err := a.Parse(parts[1])
		if err != nil {
			a.log.Warn().Err(err).Str("path", r.URL.Path).Msg("Token validation failed")
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Parse validates a token and returns the identity it asserts.
func (a *Authenticator) Parse(token string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid token")
	}

	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid role claim")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, errors.Unauthorized("token has no subject")
	}

	return Identity{UserID: userID, Role: role, DistrictCode: claims.DistrictCode}, nil
}

// Sign issues a token for id. Token issuance belongs to the identity service;
// this exists for the admin CLI and tests.
func (a *Authenticator) Sign(id Identity, claims jwt.RegisteredClaims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = a.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           id.UserID,
		Role:             string(id.Role),
		DistrictCode:     id.DistrictCode,
		RegisteredClaims: claims,
	})
	return token.SignedString(a.secret)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": string(errors.ErrCodeUnauthorized), "message": message},
	})
}
