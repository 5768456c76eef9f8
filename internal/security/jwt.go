// Package security issues and checks the bearer tokens devices and
// operators present to the HTTP API, and decides which routes a role may
// reach.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken     = errors.New("security: missing authorization token")
	ErrInvalidToken     = errors.New("security: invalid token")
	ErrExpiredToken     = errors.New("security: token expired")
	ErrInsufficientRole = errors.New("security: insufficient role")
)

const issuer = "parlo"

type claimsKey struct{}

// Claims identifies the device (or operator) a token was minted for.
type Claims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authority signs and verifies HS256 tokens with a single shared secret.
// A nil *Authority is dev mode: Protect lets every request through.
type Authority struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthority returns nil when secret is empty.
func NewAuthority(secret string) *Authority {
	if secret == "" {
		return nil
	}
	return &Authority{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// Enabled reports whether requests are authenticated.
func (a *Authority) Enabled() bool { return a != nil }

// Issue mints a token for deviceID with role, valid for ttl.
func (a *Authority) Issue(deviceID, role string, ttl time.Duration) (string, time.Time, error) {
	if a == nil {
		return "", time.Time{}, errors.New("security: authentication disabled")
	}
	now := time.Now()
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, expiry and role.
func (a *Authority) Verify(token string) (*Claims, error) {
	if a == nil {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil, !validRole(claims.Role):
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Protect authenticates the request and enforces route permissions before
// calling next. The verified claims are available through GetClaims.
func (a *Authority) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			next.ServeHTTP(w, r)
			return
		}
		tok, err := bearer(r)
		if err != nil {
			deny(w, http.StatusUnauthorized, err)
			return
		}
		claims, err := a.Verify(tok)
		if err != nil {
			deny(w, http.StatusUnauthorized, err)
			return
		}
		if !CheckPermission(claims, r.Method, r.URL.Path) {
			deny(w, http.StatusForbidden, ErrInsufficientRole)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func deny(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// GetClaims returns the claims Protect stored on the request.
func GetClaims(r *http.Request) (*Claims, error) {
	claims, ok := r.Context().Value(claimsKey{}).(*Claims)
	if !ok || claims == nil {
		return nil, ErrMissingToken
	}
	return claims, nil
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// bearer reads the Authorization header, falling back to ?token= since
// browsers cannot set headers on a WebSocket upgrade.
func bearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, nil
		}
		return "", ErrMissingToken
	}
	scheme, tok, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
		return "", errors.New("security: malformed authorization header")
	}
	return tok, nil
}
