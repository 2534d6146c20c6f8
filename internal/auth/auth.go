// Package auth guards the management API (spec §6) with bearer tokens.
// Grounded on the teacher's internal/auth.Manager — its single-admin
// credential storage shape and argon2 hashing idiom — adapted from a
// password-login flow to machine-to-machine JWT bearer tokens, since the
// management API here is an automation surface (vhost/backend CRUD,
// cluster control) rather than a browser session to log into.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

var ErrInvalidToken = errors.New("auth: invalid or expired bearer token")

// Claims is the JWT payload issued for a management-API principal.
type Claims struct {
	Principal string `json:"principal"`
	jwt.RegisteredClaims
}

// Manager issues and validates bearer tokens, and verifies the bootstrap
// admin credential used to mint the first token (spec §12: "every
// /api/v1/* route ... requires a bearer token issued by internal/auth").
type Manager struct {
	signingKey   []byte
	adminHash    string // argon2id-encoded, teacher's manager.hashPassword format
	tokenTTL     time.Duration
}

// NewManager constructs a Manager with the given signing key and the admin
// password hash used to bootstrap the first token. It does not generate a
// key of its own; the key is used exactly as passed.
func NewManager(signingKey []byte, adminPasswordHash string, tokenTTL time.Duration) *Manager {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Manager{signingKey: signingKey, adminHash: adminPasswordHash, tokenTTL: tokenTTL}
}

// HashPassword derives an argon2id hash in the same $argon2id$v=19$... style
// the teacher's manager.go writes, so an operator's existing credential
// file format carries over unchanged.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return fmt.Sprintf("$argon2id$v=19$m=65536,t=1,p=4$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks password against an argon2id hash produced by
// HashPassword.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Login verifies password against the configured admin hash and, on
// success, issues a bearer token for the "admin" principal.
func (m *Manager) Login(password string) (string, error) {
	if !VerifyPassword(password, m.adminHash) {
		return "", ErrInvalidToken
	}
	return m.IssueToken("admin")
}

// IssueToken signs a bearer token for principal, valid for tokenTTL.
func (m *Manager) IssueToken(principal string) (string, error) {
	now := time.Now()
	claims := Claims{
		Principal: principal,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// Verify parses and validates a bearer token, returning the authenticated
// principal.
func (m *Manager) Verify(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", ErrInvalidToken
	}
	return claims.Principal, nil
}

// RequireBearer is a net/http middleware enforcing spec §12's bearer-token
// requirement; it sets the authenticated principal on the request header
// internal/middleware's rate limiter reads for the "principal" dimension.
func (m *Manager) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tok == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		principal, err := m.Verify(tok)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		r.Header.Set("X-Authenticated-Principal", principal)
		next.ServeHTTP(w, r)
	})
}
