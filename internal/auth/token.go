// Package auth issues and verifies the stateless bearer tokens that gate the
// API, and hashes account passwords.
//
// Tokens are compact JWS strings signed with HMAC-SHA256. Verification is
// done by hand so each failure maps onto a distinct error, checked in this
// order: segment count, header algorithm, signature, expiry.
package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"shop-api/config"
	"shop-api/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = apperr.New(apperr.KindAuth, "missing_token", "authorization token required")
	ErrBadFormat      = apperr.New(apperr.KindAuth, "bad_format", "token format is invalid")
	ErrBadAlgorithm   = apperr.New(apperr.KindAuth, "bad_algorithm", "token algorithm is not accepted")
	ErrBadSignature   = apperr.New(apperr.KindAuth, "bad_signature", "token signature is invalid")
	ErrExpired        = apperr.New(apperr.KindAuth, "expired", "token has expired")
	ErrSessionExpired = apperr.New(apperr.KindAuth, "session_expired", "session is too old to refresh, log in again")
)

// Identity is the subject embedded in every token.
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Claims is the token payload. AuthTime is the moment of the original login
// and is carried unchanged across refreshes.
type Claims struct {
	Data     Identity         `json:"data"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

type TokenService struct {
	secret        []byte
	method        jwt.SigningMethod
	issuer        string
	expiry        time.Duration
	maxSessionAge time.Duration
	now           func() time.Time
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

func NewTokenService(cfg config.AuthConfig, opts ...Option) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token secret is empty")
	}
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil || method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unsupported token algorithm %q", cfg.Algorithm)
	}

	s := &TokenService{
		secret:        []byte(cfg.Secret),
		method:        method,
		issuer:        cfg.Issuer,
		expiry:        cfg.Expiry,
		maxSessionAge: cfg.MaxSessionAge,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ExpiresIn is the lifetime of freshly issued tokens.
func (s *TokenService) ExpiresIn() time.Duration {
	return s.expiry
}

// Issue signs a new token for the subject.
func (s *TokenService) Issue(userID int64, email, role string) (string, error) {
	now := s.now()
	return s.sign(Identity{UserID: userID, Email: email, Role: role}, now, now)
}

func (s *TokenService) sign(id Identity, authTime, now time.Time) (string, error) {
	claims := Claims{
		Data:     id,
		AuthTime: jwt.NewNumericDate(authTime),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token and returns its claims.
func (s *TokenService) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrBadFormat
	}

	// An undecodable header falls through to the signature check, which fails.
	if alg, ok := headerAlgorithm(parts[0]); ok && alg != s.method.Alg() {
		return nil, ErrBadAlgorithm
	}

	expected, err := s.method.Sign(parts[0]+"."+parts[1], s.secret)
	if err != nil {
		return nil, ErrBadSignature.Wrap(err)
	}
	if !hmac.Equal([]byte(base64.RawURLEncoding.EncodeToString(expected)), []byte(parts[2])) {
		return nil, ErrBadSignature
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrBadFormat.Wrap(err)
	}
	if claims.ExpiresAt == nil {
		return nil, ErrBadFormat.With("token has no expiry")
	}
	if s.now().After(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}

	return claims, nil
}

// Refresh re-issues a currently valid token with a fresh issued-at and
// expiry. Refresh is allowed at any point before expiry, but only while the
// original login is younger than the configured maximum session age.
func (s *TokenService) Refresh(token string) (string, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return "", err
	}

	now := s.now()
	authTime := now
	switch {
	case claims.AuthTime != nil:
		authTime = claims.AuthTime.Time
	case claims.IssuedAt != nil:
		authTime = claims.IssuedAt.Time
	}
	if s.maxSessionAge > 0 && now.Sub(authTime) > s.maxSessionAge {
		return "", ErrSessionExpired
	}

	return s.sign(claims.Data, authTime, now)
}

func headerAlgorithm(segment string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", false
	}
	return header.Alg, true
}
