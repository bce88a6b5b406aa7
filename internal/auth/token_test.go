package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"shop-api/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, clock *fakeClock) *TokenService {
	t.Helper()
	svc, err := NewTokenService(config.AuthConfig{
		Secret:        "test-secret",
		Algorithm:     "HS256",
		Issuer:        "shop-api",
		Expiry:        5 * time.Minute,
		MaxSessionAge: time.Hour,
	}, WithClock(clock.Now))
	require.NoError(t, err)
	return svc
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	token, err := svc.Issue(42, "buyer@example.com", "user")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."))

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, Email: "buyer@example.com", Role: "user"}, claims.Data)
	assert.Equal(t, "shop-api", claims.Issuer)
	assert.Equal(t, clock.t.Add(5*time.Minute), claims.ExpiresAt.Time.UTC())
}

func TestVerifyExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	token, err := svc.Issue(1, "a@example.com", "user")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = svc.Verify(token)
	assert.NoError(t, err, "expiry is exclusive")

	clock.Advance(time.Second)
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyBadFormat(t *testing.T) {
	svc := newTestService(t, &fakeClock{t: time.Now()})

	for _, token := range []string{"", "abc", "a.b", "a.b.c.d", "...."} {
		_, err := svc.Verify(token)
		assert.ErrorIs(t, err, ErrBadFormat, token)
	}
}

func TestVerifyBadAlgorithm(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	claims := Claims{
		Data: Identity{UserID: 1, Role: "admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrBadAlgorithm)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(none)
	assert.ErrorIs(t, err, ErrBadAlgorithm)
}

func TestVerifyWrongSecret(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	other, err := NewTokenService(config.AuthConfig{
		Secret: "other-secret", Algorithm: "HS256", Expiry: time.Minute,
	}, WithClock(clock.Now))
	require.NoError(t, err)

	token, err := other.Issue(1, "a@example.com", "admin")
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsEveryAlteredByte(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	token, err := svc.Issue(7, "buyer@example.com", "user")
	require.NoError(t, err)
	headerLen := strings.Index(token, ".")

	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			continue
		}
		replacement := alphabet[(strings.IndexByte(alphabet, token[i])+1)%len(alphabet)]
		altered := token[:i] + string(replacement) + token[i+1:]

		_, err := svc.Verify(altered)
		require.Error(t, err, "position %d", i)
		if i < headerLen && errors.Is(err, ErrBadAlgorithm) {
			continue
		}
		assert.ErrorIs(t, err, ErrBadSignature, "position %d", i)
	}
}

func TestVerifyUndecodableHeaderIsSignatureFailure(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	token, err := svc.Issue(7, "buyer@example.com", "user")
	require.NoError(t, err)
	parts := strings.Split(token, ".")

	for _, header := range []string{"!!!", base64.RawURLEncoding.EncodeToString([]byte("{not json"))} {
		_, err := svc.Verify(header + "." + parts[1] + "." + parts[2])
		assert.ErrorIs(t, err, ErrBadSignature, header)
	}
}

func TestVerifyUndecodablePayloadIsBadFormat(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte("{not json"))
	sig, err := jwt.SigningMethodHS256.Sign(header+"."+payload, []byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestVerifyPayloadTamperingWithValidJSON(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	token, err := svc.Issue(7, "buyer@example.com", "user")
	require.NoError(t, err)
	parts := strings.Split(token, ".")

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	forged := strings.Replace(string(payload), `"role":"user"`, `"role":"admin"`, 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))

	_, err = svc.Verify(strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestRefresh(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	token, err := svc.Issue(9, "a@example.com", "admin")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	refreshed, err := svc.Refresh(token)
	require.NoError(t, err)
	assert.NotEqual(t, token, refreshed)

	claims, err := svc.Verify(refreshed)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 9, Email: "a@example.com", Role: "admin"}, claims.Data)
	assert.Equal(t, clock.t, claims.IssuedAt.Time.UTC())
	assert.Equal(t, clock.t.Add(-time.Minute), claims.AuthTime.Time.UTC())
}

func TestRefreshRequiresValidToken(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	token, err := svc.Issue(9, "a@example.com", "user")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = svc.Refresh(token)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = svc.Refresh("not-a-token")
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestRefreshStopsAtMaxSessionAge(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	token, err := svc.Issue(9, "a@example.com", "user")
	require.NoError(t, err)

	// Slide the session forward in four-minute steps.
	for elapsed := time.Duration(0); elapsed < time.Hour-4*time.Minute; elapsed += 4 * time.Minute {
		clock.Advance(4 * time.Minute)
		token, err = svc.Refresh(token)
		require.NoError(t, err)
	}

	// 56m after login; the last token is still valid for five more minutes.
	clock.Advance(5 * time.Minute)
	_, err = svc.Verify(token)
	require.NoError(t, err)
	_, err = svc.Refresh(token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestNewTokenServiceRejectsConfig(t *testing.T) {
	_, err := NewTokenService(config.AuthConfig{Secret: "", Algorithm: "HS256"})
	assert.Error(t, err)

	_, err = NewTokenService(config.AuthConfig{Secret: "s", Algorithm: "RS256"})
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	require.NoError(t, err)

	assert.True(t, CheckPassword(hash, "s3cret!"))
	assert.False(t, CheckPassword(hash, "wrong"))

	random, err := RandomPassword()
	require.NoError(t, err)
	assert.Len(t, random, 32)
}
