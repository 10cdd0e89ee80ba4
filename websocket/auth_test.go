package websocket

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcraig150/Skybound-realms-sub002/apperr"
	"github.com/mcraig150/Skybound-realms-sub002/config"
)

const testSecret = "a-very-long-and-random-test-secret"

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		Enabled:           true,
		JWTSecret:         testSecret,
		TokenQueryParam:   "token",
		RevocationListKey: "jwt:revoked",
		AdminScope:        "admin",
	}
}

func signToken(t *testing.T, secret, subject, jti string, ttl time.Duration, scopes ...string) string {
	t.Helper()
	claims := CustomClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAdmit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Set("jwt:revoked:revoked-jti", "1")

	cfg := testAuthConfig()
	admitter := NewAdmitter(cfg, NewJWTValidator(cfg, rdb), StaticDirectory{"P1": "aria", "P2": "bram"})

	testCases := []struct {
		name     string
		header   string
		query    string
		wantCode apperr.Code
		wantUser string
	}{
		{
			name:     "no credential",
			wantCode: apperr.CodeMissingCredential,
		},
		{
			name:     "bearer header",
			header:   "Bearer " + signToken(t, testSecret, "P1", "j1", time.Hour),
			wantUser: "aria",
		},
		{
			name:     "query parameter",
			query:    "token=" + signToken(t, testSecret, "P2", "j2", time.Hour),
			wantUser: "bram",
		},
		{
			name:     "wrong signature",
			header:   "Bearer " + signToken(t, "some-other-secret-value", "P1", "j3", time.Hour),
			wantCode: apperr.CodeInvalidCredential,
		},
		{
			name:     "expired",
			header:   "Bearer " + signToken(t, testSecret, "P1", "j4", -time.Minute),
			wantCode: apperr.CodeInvalidCredential,
		},
		{
			name:     "revoked",
			header:   "Bearer " + signToken(t, testSecret, "P1", "revoked-jti", time.Hour),
			wantCode: apperr.CodeInvalidCredential,
		},
		{
			name:     "garbage",
			header:   "Bearer not-a-jwt",
			wantCode: apperr.CodeInvalidCredential,
		},
		{
			name:     "unknown player",
			header:   "Bearer " + signToken(t, testSecret, "P9", "j5", time.Hour),
			wantCode: apperr.CodePlayerNotFound,
		},
		{
			name:     "no subject",
			header:   "Bearer " + signToken(t, testSecret, "", "j6", time.Hour),
			wantCode: apperr.CodeInvalidCredential,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws?"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}

			id, err := admitter.Admit(r)
			if tc.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, apperr.CodeOf(err))
				assert.Nil(t, id)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantUser, id.Username)
			assert.NotNil(t, id.Claims)
		})
	}
}

func TestAdmitAuthDisabled(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Enabled = false
	admitter := NewAdmitter(cfg, nil, StaticDirectory{"P1": "aria"})

	r := httptest.NewRequest("GET", "/ws?playerId=P1", nil)
	id, err := admitter.Admit(r)
	require.NoError(t, err)
	assert.Equal(t, "P1", id.PlayerID)
	assert.Nil(t, id.Claims)

	_, err = admitter.Admit(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, apperr.ErrMissingCredential)

	_, err = admitter.Admit(httptest.NewRequest("GET", "/ws?playerId=ghost", nil))
	assert.ErrorIs(t, err, apperr.ErrPlayerNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRevocationFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	cfg := testAuthConfig()
	claims, err := NewJWTValidator(cfg, rdb).ValidateToken(context.Background(), signToken(t, testSecret, "P1", "j1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "P1", claims.Subject)
}

func TestHasScope(t *testing.T) {
	claims := &CustomClaims{Scopes: []string{"play", "admin"}}
	assert.True(t, claims.HasScope("admin"))
	assert.False(t, claims.HasScope("moderator"))
	assert.False(t, (*CustomClaims)(nil).HasScope("admin"))
}

func TestRedisDirectory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.HSet("player:P1", "username", "aria")

	dir := NewRedisDirectory(rdb, "")

	p, err := dir.Lookup(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, Player{ID: "P1", Username: "aria"}, p)

	_, err = dir.Lookup(context.Background(), "P2")
	assert.ErrorIs(t, err, apperr.ErrPlayerNotFound)
}
