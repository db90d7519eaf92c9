package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/auth/config"
	ierr "github.com/iurnickita/artistledger/internal/errors"
)

var testCfg = config.Config{Secret: "0123456789abcdef0123", Issuer: "artistledger", TokenTTL: time.Hour}

func call(a Auth, token string, roles ...string) (*httptest.ResponseRecorder, *http.Request) {
	var seen *http.Request
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusOK)
	}, roles...)

	r := httptest.NewRequest(http.MethodGet, "/api/bands/b1/balance", nil)
	r.Header.Set(HeaderSubjectKey, "forged")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w, seen
}

func TestMiddleware(t *testing.T) {
	a := NewAuth(testCfg, zap.NewNop())

	artist, err := a.NewToken("owner-1", RoleArtist)
	require.NoError(t, err)
	w, r := call(a, artist, RoleArtist)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "owner-1", r.Header.Get(HeaderSubjectKey))
	assert.Equal(t, RoleArtist, r.Header.Get(HeaderRoleKey))

	w, _ = call(a, artist, RoleSubscriber)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, err := a.NewToken("ops", RoleAdmin)
	require.NoError(t, err)
	w, _ = call(a, admin, RoleSubscriber)
	assert.Equal(t, http.StatusOK, w.Code)

	w, r = call(a, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, r)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	a := NewAuth(testCfg, zap.NewNop())

	other := NewAuth(config.Config{Secret: "another-secret-0000000"}, zap.NewNop())
	foreign, err := other.NewToken("owner-1", RoleAdmin)
	require.NoError(t, err)
	w, _ := call(a, foreign)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			Issuer:    testCfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	raw, err := expired.SignedString([]byte(testCfg.Secret))
	require.NoError(t, err)
	w, _ = call(a, raw)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}})
	raw, err = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	w, _ = call(a, raw)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = call(a, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewTokenValidation(t *testing.T) {
	a := NewAuth(testCfg, zap.NewNop())
	_, err := a.NewToken("", RoleAdmin)
	assert.True(t, ierr.IsValidation(err))
	_, err = a.NewToken("x", "root")
	assert.True(t, ierr.IsValidation(err))
}
