package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/auth/config"
	ierr "github.com/iurnickita/artistledger/internal/errors"
)

// Роли пользователей
const (
	RoleAdmin      = "admin"
	RoleArtist     = "artist"
	RoleSubscriber = "subscriber"
)

// Заголовки, в которые middleware пишет данные токена.
// Значения от клиента всегда перезаписываются.
const (
	HeaderSubjectKey = "X-Ledger-Subject"
	HeaderRoleKey    = "X-Ledger-Role"
)

const defaultTokenTTL = 24 * time.Hour

type Auth interface {
	Middleware(h http.HandlerFunc, roles ...string) http.HandlerFunc
	NewToken(subject string, role string) (string, error)
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type auth struct {
	cfg    config.Config
	zaplog *zap.Logger
	now    func() time.Time
}

func NewAuth(cfg config.Config, zaplog *zap.Logger) Auth {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	return &auth{cfg: cfg, zaplog: zaplog, now: time.Now}
}

// Middleware checks the bearer token and lets the request through only for
// the listed roles. Admins pass every check.
func (a *auth) Middleware(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// чистим заголовки клиента
		r.Header.Del(HeaderSubjectKey)
		r.Header.Del(HeaderRoleKey)

		claims, err := a.parse(r)
		if err != nil {
			a.zaplog.Debug("request unauthorized", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.Role != RoleAdmin && len(roles) > 0 && !lo.Contains(roles, claims.Role) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// записываем
		r.Header.Set(HeaderSubjectKey, claims.Subject)
		r.Header.Set(HeaderRoleKey, claims.Role)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) parse(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, ierr.NewError("missing bearer token").
			WithHint("Authorization header is required").
			Mark(ierr.ErrPermissionDenied)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ierr.NewErrorf("unexpected signing method: %v", token.Header["alg"]).
				Mark(ierr.ErrPermissionDenied)
		}
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Token parse error").
			Mark(ierr.ErrPermissionDenied)
	}
	if !token.Valid || claims.Subject == "" || claims.Role == "" {
		return nil, ierr.NewError("invalid token claims").
			WithHint("Invalid token claims").
			Mark(ierr.ErrPermissionDenied)
	}
	if a.cfg.Issuer != "" && claims.Issuer != a.cfg.Issuer {
		return nil, ierr.NewError("unexpected token issuer").
			Mark(ierr.ErrPermissionDenied)
	}
	return claims, nil
}

// NewToken signs an HS256 token for the subject.
func (a *auth) NewToken(subject string, role string) (string, error) {
	if subject == "" || !lo.Contains([]string{RoleAdmin, RoleArtist, RoleSubscriber}, role) {
		return "", ierr.NewErrorf("cannot issue token for %q with role %q", subject, role).
			Mark(ierr.ErrValidation)
	}
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.Secret))
}
