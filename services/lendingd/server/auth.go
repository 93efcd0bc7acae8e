package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"termlend/services/lendingd/config"
)

// Principal is the authenticated caller of a mutating request.
type Principal struct {
	Account common.Address
	Admin   bool
	Method  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller attached by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator resolves bearer credentials to a Principal. Static API
// tokens are checked first, then HMAC-signed JWTs whose subject is the
// caller's address.
type Authenticator struct {
	tokens map[string]Principal
	jwt    config.JWTConfig
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	auth := &Authenticator{
		tokens: make(map[string]Principal, len(cfg.APITokens)),
		jwt:    cfg.JWT,
		secret: []byte(strings.TrimSpace(cfg.JWT.HMACSecret)),
		logger: logger,
		now:    time.Now,
	}
	for _, tok := range cfg.APITokens {
		trimmed := strings.TrimSpace(tok.Token)
		if trimmed == "" {
			continue
		}
		auth.tokens[trimmed] = Principal{
			Account: common.HexToAddress(tok.Account),
			Admin:   tok.Admin,
			Method:  "api_token",
		}
	}
	if auth.jwt.RoleClaim == "" {
		auth.jwt.RoleClaim = "roles"
	}
	if auth.jwt.AdminRole == "" {
		auth.jwt.AdminRole = "admin"
	}
	if auth.jwt.ClockSkew <= 0 {
		auth.jwt.ClockSkew = 2 * time.Minute
	}
	return auth
}

// Middleware rejects requests without valid credentials.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("X-API-Token"))
		}
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := a.Authenticate(token)
		if err != nil {
			a.logger.Warn("authentication failed",
				slog.String("request_id", requestIDFrom(r.Context())),
				slog.Any("error", err))
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// RequireAdmin must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.Admin {
			writeJSONError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves a raw bearer token.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if p, ok := a.tokens[token]; ok {
		return p, nil
	}
	if len(a.secret) == 0 {
		return Principal{}, errors.New("unknown api token")
	}
	claims, err := a.parseToken(token)
	if err != nil {
		return Principal{}, err
	}
	if err := validateClaims(claims, a.jwt.Issuer, a.jwt.Audience); err != nil {
		return Principal{}, err
	}
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if !common.IsHexAddress(sub) {
		return Principal{}, errors.New("subject is not an address")
	}
	return Principal{
		Account: common.HexToAddress(sub),
		Admin:   hasRole(extractRoles(claims, a.jwt.RoleClaim), a.jwt.AdminRole),
		Method:  "jwt",
	}, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.jwt.ClockSkew), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience == "" {
		return nil
	}
	switch val := claims["aud"].(type) {
	case string:
		if val == audience {
			return nil
		}
	case []interface{}:
		for _, entry := range val {
			if s, ok := entry.(string); ok && s == audience {
				return nil
			}
		}
	}
	return errors.New("audience mismatch")
}

func extractRoles(claims jwt.MapClaims, claim string) []string {
	switch v := claims[claim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
