package stream

import (
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/wolerr"
	"github.com/kaonis/woly-server/internal/wsguard"
)

// Roles accepted on the subscriber stream.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// AuthContext describes an authenticated subscriber.
type AuthContext struct {
	Subject string
	Roles   []string
	Claims  jwt.MapClaims
}

// Authorized reports whether the subscriber carries a role that grants
// stream access.
func (a *AuthContext) Authorized() bool {
	for _, role := range a.Roles {
		if role == RoleOperator || role == RoleAdmin {
			return true
		}
	}
	return false
}

// AuthFunc verifies an upgrade request before the handshake. Returning
// an error refuses the upgrade with 401.
type AuthFunc func(r *http.Request) (*AuthContext, error)

// NewJWTAuth builds the default bearer verifier over the configured
// session-token secrets. Roles come from the "roles" claim.
func NewJWTAuth(cfg *config.Config) AuthFunc {
	return func(r *http.Request) (*AuthContext, error) {
		token := wsguard.BearerToken(r, cfg.WsAllowQueryTokenAuth)
		if token == "" {
			return nil, wolerr.New(wolerr.KindUnauthorized, "missing bearer token")
		}

		var lastErr error
		for _, secret := range cfg.WsSessionTokenSecrets {
			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			},
				jwt.WithIssuer(cfg.WsSessionTokenIssuer),
				jwt.WithAudience(cfg.WsSessionTokenAudience),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				lastErr = err
				continue
			}
			if !parsed.Valid {
				lastErr = fmt.Errorf("invalid subscriber token")
				continue
			}

			subject, _ := claims.GetSubject()
			if subject == "" {
				lastErr = fmt.Errorf("subscriber token missing subject")
				continue
			}
			return &AuthContext{
				Subject: subject,
				Roles:   rolesClaim(claims),
				Claims:  claims,
			}, nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no session token secrets configured")
		}
		return nil, wolerr.Wrap(wolerr.KindUnauthorized, "invalid token", lastErr)
	}
}

func rolesClaim(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
