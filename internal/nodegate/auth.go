package nodegate

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaonis/woly-server/internal/wolerr"
	"github.com/kaonis/woly-server/internal/wsguard"
)

// Auth kinds carried in the AuthContext.
const (
	AuthKindStatic  = "static"
	AuthKindSession = "session"
)

// AuthContext describes a successfully authenticated upgrade.
type AuthContext struct {
	Kind      string
	Token     string
	NodeID    string
	ExpiresAt *time.Time
}

// authenticate validates a token against the static token list and the
// session-token secrets. Static match uses a length-checked
// constant-time compare.
func (m *Manager) authenticate(r *http.Request) (*AuthContext, error) {
	token := wsguard.BearerToken(r, m.cfg.WsAllowQueryTokenAuth)
	if token == "" {
		return nil, wolerr.New(wolerr.KindUnauthorized, "missing bearer token")
	}

	for _, static := range m.cfg.NodeAuthTokens {
		if len(static) == len(token) &&
			subtle.ConstantTimeCompare([]byte(static), []byte(token)) == 1 {
			return &AuthContext{Kind: AuthKindStatic, Token: token}, nil
		}
	}

	if ctx, err := m.verifySessionToken(token); err == nil {
		return ctx, nil
	}

	return nil, wolerr.New(wolerr.KindUnauthorized, "invalid token")
}

// verifySessionToken checks an HS256 session token bound to a node
// subject. Every configured secret is tried so secrets can rotate.
func (m *Manager) verifySessionToken(token string) (*AuthContext, error) {
	var lastErr error
	for _, secret := range m.cfg.WsSessionTokenSecrets {
		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		},
			jwt.WithIssuer(m.cfg.WsSessionTokenIssuer),
			jwt.WithAudience(m.cfg.WsSessionTokenAudience),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			lastErr = err
			continue
		}
		if !parsed.Valid || claims.Subject == "" {
			lastErr = fmt.Errorf("invalid session token claims")
			continue
		}
		if claims.IssuedAt != nil && claims.ExpiresAt != nil {
			if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > m.cfg.WsSessionTokenTTL {
				lastErr = fmt.Errorf("session token lifetime exceeds limit")
				continue
			}
		}
		expires := claims.ExpiresAt.Time
		return &AuthContext{
			Kind:      AuthKindSession,
			Token:     token,
			NodeID:    claims.Subject,
			ExpiresAt: &expires,
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no session token secrets configured")
	}
	return nil, lastErr
}
