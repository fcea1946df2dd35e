package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Audience = "relayboard"

	ScopeBoardsRead  = "boards:read"
	ScopeBoardsWrite = "boards:write"
	ScopeSchemaWrite = "schema:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims carries the bearer token payload. Scopes travel as a JSON array.
type Claims struct {
	AgentName string   `json:"agent_name,omitempty"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *Claims) scopeSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Scopes))
	for _, scope := range c.Scopes {
		for _, field := range strings.Fields(scope) {
			out[field] = struct{}{}
		}
	}
	return out
}

// IssueToken signs an HS256 token for subject. The sync CLI uses it to mint
// its own token when it shares the server secret.
func IssueToken(secret, subject string, scopes []string, expires time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	claims := Claims{
		AgentName: subject,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (*Claims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" {
		if _, ok := claims.scopeSet()[requiredScope]; !ok {
			return nil, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: jwtErrorMessage(err)}
	}
	if claims.Subject == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	if len(claims.scopeSet()) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func jwtErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	default:
		return "invalid bearer token"
	}
}
