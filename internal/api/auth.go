package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const operatorContextKey = "Operator"

var ErrEmptySecret = errors.New("operator jwt secret is empty")

// OperatorClaims represents JWT claims for an operator console.
type OperatorClaims struct {
	Operator string `json:"op"`
	jwt.RegisteredClaims
}

// IssueToken signs an operator token valid for ttl.
func IssueToken(operator, secret string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, ErrEmptySecret
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims.Operator, nil
	}
	return "", errors.New("invalid token claims")
}

// bearer extracts the token from the Authorization header, or from the
// token query parameter for websocket upgrades where browsers cannot set
// headers.
func bearer(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query("token"); q != "" {
			return q, ""
		}
		return "", "MISSING_TOKEN"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "INVALID_AUTH_HEADER"
	}
	return parts[1], ""
}

// AuthMiddleware enforces operator JWT auth for protected routes. With no
// secret configured every protected route is refused.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			respondError(c, http.StatusServiceUnavailable, "AUTH_NOT_CONFIGURED", "operator auth is not configured")
			c.Abort()
			return
		}
		tokenStr, code := bearer(c)
		if code != "" {
			msg := "missing Authorization header"
			if code == "INVALID_AUTH_HEADER" {
				msg = "invalid Authorization header"
			}
			respondError(c, http.StatusUnauthorized, code, msg)
			c.Abort()
			return
		}

		operator, err := parseToken(tokenStr, secret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(operatorContextKey, operator)
		c.Next()
	}
}

// CurrentOperator returns the authenticated operator from context.
func CurrentOperator(c *gin.Context) string {
	if v, ok := c.Get(operatorContextKey); ok {
		if op, okCast := v.(string); okCast {
			return op
		}
	}
	return ""
}
