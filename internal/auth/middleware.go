package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type contextKey string

const principalKey contextKey = "authPrincipal"

// ContextWithPrincipal stores p on ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the authenticated principal from context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	if p, ok := ctx.Value(principalKey).(Principal); ok && p.UserID != "" {
		return p, true
	}
	return Principal{}, false
}

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	return p.UserID, ok
}

// JWTMiddleware rejects requests without a valid bearer token before any
// later handler runs, and injects the principal otherwise.
func JWTMiddleware(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		principal, err := tokens.Verify(tokenString)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		setPrincipal(c, principal)
		c.Next()
	}
}

// OptionalJWTMiddleware injects the principal when a valid bearer token is
// present and lets every request through.
func OptionalJWTMiddleware(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization")); err == nil {
			if principal, err := tokens.Verify(tokenString); err == nil {
				setPrincipal(c, principal)
			}
		}
		c.Next()
	}
}

func setPrincipal(c *gin.Context, p Principal) {
	c.Request = c.Request.WithContext(ContextWithPrincipal(c.Request.Context(), p))
	c.Set(string(principalKey), p)
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing token")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
