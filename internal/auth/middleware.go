package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	pkgerrors "autograder/pkg/errors"
	"autograder/pkg/utils/contextkey"
	"autograder/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	// InternalTokenHeader carries the shared secret on grading worker callbacks.
	InternalTokenHeader = "X-Internal-Token"

	callerContextKey = "caller"
)

// Authenticate resolves the bearer token and stores the caller on the request.
func Authenticate(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}
		caller, err := a.Authenticate(c.Request.Context(), extractBearerToken(c.GetHeader("Authorization")))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		SetCaller(c, caller)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed. It must run after Authenticate.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "")
			return
		}
		if !hasRole(caller.Role, roles) {
			response.AbortWithErrorCode(c, pkgerrors.InsufficientPermission, "insufficient role")
			return
		}
		c.Next()
	}
}

// InternalOnly admits requests that present the shared internal token.
// An empty configured token rejects everything.
func InternalOnly(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(InternalTokenHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			response.AbortWithErrorCode(c, pkgerrors.Forbidden, "internal endpoint")
			return
		}
		c.Next()
	}
}

// SetCaller stores caller on both the gin and request contexts.
func SetCaller(c *gin.Context, caller Caller) {
	c.Set(callerContextKey, caller)
	ctx := context.WithValue(c.Request.Context(), contextkey.UserID, caller.ID)
	ctx = context.WithValue(ctx, contextkey.UserRole, caller.Role)
	c.Request = c.Request.WithContext(ctx)
}

// CallerFrom returns the caller stored by Authenticate.
func CallerFrom(c *gin.Context) (Caller, bool) {
	v, ok := c.Get(callerContextKey)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
