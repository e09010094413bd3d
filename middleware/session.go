package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jamesirl/blog/models"
	"github.com/jamesirl/blog/utils"
)

const (
	// SessionCookieName is the cookie carrying the signed session token.
	SessionCookieName = "session"

	// ContextUserKey stores the session username inside Gin context.
	ContextUserKey = "session_user"
	// ContextPrivilegeKey stores the session privilege inside Gin context.
	ContextPrivilegeKey = "session_privilege"
	// ContextTokenKey stores the raw token, needed for revocation at logout.
	ContextTokenKey = "session_token"
)

// SessionLoader resolves the session cookie into a request-scoped identity.
// Anonymous requests pass through untouched; a bad or revoked token is
// treated the same as no session at all.
func SessionLoader() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, err := ctx.Cookie(SessionCookieName)
		if err != nil || token == "" {
			ctx.Next()
			return
		}

		if utils.IsTokenBlacklisted(token) {
			ctx.Next()
			return
		}

		claims, err := utils.ParseSessionToken(token)
		if err != nil {
			ctx.Next()
			return
		}

		ctx.Set(ContextUserKey, claims.Username)
		ctx.Set(ContextPrivilegeKey, claims.Privilege)
		ctx.Set(ContextTokenKey, token)
		ctx.Next()
	}
}

// CurrentUser returns the session username, if any.
func CurrentUser(ctx *gin.Context) (string, bool) {
	v, exists := ctx.Get(ContextUserKey)
	if !exists {
		return "", false
	}
	username, ok := v.(string)
	return username, ok && username != ""
}

// IsGod reports whether the session both has a user and carries the god
// privilege.
func IsGod(ctx *gin.Context) bool {
	if _, ok := CurrentUser(ctx); !ok {
		return false
	}
	v, exists := ctx.Get(ContextPrivilegeKey)
	if !exists {
		return false
	}
	privilege, _ := v.(string)
	return privilege == models.PrivilegeGod
}

// SessionToken returns the raw session token for revocation.
func SessionToken(ctx *gin.Context) (string, bool) {
	v, exists := ctx.Get(ContextTokenKey)
	if !exists {
		return "", false
	}
	token, ok := v.(string)
	return token, ok && token != ""
}

// GodOnly gates admin operations. A failed gate renders the not-found view —
// deliberately indistinguishable from a missing resource — and aborts so no
// further handler runs.
func GodOnly() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !IsGod(ctx) {
			ctx.HTML(http.StatusNotFound, "notfound.html", gin.H{"Auth": false, "God": false})
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}
