// Package auth protects the local API with a static bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	DefaultHeaderName     = "Authorization"
	DefaultCookieName     = "mikuai_token"
	DefaultCSRFHeaderName = "X-CSRF-Token"
	DefaultCSRFCookieName = "mikuai_csrf"
)

// Guard checks requests against the configured API token. A Guard with an
// empty token lets every request through.
type Guard struct {
	token          string
	headerName     string
	cookieName     string
	csrfHeaderName string
	csrfCookieName string
}

func NewGuard(token string) *Guard {
	return &Guard{
		token:          strings.TrimSpace(token),
		headerName:     DefaultHeaderName,
		cookieName:     DefaultCookieName,
		csrfHeaderName: DefaultCSRFHeaderName,
		csrfCookieName: DefaultCSRFCookieName,
	}
}

// Enabled reports whether a token is required.
func (g *Guard) Enabled() bool {
	return g != nil && g.token != ""
}

// Middleware rejects requests that do not carry the token as a bearer header
// or cookie.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Enabled() {
			c.Next()
			return
		}
		token := g.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (g *Guard) extractToken(c *gin.Context) string {
	if authHeader := c.GetHeader(g.headerName); hasBearer(authHeader) {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(g.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}

// CSRFMiddleware applies a double-submit check to cookie-authenticated
// requests. Safe requests without a CSRF cookie are issued one; unsafe
// requests must echo it in the CSRF header. Bearer requests are exempt.
func (g *Guard) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Enabled() || hasBearer(c.GetHeader(g.headerName)) {
			c.Next()
			return
		}
		cookie, _ := c.Cookie(g.csrfCookieName)
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if cookie == "" {
				c.SetSameSite(http.SameSiteStrictMode)
				c.SetCookie(g.csrfCookieName, uuid.NewString(), 0, "/", "", false, false)
			}
			c.Next()
			return
		}
		header := c.GetHeader(g.csrfHeaderName)
		if cookie == "" || subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

func hasBearer(header string) bool {
	return len(header) > 7 && strings.EqualFold(header[:7], "bearer ")
}
