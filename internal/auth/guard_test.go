package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newGuardedRouter(g *Guard) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(g.Middleware(), g.CSRFMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.POST("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func serve(r *gin.Engine, req *http.Request) int {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestGuardDisabledAllowsAll(t *testing.T) {
	r := newGuardedRouter(NewGuard("  "))
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodPost, "/ping", nil)))
}

func TestGuardBearerToken(t *testing.T) {
	r := newGuardedRouter(NewGuard("secret"))

	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil)))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req))

	req = httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.Header.Set("Authorization", "bearer secret")
	assert.Equal(t, http.StatusOK, serve(r, req))
}

func TestGuardCookieRequiresCSRF(t *testing.T) {
	r := newGuardedRouter(NewGuard("secret"))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "secret"})
	assert.Equal(t, http.StatusOK, serve(r, req))

	req = httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "secret"})
	assert.Equal(t, http.StatusForbidden, serve(r, req))

	req = httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "secret"})
	req.AddCookie(&http.Cookie{Name: DefaultCSRFCookieName, Value: "abc"})
	req.Header.Set(DefaultCSRFHeaderName, "abc")
	assert.Equal(t, http.StatusOK, serve(r, req))
}

func TestGuardIssuesCSRFCookie(t *testing.T) {
	r := newGuardedRouter(NewGuard("secret"))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "secret"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var issued string
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCSRFCookieName {
			issued = c.Value
		}
	}
	assert.NotEmpty(t, issued)

	req = httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "secret"})
	req.AddCookie(&http.Cookie{Name: DefaultCSRFCookieName, Value: issued})
	req.Header.Set(DefaultCSRFHeaderName, issued)
	assert.Equal(t, http.StatusOK, serve(r, req))
}
