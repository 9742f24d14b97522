package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", AuthMiddleware(), AdminOnly(), func(c *gin.Context) {
		c.String(http.StatusOK, utils.ActorFromContext(c.Request.Context()))
	})
	return r
}

func call(r http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminOnly(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	r := adminRouter()

	admin, err := utils.JwtGenerate(1, "alice", utils.RoleAdmin)
	require.NoError(t, err)
	viewer, err := utils.JwtGenerate(2, "bob", "viewer")
	require.NoError(t, err)

	w := call(r, "Bearer "+admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusForbidden, call(r, "Bearer "+viewer).Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "Token "+admin).Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "Bearer not-a-jwt").Code)
}

func TestAuthMiddleware_WrongSecret(t *testing.T) {
	t.Setenv("API_SECRET", "one")
	token, err := utils.JwtGenerate(1, "alice", utils.RoleAdmin)
	require.NoError(t, err)

	t.Setenv("API_SECRET", "two")
	assert.Equal(t, http.StatusUnauthorized, call(adminRouter(), "Bearer "+token).Code)
}

func TestReadinessMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ReadinessMiddleware(func() bool { return true }))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/api/collections/policy", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// No database connection in tests.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/collections/policy", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
