package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func do(r http.Handler, method, path string) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w.Code
}

func TestRouteOptAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusForbidden) }
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }

	GET(r, "/open", ok, RouteOpt{})
	GET(r, "/closed", ok, RouteOpt{IsAuth: true, Auth: deny})

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/open"))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/closed"))
}

func TestRouteOptAuthRequiresHandler(t *testing.T) {
	r := gin.New()
	assert.Panics(t, func() {
		GET(r, "/x", func(*gin.Context) {}, RouteOpt{IsAuth: true})
	})
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery(zap.NewNop()), AccessLog(zap.NewNop(), "/ws"))
	r.GET("/boom", func(*gin.Context) { panic("boom") })
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodGet, "/boom"))
}
