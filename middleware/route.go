package middleware

import (
	"github.com/gin-gonic/gin"

	"PlatesRelay/tools/safe"
)

// RouteOpt selects per-route middleware.
type RouteOpt struct {
	IsAuth bool
	Auth   gin.HandlerFunc // required when IsAuth
}

func (o RouteOpt) chain(handler gin.HandlerFunc) []gin.HandlerFunc {
	if !o.IsAuth {
		return []gin.HandlerFunc{handler}
	}
	safe.MustNotNil(o.Auth, "route auth middleware")
	return []gin.HandlerFunc{o.Auth, handler}
}

// GET registers handler, behind the auth middleware when opt.IsAuth.
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, opt.chain(handler)...)
}
