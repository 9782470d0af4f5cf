package security

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PlatesRelay/tools/safe"
)

// CtxUserIDKey holds the admitted user id (int64) in the gin context.
const CtxUserIDKey = "relayUserID"

// DefaultCookie carries the auth token on the upgrade request.
const DefaultCookie = "familyPlatesAuthToken"

// TokenValidator checks an "<userId>:<signatureHex>" token.
type TokenValidator interface {
	Validate(token string) (userID int64, ok bool)
}

type Options struct {
	Cookie    string // default DefaultCookie
	Validator TokenValidator
	// OnDecision is told about every admission decision, may be nil.
	OnDecision func(accepted bool)
	Log        *zap.Logger
}

// Middleware admits requests carrying a valid token cookie. Rejected
// requests get no HTTP response: the underlying connection is closed.
func Middleware(opts Options) gin.HandlerFunc {
	safe.MustNotNil(opts.Validator, "auth validator")
	if opts.Cookie == "" {
		opts.Cookie = DefaultCookie
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	decide := func(ok bool) {
		if opts.OnDecision != nil {
			opts.OnDecision(ok)
		}
	}
	return func(c *gin.Context) {
		token, err := c.Cookie(opts.Cookie)
		if err != nil || token == "" {
			opts.Log.Info("[Auth] rejected: no token", zap.String("remote", c.ClientIP()))
			decide(false)
			Reject(c)
			return
		}
		userID, ok := opts.Validator.Validate(unescape(token))
		if !ok {
			opts.Log.Info("[Auth] rejected: bad token", zap.String("remote", c.ClientIP()))
			decide(false)
			Reject(c)
			return
		}
		decide(true)
		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}

// gin already unescapes cookie values; browsers that percent-encode the
// separator twice still get here with %3A.
func unescape(token string) string {
	if !strings.Contains(token, "%") {
		return token
	}
	if s, err := url.QueryUnescape(token); err == nil {
		return s
	}
	return token
}

// UserID returns the id stored by Middleware.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// Reject aborts the chain and closes the raw connection without writing a
// response. HTTP/2 requests cannot be hijacked and get a bare 401.
func Reject(c *gin.Context) {
	if c.Request.ProtoMajor != 1 {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Abort()
	_ = conn.Close()
}
