package security

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PlatesRelay/tools/security"
)

func newTestServer(t *testing.T) (*httptest.Server, *security.Validator, *atomic.Int32, *atomic.Int32) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	v, err := security.NewValidator([]byte("s3cret"))
	require.NoError(t, err)

	var accepted, rejected atomic.Int32
	r := gin.New()
	r.GET("/ws", Middleware(Options{
		Validator: v,
		OnDecision: func(ok bool) {
			if ok {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}
		},
	}), func(c *gin.Context) {
		id, ok := UserID(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user": id})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, v, &accepted, &rejected
}

func get(t *testing.T, url, cookie string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: DefaultCookie, Value: cookie})
	}
	return http.DefaultClient.Do(req)
}

func TestMiddlewareAdmitsValidCookie(t *testing.T) {
	srv, v, accepted, _ := newTestServer(t)

	resp, err := get(t, srv.URL+"/ws", v.Token(42))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, accepted.Load())
}

func TestMiddlewareClosesConnectionOnReject(t *testing.T) {
	srv, v, accepted, rejected := newTestServer(t)

	cases := map[string]string{
		"missing":   "",
		"bad sig":   "42:" + "00",
		"other id":  "43:" + v.Sign("42"),
		"no colon":  "42",
		"uppercase": "42:" + "ABCDEF",
	}
	for name, cookie := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := get(t, srv.URL+"/ws", cookie)
			if resp != nil {
				resp.Body.Close()
			}
			// no HTTP response is ever written
			require.Error(t, err)
		})
	}
	assert.EqualValues(t, 0, accepted.Load())
	assert.EqualValues(t, len(cases), rejected.Load())
}

func TestUserIDAbsent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := UserID(c)
	assert.False(t, ok)
}
