// Package health serves the relay liveness report.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"PlatesRelay/service/backplane"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Report is the /healthz body.
type Report struct {
	Status    string           `json:"status"`
	Uptime    float64          `json:"uptime"` // seconds
	Backplane backplane.Status `json:"backplane"`
	Sessions  int              `json:"sessions"`
}

type Probe struct {
	Started   time.Time
	Backplane func() backplane.Status
	Sessions  func() int
	Clock     func() time.Time // nil => time.Now
}

func (p Probe) Report() Report {
	now := time.Now
	if p.Clock != nil {
		now = p.Clock
	}
	r := Report{Status: StatusOK, Uptime: now().Sub(p.Started).Seconds()}
	if p.Backplane != nil {
		r.Backplane = p.Backplane()
	}
	if !r.Backplane.Healthy() {
		r.Status = StatusDegraded
	}
	if p.Sessions != nil {
		r.Sessions = p.Sessions()
	}
	return r
}

// Handler answers 200 while both backplane connections are up and 503
// while the relay runs degraded.
func Handler(p Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := p.Report()
		code := http.StatusOK
		if r.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, r)
	}
}
