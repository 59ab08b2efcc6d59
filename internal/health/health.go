// Package health implements the /healthcheck endpoint.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the body returned from GET /healthcheck.
type Response struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

// Checker tracks process start time to report uptime.
type Checker struct {
	startedAt time.Time
}

// NewChecker builds a Checker whose uptime clock starts now.
func NewChecker() *Checker {
	return &Checker{startedAt: time.Now()}
}

// Handler serves GET /healthcheck.
func (c *Checker) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, Response{
			Status:    "ok",
			Uptime:    time.Since(c.startedAt).String(),
			Timestamp: time.Now().Unix(),
		})
	}
}

// Uptime returns elapsed time since the checker was created, reused by the
// /info handler.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startedAt)
}
