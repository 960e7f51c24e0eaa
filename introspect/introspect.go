// Package introspect exposes the ambient HTTP surface for the
// controlled-page navigation process: a health/status endpoint and the
// Prometheus /metrics endpoint, wired the way the teacher's API server
// wires its own health handler and router.
package introspect

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/use-agent/spfnav/config"
	"github.com/use-agent/spfnav/navigator"
)

// StatusResponse mirrors the teacher's health-check response shape:
// an overall status string, uptime, and a snapshot of the live
// navigation state.
type StatusResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	State   string `json:"state"`
	Version string `json:"version"`
}

// NewRouter builds the configured Gin engine. nav may be nil before the
// browser has finished attaching, in which case Status reports
// "starting" rather than querying an unbound Navigator.
func NewRouter(nav *navigator.Navigator, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/debug/status", Status(nav, startTime))
	r.GET("/debug/stats", Stats(nav))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Status returns a handler for GET /debug/status reporting the
// navigator's current state-machine phase and process uptime.
func Status(nav *navigator.Navigator, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := "starting"
		status := "healthy"
		if nav != nil {
			state = string(nav.State())
			if state == string(navigator.StateFailed) {
				status = "degraded"
			}
		}
		c.JSON(http.StatusOK, StatusResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			State:   state,
			Version: "0.1.0",
		})
	}
}

// Stats returns a handler for GET /debug/stats reporting the navigator's
// operating counters. Responds 503 before the browser has attached.
func Stats(nav *navigator.Navigator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if nav == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "navigator not attached"})
			return
		}
		c.JSON(http.StatusOK, nav.Stats())
	}
}
