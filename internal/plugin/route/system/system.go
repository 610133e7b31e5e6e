// Package system serves the operational endpoints: liveness, readiness, and
// the Prometheus scrape target.
package system

import (
	"net/http"
	"sync/atomic"

	registryroute "github.com/chatlog-io/chatlog-service/internal/registry/route"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName = "chatlog-service"

// ready flips once the serve command has finished wiring the store, cache,
// and model provider. Until then /ready answers 503 so load balancers hold
// traffic back while migrations and connections are still in flight.
var ready atomic.Bool

// MarkReady marks initialization as complete. Never unset: a service that
// came up once stays ready until the process exits.
func MarkReady() {
	ready.Store(true)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  0,
		Type:   registryroute.RouteTypeManagement,
		Loader: mount,
	})
}

func mount(r *gin.Engine) error {
	r.GET("/health", health)
	r.GET("/ready", readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return nil
}

// health is the liveness probe: the process is up and serving HTTP. It says
// nothing about the store or model provider.
func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}

func readiness(c *gin.Context) {
	if !ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "service": serviceName})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "service": serviceName})
}
