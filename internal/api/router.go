// Package api wires the Instance Manager and Multiplexer into an HTTP/WS
// surface: a gin.Engine serving REST instance management, a Prometheus
// scrape endpoint, and the /ws upgrade that carries Crab City's wire
// protocol.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crabcity/internal/manager"
	"crabcity/internal/multiplexer"
)

// Server holds the dependencies the HTTP handlers close over.
type Server struct {
	mgr *manager.Manager
	mux *multiplexer.Multiplexer
}

// NewServer builds a Server over an existing Manager/Multiplexer pair.
func NewServer(mgr *manager.Manager, mux *multiplexer.Multiplexer) *Server {
	return &Server{mgr: mgr, mux: mux}
}

// Router builds the gin.Engine. disableRequestLogging skips the logrus
// access-log middleware, handy for noisy test runs.
func (s *Server) Router(disableRequestLogging bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())
	if !disableRequestLogging {
		r.Use(logrusMiddleware())
	}

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/instances", s.handleListInstances)
	r.POST("/instances", s.handleCreateInstance)
	r.DELETE("/instances/:id", s.handleDeleteInstance)

	r.GET("/ws", s.handleWS)

	return r
}
