// Package webui is the administrative REST/WebSocket surface. It is a thin
// transport over the gateway facade; all engine behavior lives behind it.
package webui

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ads-gateway/fanout"
	"ads-gateway/logic"
)

// Server carries the handlers' dependencies.
type Server struct {
	gw  *logic.Gateway
	hub *fanout.Hub
}

// Run configures gin and serves until the listener fails.
func Run(gw *logic.Gateway, hub *fanout.Hub, host string, port int) error {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{gw: gw, hub: hub}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestMetrics())

	setupRoutes(r, s)

	addr := fmt.Sprintf("%s:%d", host, port)
	logrus.Infof("API: listening on %s", addr)
	return r.Run(addr)
}

// requestMetrics feeds request latencies into the performance monitor.
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.gw.CountAPIRequest()
		s.gw.Monitor.Record("api."+c.Request.Method, time.Since(start))
	}
}

// actor extracts the caller identity from the opaque header; it is echoed
// into audit records, nothing more.
func actor(c *gin.Context) logic.Actor {
	name := c.GetHeader("X-Actor")
	if name == "" {
		name = "anonymous"
	}
	return logic.Actor{Name: name, Address: c.ClientIP()}
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
