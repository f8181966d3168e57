// Package server wires HTTP handlers into a gin engine for the chat relay
// via routing helpers.
package server

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// SetupRoutes configures and returns the router with all application routes:
// the WebSocket endpoint, a health check, the test page, and static assets
// for everything else.
func SetupRoutes(relay *Relay, cfg Config, log zerolog.Logger) *gin.Engine {
	cfg = cfg.Sanitize()
	h := newHandlers(relay, cfg, log)

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/ws", h.webSocket)
	router.GET("/healthz", h.health)
	router.GET("/test", h.testPage)
	router.NoRoute(h.static)
	return router
}
