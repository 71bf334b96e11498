package api

import (
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter builds a gin engine with recovery, request logging and every
// route registered.
func NewRouter(h *Handler, logger zerolog.Logger) *gin.Engine {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.With().Str("component", "http").Logger()))
	SetupRoutes(router, h)
	return router
}

// SetupRoutes registers the gateway routes on router.
func SetupRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/alerts", h.Alerts)
	router.GET("/dispatches", h.Dispatches)
	router.POST("/session/reconnect", h.Reconnect)

	send := router.Group("/send")
	{
		send.POST("/text", h.SendText)
		send.POST("/image", h.SendImage)
		send.POST("/video", h.SendVideo)
		send.POST("/audio", h.SendAudio)
		send.POST("/location", h.SendLocation)
	}
}
