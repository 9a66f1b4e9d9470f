package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meet-signaling/internal/middleware"
	"github.com/mossy-p/meet-signaling/internal/registry"
	"github.com/mossy-p/meet-signaling/internal/relay"
	"github.com/mossy-p/meet-signaling/internal/store"
	"github.com/rs/zerolog"
)

// RouterConfig holds what the HTTP surface is built from
type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	Store          store.Store
	Registry       *registry.Registry
	Relay          *relay.Relay
	Logger         zerolog.Logger
}

// NewRouter wires every route of the signaling server
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"rooms":    len(cfg.Registry.Rooms()),
			"sessions": cfg.Relay.SessionCount(),
		})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)
	rooms := &Rooms{Store: cfg.Store, Registry: cfg.Registry, Log: cfg.Logger}

	// Room management API
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, cfg.Logger))

		apiGroup.POST("/rooms", auth, rooms.CreateRoom)
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", auth, rooms.DeleteRoom)
		apiGroup.GET("/rooms/:roomId/participants", auth, rooms.Participants)
		apiGroup.GET("/rooms/:roomId/chat", auth, rooms.ChatHistory)
	}

	// WebSocket signaling endpoint, rooms are picked by Join
	router.GET("/ws/signal", auth, HandleSignaling(cfg.Relay, cfg.Logger))

	return router
}
