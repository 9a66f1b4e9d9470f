package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meet-signaling/internal/middleware"
	"github.com/mossy-p/meet-signaling/internal/relay"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades an authenticated request and hands the
// connection to the relay. Rooms are chosen later by a Join message.
func HandleSignaling(rl *relay.Relay, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := relay.Identity{
			UserID:      c.GetString(middleware.ContextUserID),
			DisplayName: c.GetString(middleware.ContextDisplayName),
		}
		if ident.UserID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}

		rl.Serve(conn, ident)
	}
}
