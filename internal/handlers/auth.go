package handlers

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meet-signaling/internal/middleware"
	"github.com/rs/zerolog"
)

const (
	tokenTTL       = 24 * time.Hour
	maxUserIDLen   = 64
	maxDisplayName = 64
)

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
}

// LoginResponse carries the identity the signaling socket will trust
type LoginResponse struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login issues a signaling identity token. Credentials are not checked
// against a user database; any non-empty username/password pair is accepted
// and the username becomes the userId seen by every room.
func Login(jwtSecret string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userID := strings.TrimSpace(req.Username)
		displayName := strings.TrimSpace(req.DisplayName)
		if displayName == "" {
			displayName = userID
		}
		if userID == "" || utf8.RuneCountInString(userID) > maxUserIDLen ||
			utf8.RuneCountInString(displayName) > maxDisplayName {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "username and display name must be 1-64 characters",
			})
			return
		}

		tokenString, err := middleware.IssueToken(jwtSecret, userID, displayName, tokenTTL)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		log.Debug().Str("user_id", userID).Msg("Issued signaling token")
		c.JSON(http.StatusOK, LoginResponse{
			Token:       tokenString,
			UserID:      userID,
			DisplayName: displayName,
			ExpiresAt:   time.Now().Add(tokenTTL).UTC(),
		})
	}
}
