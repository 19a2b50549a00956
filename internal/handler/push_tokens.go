package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"happy-sync/internal/middleware"
	"happy-sync/internal/store"
)

type PushTokensHandler struct {
	Store *store.Store
}

func (h *PushTokensHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	tokens := h.Store.ListPushTokens(userID)
	resp := make([]gin.H, 0, len(tokens))
	for _, pt := range tokens {
		resp = append(resp, gin.H{
			"id":        pt.ID,
			"token":     pt.Token,
			"createdAt": pt.CreatedAt,
			"updatedAt": pt.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": resp})
}

func (h *PushTokensHandler) Register(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}
	h.Store.UpsertPushToken(userID, body.Token, time.Now().UnixMilli())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PushTokensHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}
	// deleting an unknown token still leaves the caller where it wants to be
	h.Store.DeletePushToken(userID, token)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
