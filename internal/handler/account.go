package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"happy-sync/internal/middleware"
	"happy-sync/internal/protocol"
	"happy-sync/internal/state"
	"happy-sync/internal/store"
)

type AccountHandler struct {
	Store   *store.Store
	Updates Emitter
}

func (h *AccountHandler) Profile(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	acc := h.Store.GetAccount(userID)
	c.JSON(http.StatusOK, gin.H{
		"id":        userID,
		"seq":       acc.Seq,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *AccountHandler) Settings(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	acc := h.Store.GetAccount(userID)
	c.JSON(http.StatusOK, gin.H{"settings": acc.Settings.Value, "settingsVersion": acc.Settings.Version})
}

type updateSettingsBody struct {
	Settings        *string `json:"settings"`
	ExpectedVersion int64   `json:"expectedVersion"`
}

func (h *AccountHandler) UpdateSettings(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body updateSettingsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	acc, err := h.Store.UpdateAccountSettings(userID, state.Write{ExpectedVersion: body.ExpectedVersion, Value: body.Settings})
	if cur, conflict := state.ConflictCurrent(err); conflict {
		c.JSON(http.StatusOK, gin.H{
			"success":         false,
			"error":           protocol.ResultVersionMismatch,
			"currentVersion":  cur.Version,
			"currentSettings": cur.Value,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": protocol.ResultError})
		return
	}

	settings := acc.Settings
	emitterOr(h.Updates).EmitUpdate(userID, protocol.UpdateAccount{ID: userID, Settings: &settings}, acc.Seq)
	c.JSON(http.StatusOK, gin.H{"success": true, "version": acc.Settings.Version})
}
