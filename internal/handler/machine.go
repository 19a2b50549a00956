package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"happy-sync/internal/feed"
	"happy-sync/internal/middleware"
	"happy-sync/internal/model"
	"happy-sync/internal/protocol"
	"happy-sync/internal/store"
)

type MachineHandler struct {
	Store   *store.Store
	Updates Emitter
	Feed    *feed.Pager
}

type upsertMachineBody struct {
	ID                string  `json:"id"`
	Tag               string  `json:"tag"`
	Metadata          *string `json:"metadata"`
	DaemonState       *string `json:"daemonState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
}

func machineJSON(m model.Machine) gin.H {
	return gin.H{
		"id":                 m.ID,
		"seq":                m.Seq,
		"createdAt":          m.CreatedAt,
		"updatedAt":          m.UpdatedAt,
		"metadata":           m.Metadata.Value,
		"metadataVersion":    m.Metadata.Version,
		"daemonState":        m.DaemonState.Value,
		"daemonStateVersion": m.DaemonState.Version,
		"active":             m.Active,
		"activeAt":           m.ActiveAt,
	}
}

func (h *MachineHandler) Upsert(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body upsertMachineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	machineID := body.ID
	if machineID == "" {
		machineID = body.Tag
	}

	now := time.Now().UnixMilli()
	m, created, err := h.Store.UpsertMachine(userID, machineID, body.Metadata, body.DaemonState, body.DataEncryptionKey, now)
	if errors.Is(err, store.ErrForeignOwner) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if created {
		emitterOr(h.Updates).EmitUpdate(userID, protocol.NewMachine{
			MachineID:         m.ID,
			Metadata:          m.Metadata,
			DaemonState:       m.DaemonState,
			DataEncryptionKey: m.DataEncryptionKey,
			CreatedAt:         m.CreatedAt,
		}, m.Seq)
		repeatKey := "machine-registered:" + m.ID
		appendFeed(c.Request.Context(), h.Feed, userID, feed.Body{Kind: feed.KindMachineRegistered, MachineID: m.ID}, &repeatKey)
	}

	c.JSON(http.StatusOK, gin.H{"machine": machineJSON(m)})
}

func (h *MachineHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	machines := h.Store.ListMachines(userID)
	resp := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		resp = append(resp, machineJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": resp})
}
