package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"happy-sync/internal/feed"
	"happy-sync/internal/middleware"
	"happy-sync/internal/model"
	"happy-sync/internal/protocol"
	"happy-sync/internal/state"
	"happy-sync/internal/store"
)

type SessionHandler struct {
	Store   *store.Store
	Updates Emitter
	Feed    *feed.Pager
}

type createSessionBody struct {
	Tag               string  `json:"tag"`
	Metadata          *string `json:"metadata"`
	AgentState        *string `json:"agentState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
}

func sessionJSON(sess model.Session) gin.H {
	return gin.H{
		"id":                sess.ID,
		"tag":               sess.Tag,
		"seq":               sess.Seq,
		"createdAt":         sess.CreatedAt,
		"updatedAt":         sess.UpdatedAt,
		"metadata":          sess.Metadata.Value,
		"metadataVersion":   sess.Metadata.Version,
		"agentState":        sess.AgentState.Value,
		"agentStateVersion": sess.AgentState.Version,
		"dataEncryptionKey": sess.DataEncryptionKey,
		"active":            sess.Active,
		"activeAt":          sess.ActiveAt,
		"lastMessage":       nil,
	}
}

func (h *SessionHandler) GetOrCreate(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	sess, created, err := h.Store.GetOrCreateSession(userID, body.Tag, body.Metadata, body.AgentState, body.DataEncryptionKey, now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if created {
		emitterOr(h.Updates).EmitUpdate(userID, protocol.NewSession{
			ID:                sess.ID,
			Tag:               sess.Tag,
			Metadata:          sess.Metadata,
			AgentState:        sess.AgentState,
			DataEncryptionKey: sess.DataEncryptionKey,
			CreatedAt:         sess.CreatedAt,
		}, sess.Seq)
		appendFeed(c.Request.Context(), h.Feed, userID, feed.Body{Kind: feed.KindSessionCreated, SessionID: sess.ID}, nil)
	}

	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions := h.Store.ListSessions(userID)
	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionJSON(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	sess, err := h.Store.DeleteSession(userID, sessionID, time.Now().UnixMilli())
	switch {
	case errors.Is(err, state.ErrEntityGone):
		// already deleted: the caller's goal holds
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	case err != nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	emitterOr(h.Updates).EmitUpdate(userID, protocol.DeleteSession{SID: sess.ID}, sess.Seq)
	appendFeed(c.Request.Context(), h.Feed, userID, feed.Body{Kind: feed.KindSessionDeleted, SessionID: sess.ID}, nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) Messages(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		after = v
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		limit = v
	}

	msgs, err := h.Store.ListMessages(userID, sessionID, after, limit)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	resp := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, protocol.Message{
			ID:        m.ID,
			Seq:       m.Seq,
			LocalID:   m.LocalID,
			Content:   model.Encrypted(m.Content),
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}
