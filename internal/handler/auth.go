package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"happy-sync/internal/auth"
	"happy-sync/internal/middleware"
	"happy-sync/internal/store"
)

// AuthHandler covers both ways a device gets a token: signing a challenge
// with its account key, or being approved by an already paired device.
type AuthHandler struct {
	Store              *store.Store
	TokenConfig        auth.TokenConfig
	AuthRequestLimiter *middleware.RateLimiter
}

type authRequestBody struct {
	PublicKey  string `json:"publicKey" binding:"required"`
	SupportsV2 bool   `json:"supportsV2"`
}

type authResponseBody struct {
	PublicKey string `json:"publicKey" binding:"required"`
	Response  string `json:"response" binding:"required"`
}

func (h *AuthHandler) issueToken(publicKey string, now int64) (string, error) {
	account, created := h.Store.GetOrCreateAccount(publicKey, now)
	if created {
		glog.V(2).Infof("auth: new account %s", account.ID)
	}
	return auth.CreateToken(account.ID, h.TokenConfig)
}

func (h *AuthHandler) Auth(c *gin.Context) {
	var proof auth.Proof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := proof.Verify(); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	token, err := h.issueToken(proof.PublicKey, time.Now().UnixMilli())
	if err != nil {
		glog.Warningf("auth: token creation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

// Request starts or polls a pairing request. Only creation counts against
// the rate limit.
func (h *AuthHandler) Request(c *gin.Context) {
	var body authRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid public key"})
		return
	}

	if _, ok := h.Store.GetAuthRequest(body.PublicKey); !ok {
		if h.AuthRequestLimiter != nil && !h.AuthRequestLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
	}

	req := h.Store.UpsertAuthRequest(body.PublicKey, body.SupportsV2, time.Now().UnixMilli())
	if req.Token == "" {
		c.JSON(http.StatusOK, gin.H{"state": "requested", "supportsV2": req.SupportsV2})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":      "authorized",
		"token":      req.Token,
		"response":   req.Response,
		"supportsV2": req.SupportsV2,
	})
}

// Response approves a pending pairing request on behalf of the caller.
func (h *AuthHandler) Response(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body authResponseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	token, err := h.issueToken(body.PublicKey, now)
	if err != nil {
		glog.Warningf("auth: token creation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	if _, authorized := h.Store.AuthorizeAuthRequest(body.PublicKey, body.Response, userID, token, now); !authorized {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AuthHandler) RequestStatus(c *gin.Context) {
	publicKey := c.Query("publicKey")
	if publicKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid public key"})
		return
	}

	status := "not_found"
	req, ok := h.Store.GetAuthRequest(publicKey)
	switch {
	case !ok:
		c.JSON(http.StatusOK, gin.H{"status": status})
		return
	case req.Token == "":
		status = "pending"
	default:
		status = "authorized"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "supportsV2": req.SupportsV2})
}
