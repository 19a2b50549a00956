package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"happy-sync/internal/feed"
	"happy-sync/internal/metrics"
	"happy-sync/internal/middleware"
)

type FeedHandler struct {
	Pager *feed.Pager
}

type feedItemJSON struct {
	ID        string    `json:"id"`
	Body      feed.Body `json:"body"`
	RepeatKey *string   `json:"repeatKey"`
	Cursor    string    `json:"cursor"`
	CreatedAt int64     `json:"createdAt"`
}

func (h *FeedHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	q, err := feed.ParseQuery(c.Query("before"), c.Query("after"), c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	dir := q.Direction().String()
	start := time.Now()
	page, err := h.Pager.Page(c.Request.Context(), userID, q)
	metrics.FeedPageDuration.WithLabelValues(dir).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		glog.Warningf("feed page for %s failed: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Feed unavailable"})
		return
	}
	metrics.FeedPages.WithLabelValues(dir).Inc()

	items := make([]feedItemJSON, 0, len(page.Items))
	for _, it := range page.Items {
		items = append(items, feedItemJSON{
			ID:        it.ID,
			Body:      it.Body,
			RepeatKey: it.RepeatKey,
			Cursor:    it.Cursor(),
			CreatedAt: it.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "hasMore": page.HasMore})
}
