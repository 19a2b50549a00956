package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"happy-sync/internal/auth"
	"happy-sync/internal/feed"
	"happy-sync/internal/handler"
	"happy-sync/internal/metrics"
	"happy-sync/internal/middleware"
	"happy-sync/internal/socketio"
	"happy-sync/internal/store"
	"happy-sync/internal/ticker"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig

	// Optional. An in-memory feed and a default realtime server are used
	// when nil; /metrics is only mounted with a registry.
	Feed     feed.Store
	Realtime *socketio.Server
	Ticker   *ticker.Hub
	Metrics  *prometheus.Registry
	Version  string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(deps.Metrics)))
	}

	feedStore := deps.Feed
	if feedStore == nil {
		feedStore = feed.NewMemoryStore()
	}
	pager := feed.NewPager(feedStore)

	ticks := deps.Ticker
	if ticks == nil {
		ticks = ticker.New()
	}

	rt := deps.Realtime
	if rt == nil {
		rt = socketio.NewServer(socketio.Deps{Store: deps.Store, TokenConfig: deps.TokenConfig, Ticker: ticks})
	}

	versionHandler := &handler.VersionHandler{Version: deps.Version}
	r.GET("/v1/version", versionHandler.Check)

	authRequestLimiter := middleware.NewRateLimiter(10, time.Minute)
	authRequestLimiter.SweepEvery(ticks)
	authLimiter := middleware.NewRateLimiter(60, time.Minute)
	authLimiter.SweepEvery(ticks)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, AuthRequestLimiter: authRequestLimiter}

	r.POST("/v1/auth", middleware.RateLimitMiddleware(authLimiter), authHandler.Auth)
	r.POST("/v1/auth/request", authHandler.Request)
	r.GET("/v1/auth/request/status", authHandler.RequestStatus)

	// socket.io authenticates inside its CONNECT packet
	r.GET("/v1/updates/", gin.WrapH(rt))

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.POST("/auth/response", authHandler.Response)

	accountHandler := &handler.AccountHandler{Store: deps.Store, Updates: rt}
	protected.GET("/account/profile", accountHandler.Profile)
	protected.GET("/account/settings", accountHandler.Settings)
	protected.POST("/account/settings", accountHandler.UpdateSettings)

	sessionHandler := &handler.SessionHandler{Store: deps.Store, Updates: rt, Feed: pager}
	protected.GET("/sessions", sessionHandler.List)
	protected.POST("/sessions", sessionHandler.GetOrCreate)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)
	protected.GET("/sessions/:id/messages", sessionHandler.Messages)

	machineHandler := &handler.MachineHandler{Store: deps.Store, Updates: rt, Feed: pager}
	protected.GET("/machines", machineHandler.List)
	protected.POST("/machines", machineHandler.Upsert)

	feedHandler := &handler.FeedHandler{Pager: pager}
	protected.GET("/feed", feedHandler.List)

	pushHandler := &handler.PushTokensHandler{Store: deps.Store}
	protected.GET("/push-tokens", pushHandler.List)
	protected.POST("/push-tokens", pushHandler.Register)
	protected.DELETE("/push-tokens/:token", pushHandler.Delete)

	return r
}
