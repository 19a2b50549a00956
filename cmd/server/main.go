package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"happy-sync/internal/auth"
	"happy-sync/internal/config"
	"happy-sync/internal/feed"
	"happy-sync/internal/metrics"
	"happy-sync/internal/server"
	"happy-sync/internal/socketio"
	"happy-sync/internal/store"
	"happy-sync/internal/ticker"
)

var version = "dev"

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.LoadConfig()
	if err != nil {
		glog.Exit(err)
	}

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{MachinesStateFile: cfg.MachinesStateFile})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: auth.DefaultIssuer,
	}

	var feedStore feed.Store = feed.NewMemoryStore()
	if cfg.FeedDBPath != "" {
		sqliteStore, err := feed.OpenSQLiteStore(cfg.FeedDBPath)
		if err != nil {
			glog.Exitf("open feed db: %v", err)
		}
		defer sqliteStore.Close()
		feedStore = sqliteStore
	}

	var reg *prometheus.Registry
	if cfg.MetricsEnabled {
		reg = metrics.NewRegistry()
	}

	ticks := ticker.New()
	rt := socketio.NewServer(socketio.Deps{Store: st, TokenConfig: tokenCfg, Ticker: ticks})
	stopExpiry := rt.StartActivityExpiry(cfg.ActivityTimeout)
	defer stopExpiry()

	router := server.NewRouter(server.Deps{
		Store:       st,
		TokenConfig: tokenCfg,
		Feed:        feedStore,
		Realtime:    rt,
		Ticker:      ticks,
		Metrics:     reg,
		Version:     version,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	glog.Infof("happy-sync %s listening on :%d", version, cfg.Port)
	if err := server.Run(ctx, cfg, router); err != nil {
		glog.Errorf("server: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}
