package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opencatd/opencatd/internal/api"
	"github.com/opencatd/opencatd/internal/config"
	"github.com/opencatd/opencatd/internal/kv"
	"github.com/opencatd/opencatd/internal/ledger"
	"github.com/opencatd/opencatd/internal/metrics"
	"github.com/opencatd/opencatd/internal/pricing"
	"github.com/opencatd/opencatd/internal/proxy"
	"github.com/opencatd/opencatd/internal/registry"
	"github.com/opencatd/opencatd/internal/tokencount"
)

// shutdownTimeout bounds the drain of in-flight requests on exit.
const shutdownTimeout = 10 * time.Second

// Run boots the server from a config file path and blocks until the context
// is cancelled or the listener fails.
func Run(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	setupLogging(cfg.Log)

	store, errOpen := kv.Open(cfg.Store.DSN)
	if errOpen != nil {
		return errOpen
	}
	defer func() { _ = store.Close() }()
	log.Infof("store opened (dsn=%s)", cfg.Store.DSN)

	prices := pricing.DefaultTable()
	if cfg.Pricing.File != "" {
		if errPrices := prices.LoadFile(cfg.Pricing.File); errPrices != nil {
			return errPrices
		}
		go func() {
			if errWatch := prices.Watch(ctx, cfg.Pricing.File); errWatch != nil {
				log.WithError(errWatch).Warn("pricing watcher stopped")
			}
		}()
	}

	reg := registry.New(store)
	led := ledger.New(store, prices)
	collector := metrics.NewCollector(nil)

	relay, errProxy := proxy.New(reg, led, tokencount.New(), collector, cfg.Upstream)
	if errProxy != nil {
		return errProxy
	}

	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Store:     store,
		Registry:  reg,
		Ledger:    led,
		Proxy:     relay,
		Collector: collector,
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := server.Shutdown(drainCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("shutdown incomplete")
		}
	}()

	log.Infof("listening on %s (upstream=%s)", cfg.Listen, cfg.Upstream)
	if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return errServe
	}
	log.Info("server stopped")
	return nil
}

// setupLogging configures logrus from config: level, format, and rotated
// file output when a path is set.
func setupLogging(cfg config.LogConfig) {
	level, errParse := log.ParseLevel(cfg.Level)
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.File == "" {
		log.SetOutput(os.Stdout)
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}
