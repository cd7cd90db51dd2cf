package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/catalog_sync/catalogsync"
	"github.com/mmdatafocus/catalog_sync/config"
	"github.com/mmdatafocus/catalog_sync/dlq"
	"github.com/mmdatafocus/catalog_sync/middlewares"
	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/transport"
	"github.com/mmdatafocus/catalog_sync/webhookauth"
	"github.com/mmdatafocus/catalog_sync/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen first; everything except /healthz answers 503 until wired.
	var app atomic.Pointer[gin.Engine]
	srv := &http.Server{
		Addr: ":" + settings.Port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if engine := app.Load(); engine != nil {
				engine.ServeHTTP(w, r)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if settings.Scheduler == "redis" || config.EnvString("REDIS_ADDRESS", "") != "" {
		config.ConnectRedisWithRetry(sigCtx)
	}
	defer func() {
		if rdb := config.GetRedisDB(); rdb != nil {
			_ = rdb.Close()
		}
	}()

	if !settings.SkipMigrations {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	tr, err := transport.Open(sigCtx, settings)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "transport", "transport": settings.Transport}).Fatal(err)
	}
	defer tr.Close()

	channels := transport.ChannelsFor(settings.EventType, settings.RetryTiers)
	scheduler, runScheduler, err := transport.OpenScheduler(settings, tr, config.GetRedisDB(), logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "scheduler"}).Fatal(err)
	}

	store := dlq.NewStore(db)
	ledger := workflow.NewLedger(db)
	escalator := workflow.NewEscalator(workflow.RetryPolicy{
		Tiers:       settings.RetryTiers,
		MaxAttempts: settings.RetryMaxAttempts,
	}, channels, scheduler, store, logger)
	escalator.Notifier = tr

	reconciler := catalogsync.NewReconciler(db, ledger, logger)
	reconciler.TTLDays = settings.IdempotencyTTLDays
	publisher := workflow.NewEventPublisher(tr, channels)

	marketplace, err := catalogsync.NewMarketplaceClient(settings.Marketplace)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "marketplace"}).Warn("marketplace client disabled: " + err.Error())
	}

	consumer := workflow.NewConsumer(ledger, escalator, catalogsync.MenuSyncHandler(marketplace, reconciler, logger), logger)
	consumer.TTLDays = settings.IdempotencyTTLDays
	consumer.Partitions = settings.ConsumerPartitions

	verifier, err := newVerifier(settings.Webhook)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "webhook"}).Fatal(err)
	}
	allowList, err := middlewares.ParseIPAllowList(settings.Webhook.AllowedIPs)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "webhook"}).Fatal(err)
	}

	webhooks := &catalogsync.WebhookHandlers{
		Verifier:   verifier,
		Reconciler: reconciler,
		Requester:  catalogsync.NewMenuImportRequester(publisher, reconciler),
		Logger:     logger,
	}
	replayer := dlq.NewReplayer(store, publisher, config.GetRedisLock(), logger)

	if settings.DlqAuthDisabled && settings.IsProduction() {
		logger.WithFields(logrus.Fields{"field": "auth"}).Warn("DLQ_AUTH_DISABLED=true in production")
	}

	r := gin.New()
	r.Use(middlewares.Correlation())
	r.Use(cors.New(corsConfig(settings)))
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	webhooks.Register(r.Group("/webhooks", middlewares.LogUnlistedIPs(allowList, logger)))

	operator := r.Group("",
		middlewares.AuthMiddleware(),
		middlewares.SessionMiddleware(config.GetRedisValue),
		middlewares.RequireOperator(settings.DlqAuthDisabled),
	)
	dlq.RegisterRoutes(operator.Group("/dlq"), store, replayer)
	operator.GET("/catalog-sync/logs", catalogsync.SyncLogsHandler(reconciler))

	if settings.Transport == "pubsub" || settings.Transport == "" {
		r.POST("/pubsub/catalog-sync", transport.PushHandler(channels.Main, consumer.HandleMessage))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	app.Store(r)

	if runScheduler != nil {
		go runScheduler(sigCtx)
	}
	go workflow.NewLedgerSweeper(ledger, settings.IdempotencySweepInterval, logger).Run(sigCtx)
	if settings.ConsumerEnabled {
		go func() {
			if err := consumer.Run(sigCtx, tr, channels.Main); err != nil {
				config.LogError(logger, "Consumer", "Run", channels.Main, nil, err)
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"field":     "server",
		"port":      settings.Port,
		"transport": settings.Transport,
		"scheduler": settings.Scheduler,
		"channel":   channels.Main,
	}).Info("catalog sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func newVerifier(s config.WebhookSettings) (*webhookauth.Verifier, error) {
	mode, err := webhookauth.ParseMode(s.Mode)
	if err != nil {
		return nil, err
	}
	opts := webhookauth.DefaultOptions()
	opts.Enabled = s.Enabled
	opts.Mode = mode
	opts.SignatureSecret = s.SignatureSecret
	opts.SharedSecret = s.SharedSecret
	opts.RequireTimestamp = s.RequireTimestamp
	if s.SignatureHeader != "" {
		opts.SignatureHeader = s.SignatureHeader
	}
	if s.TimestampHeader != "" {
		opts.TimestampHeader = s.TimestampHeader
	}
	if s.SecretHeader != "" {
		opts.SecretHeader = s.SecretHeader
	}
	if s.MaxSkew > 0 {
		opts.MaxSkew = s.MaxSkew
	}
	return webhookauth.NewVerifier(opts), nil
}

func corsConfig(s config.Settings) cors.Config {
	c := cors.DefaultConfig()
	if s.IsProduction() {
		c.AllowOrigins = s.CorsAllowedOrigins
		if c.AllowOrigins == nil {
			c.AllowOrigins = []string{}
		}
	} else {
		c.AllowAllOrigins = true
	}
	c.AddAllowMethods("GET", "POST", "PATCH", "OPTIONS")
	c.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	c.AddExposeHeaders("Content-Length", middlewares.CorrelationHeader)
	c.AllowCredentials = true
	return c
}
