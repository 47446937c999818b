package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qpick/availability/backend/internal/auth"
	"github.com/qpick/availability/backend/internal/cache"
	"github.com/qpick/availability/backend/internal/config"
	"github.com/qpick/availability/backend/internal/database"
	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/logging"
	"github.com/qpick/availability/backend/internal/metrics"
	"github.com/qpick/availability/backend/internal/notify"
	"github.com/qpick/availability/backend/internal/reports"
	"github.com/qpick/availability/backend/internal/scoring"
	"github.com/qpick/availability/backend/internal/search"
	"github.com/qpick/availability/backend/internal/server"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

const (
	cacheKeyPrefix     = "qpick:"
	cacheSweepInterval = time.Minute
	shutdownTimeout    = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qpick-api",
		Short: "Convenience store availability backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("cache.redis_addr"), "Redis address for the shared score cache")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("webhook-secret", "", "Notification webhook shared secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "cache.redis_addr", "redis-addr")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "webhook.shared_secret", "webhook-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runMigrations() error {
	databaseConfig, err := config.LoadDatabase(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(databaseConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(appConfig.Database, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics, err := metrics.New(registry)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(signalCtx)

	var scoreCache cache.Store
	if appConfig.Cache.RedisAddr != "" {
		redisClient, err := cache.DialRedis(signalCtx, appConfig.Cache.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		scoreCache = cache.NewRedis(redisClient, cacheKeyPrefix)
		logger.Info("score cache ready", zap.String("backend", "redis"), zap.String("address", appConfig.Cache.RedisAddr))
	} else {
		memoryCache := cache.NewMemory(time.Now)
		group.Go(func() error {
			memoryCache.RunSweeper(groupCtx, cacheSweepInterval)
			return nil
		})
		scoreCache = memoryCache
		logger.Info("score cache ready", zap.String("backend", "memory"))
	}

	directory, err := geo.NewDirectory(db)
	if err != nil {
		return err
	}

	subscriptionRegistry, err := subscriptions.NewRegistry(subscriptions.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		WatchTTL: appConfig.WatchTTL,
	})
	if err != nil {
		return err
	}

	pushSender, err := notify.NewWebPushSender(notify.WebPushConfig{
		VAPIDPublicKey:  appConfig.Push.VAPIDPublicKey,
		VAPIDPrivateKey: appConfig.Push.VAPIDPrivateKey,
		Subject:         appConfig.Push.Subject,
		TTL:             appConfig.Push.TTL,
	})
	if err != nil {
		return err
	}

	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Database:      db,
		Locator:       directory,
		Recipients:    subscriptionRegistry,
		Sender:        pushSender,
		Observer:      appMetrics,
		IDProvider:    notify.NewUUIDProvider(),
		Clock:         time.Now,
		Logger:        logger,
		EventTTL:      appConfig.Notify.EventTTL,
		Cooldown:      appConfig.Notify.Cooldown,
		MaxRecipients: appConfig.Notify.MaxRecipients,
		Concurrency:   appConfig.Push.Concurrency,
	})
	if err != nil {
		return err
	}

	reportService, err := reports.NewService(reports.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		Logger:        logger,
		VoteWindow:    appConfig.VoteWindow,
		FoundListener: dispatcher,
	})
	if err != nil {
		return err
	}
	defer reportService.Wait()

	aggregator, err := search.NewAggregator(search.Config{
		Products:        directory,
		Stores:          directory,
		Events:          reportService,
		Database:        db,
		Cache:           scoreCache,
		CacheTTL:        appConfig.Cache.TTL,
		Observer:        appMetrics,
		Clock:           time.Now,
		Logger:          logger,
		LiveWindow:      appConfig.Scoring.LiveWindow,
		CommunityWindow: appConfig.Scoring.CommunityWindow,
		Community: scoring.CommunityPolicy{
			MinSamples:            appConfig.Scoring.CommunityMinSamples,
			MostlyFoundPercent:    appConfig.Scoring.MostlyFoundPercent,
			MostlyNotFoundPercent: appConfig.Scoring.MostlyNotFoundPercent,
		},
		HighRisk:       scoring.HighRiskPolicy{MinNotFound: appConfig.Scoring.HighRiskMinNotFound},
		RadiusMeters:   appConfig.Search.RadiusMeters,
		DisplayLimit:   appConfig.Search.DisplayLimit,
		ChainOverfetch: appConfig.Search.ChainOverfetch,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Session.SigningSecret),
		Issuer:        appConfig.Session.Issuer,
		Audience:      appConfig.Session.Audience,
		TokenTTL:      appConfig.Session.TTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Session.SigningSecret),
		Issuer:        appConfig.Session.Issuer,
		Audience:      appConfig.Session.Audience,
	})
	if err != nil {
		return err
	}
	if appConfig.WebhookSecret == "" {
		logger.Warn("webhook shared secret not configured; notify webhook will refuse every call")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:         tokenIssuer,
		SessionValidator: sessionValidator,
		Webhook:          auth.NewWebhookVerifier(appConfig.WebhookSecret),
		Reports:          reportService,
		Search:           aggregator,
		Stores:           directory,
		Subscriptions:    subscriptionRegistry,
		Dispatcher:       dispatcher,
		Realtime:         server.NewRealtimeDispatcher(),
		ReportLimiter:    server.NewClientRateLimiter(appConfig.ReportsPerMinute, time.Now),
		ReportObserver:   appMetrics,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		HealthCheck:      sqlDB.PingContext,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
