package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hivebot/botfleet/internal/adapter"
	"github.com/hivebot/botfleet/internal/bot"
	"github.com/hivebot/botfleet/internal/command"
	"github.com/hivebot/botfleet/internal/credential"
	"github.com/hivebot/botfleet/internal/events"
	"github.com/hivebot/botfleet/internal/handler"
	"github.com/hivebot/botfleet/internal/middleware"
	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/internal/reconcile"
	"github.com/hivebot/botfleet/internal/registry"
	"github.com/hivebot/botfleet/pkg/config"
	"github.com/hivebot/botfleet/pkg/database"
	"github.com/hivebot/botfleet/pkg/jwtutil"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/hivebot/botfleet/prometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	if err := logger.InitLogger(cfg); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	log := logger.GetLogger()
	log.Info("Starting botfleet server...", cfg.LogConfig()...)

	// Initialize JWT utilities
	jwtutil.Initialize(&cfg.JWT)
	log.Info("JWT utilities initialized")

	// Initialize Prometheus metrics
	prometheus.InitMetrics(cfg)
	log.Info("Prometheus metrics initialized")

	// Initialize database and run migrations
	db, err := database.InitDB(&cfg.DB)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.MigrateModels(
		&model.BotInstance{},
		&model.GodRegistryEntry{},
		&model.ServerRegistryEntry{},
		&credential.Record{},
	); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	log.Info("Database connection established and migrations completed",
		zap.String("db_host", cfg.DB.Host),
		zap.String("db_name", cfg.DB.DBName))

	// Lifecycle event publisher
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
		log.Info("NATS lifecycle publisher connected", zap.String("url", cfg.NATS.URL))
	}

	// Registries and stores
	godRegistry := registry.NewGormGodRegistry(db)
	serverRegistry := registry.NewGormServerRegistry(db)
	botStore := bot.NewGormStore(db)
	credStore := credential.NewGormStore(db)

	// Register this server node in the fleet
	if err := serverRegistry.Upsert(context.Background(), &model.ServerRegistryEntry{
		ServerName: cfg.Fleet.ServerName,
		MaxBots:    cfg.Fleet.MaxBots,
		Status:     model.ServerActive,
		Address:    cfg.Fleet.Address,
	}); err != nil {
		log.Fatal("Failed to register this server", zap.Error(err))
	}
	log.Info("Server registered in fleet",
		zap.String("server_name", cfg.Fleet.ServerName),
		zap.Int("max_bots", cfg.Fleet.MaxBots))

	// Command registry: static table built at startup
	commandRegistry := command.NewRegistry()
	if err := command.RegisterBuiltins(commandRegistry, time.Now()); err != nil {
		log.Fatal("Command registration failed", zap.Error(err))
	}
	dispatcher := command.NewDispatcher(commandRegistry, cfg.Fleet.ServerName)
	log.Info("Command registry built", zap.Strings("commands", commandRegistry.Names()))

	// Protocol adapter. The simulated dialer stands in until the real
	// protocol integration is wired at deploy time.
	dialer := adapter.NewSimDialer()

	// Bot instance manager
	manager := bot.NewManager(cfg.Fleet.ServerName, botStore, credStore, dialer,
		dispatcher, publisher, serverRegistry)

	// Reconciliation service
	peerClient := reconcile.NewHTTPServerClient(cfg.Fleet.ServerName, cfg.Fleet.PeerTimeout)
	reconciler := reconcile.NewService(cfg.Fleet.ServerName, godRegistry, serverRegistry,
		botStore, credStore, manager, peerClient, reconcile.Policy{
			AutoApprove: cfg.Fleet.AutoApprove,
			PromoUntil:  cfg.Fleet.PromoUntil,
		})

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go manager.RunHealthLoop(workerCtx, cfg.Fleet.HealthInterval, cfg.Fleet.HealthTimeout)
	go manager.Autostart(workerCtx)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)

	// Request logging and metrics middleware
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()
			status := c.Response().Status

			log := logger.FromEcho(c)
			log.Info("HTTP Request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", status),
				zap.Float64("duration_s", duration),
				zap.String("ip", c.RealIP()),
			)

			prometheus.HttpRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			prometheus.HttpRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Observe(duration)

			return err
		}
	})

	// Handlers
	botHandler := &handler.BotHandler{Manager: manager, Store: botStore}
	registryHandler := &handler.RegistryHandler{God: godRegistry, Servers: serverRegistry}
	reconcileHandler := &handler.ReconcileHandler{Service: reconciler, Bots: botStore, Updater: manager}

	// Public routes
	e.GET("/", handler.Health)
	e.GET("/health", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API routes that require authentication
	api := e.Group("/api")
	api.Use(middleware.AuthMiddleware)

	api.GET("/bots", botHandler.ListBots)
	api.GET("/bots/:id", botHandler.GetBot)
	api.POST("/bots/:id/start", botHandler.StartBot)
	api.POST("/bots/:id/stop", botHandler.StopBot)
	api.POST("/bots/:id/restart", botHandler.RestartBot)
	api.POST("/bots/:id/approve", botHandler.ApproveBot)
	api.POST("/bots/:id/reset-failures", botHandler.ResetBotFailures)
	api.PUT("/bots/:id/flags", botHandler.SetBotFlags)
	api.DELETE("/bots/:id", botHandler.DestroyBot)

	api.GET("/registry/:identity", registryHandler.LookupIdentity)
	api.GET("/servers", registryHandler.ListServers)
	api.PUT("/servers", registryHandler.UpsertServer)

	api.POST("/reconcile", reconcileHandler.Reconcile)

	// Internal peer routes
	internal := e.Group("/internal")
	internal.Use(middleware.AuthMiddleware, middleware.RequirePeer)
	internal.POST("/reconcile/update", reconcileHandler.ApplyUpdate)

	// Start server
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	log.Info("Server listening", zap.String("port", cfg.Server.Port))

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	stopWorkers()

	// Stop all bots concurrently under the configured grace period
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Fleet.ShutdownGrace)
	defer cancel()
	if err := manager.StopAll(shutdownCtx); err != nil {
		log.Warn("Fleet shutdown incomplete", zap.Error(err))
	}

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
