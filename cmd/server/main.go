package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/api"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/config"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/events"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/metrics"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/notify"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/services"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/store"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/zabbix"
)

// @title Zabbix Alert Gateway API
// @version 1.0
// @description API for tracking and acknowledging Zabbix alerts
// @BasePath /api

func main() {
	// Configure Log Level from Environment Variable
	logLevelStr := os.Getenv("LOG_LEVEL")
	switch strings.ToLower(logLevelStr) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel) // Default to Info
	}
	logrus.Infof("Log level set to: %s", logrus.GetLevel().String())

	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Open the alert store
	st := store.New(cfg.Database.Path)
	if err := st.Open(); err != nil {
		logrus.Fatalf("Failed to open alert store: %v", err)
	}
	defer st.Close()

	// Set up the Zabbix client
	zbxClient, err := zabbix.NewClient(&cfg.Zabbix)
	if err != nil {
		logrus.Fatalf("Failed to create Zabbix client: %v", err)
	}

	// Wire the core: broadcast bus, connection tracker, lifecycle manager,
	// poller
	bus := events.NewBus()
	backoff := services.NewBackoff(
		time.Duration(cfg.Poller.BackoffInitialSec)*time.Second,
		time.Duration(cfg.Poller.BackoffMaxSec)*time.Second,
	)
	tracker := services.NewConnectionTracker(cfg.Poller.FailureThreshold, backoff, bus)
	alertService := services.NewAlertService(st, zbxClient, bus)
	poller := services.NewPoller(zbxClient, alertService, tracker, cfg.Poller.Interval())

	poller.Start()
	logrus.Info("Alert poller started")

	// Optional Telegram notifications
	stopNotifier := notify.StartNotifier(bus, notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatIDs))

	// Retention sweep once a day
	retentionStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-retentionStop:
				return
			case <-ticker.C:
				retention := time.Duration(cfg.Poller.RetentionDays) * 24 * time.Hour
				if _, err := alertService.PurgeOldAlerts(context.Background(), retention); err != nil {
					logrus.Errorf("Retention sweep failed: %v", err)
				}
			}
		}
	}()

	// Mirror bus counters into Prometheus
	gaugeStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		var lastDropped int64
		for {
			select {
			case <-gaugeStop:
				return
			case <-ticker.C:
				metrics.BroadcastSubscribers.Set(float64(bus.Subscribers()))
				if dropped := bus.Dropped(); dropped > lastDropped {
					metrics.BroadcastDroppedTotal.Add(float64(dropped - lastDropped))
					lastDropped = dropped
				}
			}
		}
	}()

	// Set up the Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: strings.Split(cfg.Server.AllowedOrigins, ","),
	}))

	// API routes
	apiHandler := api.NewAPIHandler(alertService, tracker, poller, bus, st.Ping)
	apiHandler.SetupRoutes(e)

	// Prometheus metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Swagger documentation
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.Handler()))

	// Create HTTP server
	// Use PORT environment variable if available, otherwise use config
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /api/alerts/stream holds its connection open
		IdleTimeout: 60 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logrus.Infof("Starting server on port %s", port)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Stop background work before closing the HTTP surface
	poller.Shutdown()
	close(retentionStop)
	close(gaugeStop)
	stopNotifier()
	logrus.Info("Poller shutdown complete")

	// Create a deadline for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	// Shutdown the server
	if err := e.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited properly")
}
