package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/AgentOS/ipcd/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/core"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ipc/endpoint"
	"github.com/GriffinCanCode/AgentOS/ipcd/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file")
	flag.Parse()

	cfg := loadConfig(*configPath)

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := monitoring.NewMetrics()
	stopUptime := metrics.StartUptimeUpdater()
	defer stopUptime()

	device := endpoint.NewDevice(core.Config{
		MaxMapSize:         cfg.Broker.MaxMapSize,
		NiceLimit:          cfg.Broker.NiceLimit,
		TransactionLogSize: cfg.Broker.TransactionLogSize,
	}, logger, metrics)
	defer device.Close()

	logger.Info("ipc broker starting",
		zap.Uint64("max_map_size", cfg.Broker.MaxMapSize),
		zap.Bool("admin", cfg.Admin.Enabled))

	if !cfg.Admin.Enabled {
		waitForSignal(logger)
		return
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(device.Core(), metrics)
	handlers.Register(router)
	stream := ws.NewHandler(device.Core(), metrics, logger)
	router.GET("/stream", stream.HandleConnection)

	srv := &http.Server{
		Addr:    cfg.Admin.Host + ":" + cfg.Admin.Port,
		Handler: router,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("admin server shutdown failed", zap.Error(err))
		}
	case err := <-errChan:
		logger.Fatal("admin server failed", zap.Error(err))
	}
}

func loadConfig(path string) *config.Config {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
		return cfg
	}
	return config.LoadOrDefault()
}

func waitForSignal(logger *logging.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
}
