package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rentpay/internal/client/booking"
	"rentpay/internal/client/gateway"
	"rentpay/internal/config"
	cronrunner "rentpay/internal/cron"
	"rentpay/internal/db"
	"rentpay/internal/handler"
	"rentpay/internal/logger"
	"rentpay/internal/notify"
	gormrepository "rentpay/internal/repository/gorm"
	"rentpay/internal/service"
)

func main() {
	cfgPath := os.Getenv("RP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("RP_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	gatewayHTTP := &http.Client{Timeout: cfg.Gateway.Timeout}
	gatewayClient := gateway.NewClient(gatewayHTTP, cfg.Gateway.BaseURL, cfg.Gateway.APIKey)
	bookingHTTP := &http.Client{Timeout: cfg.Booking.Timeout}
	bookingClient := booking.NewClient(bookingHTTP, cfg.Booking.BaseURL)
	store := gormrepository.New(dbConn.Gorm)

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = &notify.Notifier{
			WebhookURL: cfg.Notify.WebhookURL,
			Timeout:    cfg.Notify.Timeout,
			Logger:     logger,
		}
	}

	executor := &service.ChargeExecutor{
		Repo:    store,
		Gateway: gatewayClient,
		Logger:  logger,
		Policy:  cfg.Plan,
		Timeout: cfg.Gateway.Timeout,
	}
	planService := &service.PlanService{
		Repo:     store,
		Booking:  bookingClient,
		Executor: executor,
		Logger:   logger,
		Config:   cfg.Plan,
	}
	sweeper := &service.Sweeper{
		Repo:      store,
		Executor:  executor,
		Notifier:  notifier,
		Logger:    logger,
		Policy:    cfg.Plan,
		BatchSize: cfg.Sweep.BatchSize,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	planHandler := &handler.PlanHandler{Service: planService, Sweeper: sweeper, Logger: logger}
	planHandler.Register(engine)
	installmentHandler := &handler.InstallmentHandler{Service: planService, Logger: logger}
	installmentHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, ctx)
		_, err = cronRunner.Add(cfg.Cron.Sweep, func(ctx context.Context) {
			result, err := sweeper.SweepOnce(ctx)
			if err != nil {
				logger.Warn("cron sweep failed", zap.Error(err))
				return
			}
			if result.Scanned > 0 {
				logger.Info("cron sweep ok",
					zap.Int("scanned", result.Scanned),
					zap.Int("charged", result.Charged),
					zap.Int("failed", result.Failed),
					zap.Int("escalated", result.Escalated),
					zap.Int("skipped", result.Skipped),
				)
			}
		})
		if err != nil {
			logger.Warn("cron register sweep failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
