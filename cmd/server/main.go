package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shop-api/config"
	"shop-api/internal/api"
	"shop-api/internal/auth"
	"shop-api/internal/broker"
	"shop-api/internal/oauth"
	"shop-api/internal/payment"
	"shop-api/internal/redisclient"
	"shop-api/internal/service"
	"shop-api/internal/store"
	"shop-api/internal/util"
	"shop-api/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shop api", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database schema applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	tokens, err := auth.NewTokenService(cfg.Auth)
	if err != nil {
		logger.Fatal("Failed to initialize token service", zap.Error(err))
	}

	gateway := payment.NewClient(cfg.Payment)
	if gateway.Mock() {
		logger.Warn("PAYMENT_SERVER_KEY not set, payment gateway runs in mock mode")
	}
	verifier := payment.NewVerifier(cfg.Payment)

	ledger := service.NewStockLedger(db)
	orderService := service.NewOrderService(db, db, db, ledger, gateway, redisClient, eventPublisher)
	reconciler := service.NewReconciler(verifier, db, db, redisClient, ledger, eventPublisher)
	providers := map[string]service.IdentityProvider{}
	if cfg.OAuth.GoogleClientID != "" {
		providers["google"] = oauth.NewGoogle(cfg.OAuth)
		logger.Info("Google login enabled")
	}
	authService := service.NewAuthService(db, tokens, providers)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	statusConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	statusWorker := worker.NewStatusWorker(statusConsumer, redisClient)
	go func() {
		if err := statusWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Status worker error", zap.Error(err))
		}
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cfg, api.Dependencies{
		Auth:       authService,
		Orders:     orderService,
		Reconciler: reconciler,
		Tokens:     tokens,
		Limiter:    redisClient,
		Checks: map[string]api.Pinger{
			"database": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := statusWorker.Stop(); err != nil {
		logger.Warn("Error stopping status worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
