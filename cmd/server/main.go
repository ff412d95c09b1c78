// Package main runs the broadcast platform HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deckline/backend/config"
	"github.com/deckline/backend/internal/audio"
	"github.com/deckline/backend/internal/auth"
	"github.com/deckline/backend/internal/chat"
	"github.com/deckline/backend/internal/identity"
	"github.com/deckline/backend/internal/middleware"
	"github.com/deckline/backend/internal/presence"
	"github.com/deckline/backend/internal/realtime"
	"github.com/deckline/backend/internal/schedule"
	"github.com/deckline/backend/internal/session"
	"github.com/deckline/backend/internal/tips"
	"github.com/deckline/backend/pkg/database"
	"github.com/deckline/backend/pkg/queue"
	"github.com/deckline/backend/pkg/redis"
	"github.com/deckline/backend/pkg/response"
	"github.com/deckline/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArtworkBucket:        cfg.AWS.ArtworkBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	policy := identity.NewPolicy(cfg.Chat.ReservedNames)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, policy, logger)

	// Schedule (read-only slot data)
	scheduleRepo := schedule.NewRepository(pool)
	scheduleHandler := schedule.NewHandler(scheduleRepo, logger)

	// Presence, tips, chat persistence, finalize queue
	presenceTTL := time.Duration(cfg.Broadcast.PresenceTTLSec) * time.Second
	presenceRegistry := presence.NewRegistry(rdb.Client, presenceTTL, logger)
	tipFeed := tips.NewFeed()
	tipRepo := tips.NewRepository(pool)
	tipWebhook := tips.NewWebhookHandler(tipRepo, tipFeed, cfg.Stripe.WebhookSecret, logger)
	chatRepo := chat.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	recordRepo := session.NewRepository(pool)

	// Realtime hub, which the session controllers broadcast through
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub, presenceRegistry)

	// Session controllers
	registry := session.NewRegistry(session.Deps{
		Driver:   audio.NewRedisDriver(rdb.Client, 0),
		Presence: presenceRegistry,
		Tips:     tipFeed,
		Records:  recordRepo,
		ChatRepo: chatRepo,
		Queue:    jobQueue,
		Events:   hub,
		Policy:   policy,
		Logger:   logger,

		SampleHz:           cfg.Broadcast.SampleHz,
		AmplitudeThreshold: cfg.Broadcast.AmplitudeThreshold,
		ChatLimits: chat.Limits{
			MaxMessageLen: cfg.Chat.MaxMessageLen,
			MaxPromoLen:   cfg.Chat.MaxPromoLen,
			RatePer10Sec:  cfg.Chat.RatePer10Sec,
		},
		FallbackLookback: time.Duration(cfg.Broadcast.FallbackLookbackMin) * time.Minute,
	})
	sessionHandler := session.NewHandler(registry, scheduleRepo, recordRepo, authRepo, chatRepo, tipRepo, s3Client, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.GET("/me", middleware.JWT(jwtService), authHandler.Me)
	}

	// Schedule (public)
	router.GET("/slots", scheduleHandler.ListUpcoming)
	router.GET("/slots/:id", scheduleHandler.Get)

	// Broadcast history (public)
	router.GET("/broadcasts", sessionHandler.ListBroadcasts)

	// Sessions. DJs may be authenticated or anonymous, so the JWT is optional;
	// the identity policy decides what the claims are worth.
	sessions := router.Group("/sessions")
	sessions.Use(middleware.OptionalJWT(jwtService))
	{
		sessions.POST("", sessionHandler.Create)
		sessions.GET("/:id", sessionHandler.Get)
		sessions.POST("/:id/go-live", sessionHandler.GoLive)
		sessions.POST("/:id/end", sessionHandler.End)
		sessions.POST("/:id/chat", sessionHandler.SendChat)
		sessions.POST("/:id/promo", sessionHandler.SendPromo)
		sessions.POST("/:id/promo/upload-url", sessionHandler.GenerateUploadURL)
	}

	// Webhooks (no JWT; Stripe signature checked in the handler)
	router.POST("/webhooks/stripe", tipWebhook.HandleStripe)

	// Listener WebSocket
	router.GET("/ws", realtime.ServeWs(hub, registry, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
