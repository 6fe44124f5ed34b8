package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	pushHandler "telecare-backend/internal/handler/http/push"
	tokenHandler "telecare-backend/internal/handler/http/token"
	videoHandler "telecare-backend/internal/handler/http/video"
	wsHandler "telecare-backend/internal/handler/ws"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/repository/cockroach"
	"telecare-backend/internal/repository/memory"
	redisRepo "telecare-backend/internal/repository/redis"
	tokenService "telecare-backend/internal/service/token"
	videoService "telecare-backend/internal/service/video"
	"telecare-backend/pkg/config"
	"telecare-backend/pkg/constants"
	"telecare-backend/pkg/database"
	"telecare-backend/pkg/jwt"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
	"telecare-backend/pkg/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	m := metrics.NewMetrics(cfg.Server.ServiceName)

	// 1. Setup JWT Manager
	jwtSecret := cfg.Stream.JWTSecret
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, cfg.Stream.AccessTTL, cfg.Stream.TokenTTL)

	// 2. Connect to CockroachDB with exponential backoff retry
	db, err := connectCockroach(ctx, cfg.Database, 5)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	callRepo := cockroach.NewCallRepository(db.Pool, m)

	// 3. Participant store and call bus: Redis, or in-process outside production
	var (
		store      wsHandler.ParticipantStore
		bus        wsHandler.CallBus
		pushTokens push.TokenRepository
	)
	redisDB, err := database.NewRedisDB(ctx, cfg.Redis)
	switch {
	case err == nil:
		defer func() { _ = redisDB.Close() }()
		store = redisRepo.NewParticipantRepository(redisDB.Client, cfg.Stream.ParticipantTTL, m)
		bus = redisRepo.NewCallBus(redisDB.Client)
		pushTokens = redisRepo.NewPushTokenRepository(redisDB.Client, m)
		logger.Info("Connected to Redis",
			zap.String("host", cfg.Redis.Host),
			zap.Int("port", cfg.Redis.Port))
	case cfg.IsProduction():
		logger.Fatal("Redis is required in production", zap.Error(err))
	default:
		logger.Warn("Redis unavailable, participant store is in-process only", zap.Error(err))
		store = memory.NewParticipantRepository(cfg.Stream.ParticipantTTL)
		bus = memory.NewCallBus()
		pushTokens = memory.NewPushTokenRepository()
	}

	// 4. Push provider: mock outside production
	pushProvider, err := push.NewProvider(ctx, cfg.Push, cfg.IsProduction())
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushSvc := push.NewService(pushProvider, pushTokens)

	// 5. Initialize Services
	videoSvc := videoService.NewService(callRepo, pushSvc)
	tokenSvc := tokenService.NewService(callRepo, jwtManager, cfg.Stream.APIKey, m)

	// 6. Initialize Handlers
	hub := wsHandler.NewSignalingHub(store, bus, videoSvc, jwtManager, wsHandler.HubConfig{
		MaxConnections: cfg.Stream.MaxConnections,
		ParticipantTTL: cfg.Stream.ParticipantTTL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, m)
	tokenHdlr := tokenHandler.NewHandler(tokenSvc)
	videoHdlr := videoHandler.NewHandler(videoSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	// 7. Setup Gin Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(m).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET(middleware.MetricsPath, middleware.MetricsHandler(m))

	v1 := router.Group("/v1")
	{
		stream := v1.Group("/stream")
		stream.POST("/token", middleware.AuthMiddleware(jwtManager), tokenHdlr.IssueToken)
		stream.GET("/ws", middleware.StreamAuthMiddleware(jwtManager, cfg.Stream.APIKey), hub.ServeWS)

		calls := v1.Group("/calls")
		calls.Use(middleware.AuthMiddleware(jwtManager))
		calls.GET("/:id", videoHdlr.GetCallStatus)

		pushTokenRoutes := v1.Group("/push/tokens")
		pushTokenRoutes.Use(middleware.AuthMiddleware(jwtManager))
		pushTokenRoutes.POST("", pushHdlr.RegisterToken)
		pushTokenRoutes.DELETE("", pushHdlr.UnregisterToken)
	}

	// 8. Start Server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Video Service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Video Service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	// signaling clients are told first so they stop rejoining
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Signaling hub shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Video Service stopped")
}

func connectCockroach(ctx context.Context, cfg config.DatabaseConfig, maxRetries int) (*database.CockroachDB, error) {
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err := database.NewCockroachDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}
