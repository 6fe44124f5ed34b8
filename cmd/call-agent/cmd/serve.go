package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	callHandler "telecare-backend/internal/handler/http/call"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/service/call"
	"telecare-backend/internal/service/device"
	"telecare-backend/internal/service/token"
	"telecare-backend/internal/signaling"
	"telecare-backend/pkg/cache"
	"telecare-backend/pkg/constants"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

const descriptorCacheSize = 256

var flagServePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent's local control API",
	Long: `Run the agent's local control API. The call view drives one call per
appointment through it:

  POST /v1/consultations/<appointment>/activate
  POST /v1/consultations/<appointment>/camera
  POST /v1/consultations/<appointment>/end`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&flagServePort, "port", "p", 0, "override AGENT_PORT")
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagServePort > 0 {
		cfg.Agent.Port = flagServePort
	}
	if cfg.Agent.AuthToken == "" {
		return errors.New("AGENT_AUTH_TOKEN is required")
	}

	m := metrics.NewMetrics("call-agent")

	// 1. Token broker client and shared signaling clients
	broker := token.NewClient(cfg.Agent.BrokerURL, cfg.Agent.AuthToken, cfg.Agent.RequestTimeout)
	registry := call.NewRegistry(signaling.NewClientFactory(cfg.Agent.SignalingURL, m), m)

	// 2. Capture devices
	source := device.NewHardwareSource()

	// 3. Credentials cache
	descriptors := cache.NewMemoryCache[domain.SessionDescriptor](cfg.Agent.DescriptorCacheTTL, descriptorCacheSize)
	stopCleanup := descriptors.StartCleanup(time.Minute)
	defer stopCleanup()

	// 4. Call service
	svc := call.NewService(call.Config{
		Broker:        broker,
		Registry:      registry,
		Source:        source,
		Descriptors:   descriptors,
		Metrics:       m,
		Purpose:       domain.CallPurpose(cfg.Agent.Purpose),
		DescriptorTTL: cfg.Agent.DescriptorCacheTTL,
	})

	// 5. Setup Gin Router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(m).Handler())

	router.GET("/health", middleware.HealthCheck("call-agent"))
	router.GET(middleware.MetricsPath, middleware.MetricsHandler(m))
	callHandler.NewHandler(svc, source, cfg.Agent.RequestTimeout*3).RegisterRoutes(router)

	// 6. Start Server. The control API is local to this machine.
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Agent.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Call agent starting",
			zap.Int("port", cfg.Agent.Port),
			zap.String("broker", cfg.Agent.BrokerURL),
			zap.String("signaling", cfg.Agent.SignalingURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	}

	logger.Info("Shutting down call agent")
	ctx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Control API forced to shutdown", zap.Error(err))
	}
	// devices are released before the shared clients disconnect
	if err := svc.Shutdown(ctx); err != nil {
		logger.Warn("Call shutdown incomplete", zap.Error(err))
	}
	logger.Info("Call agent stopped")
	return nil
}
