package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"AnnoDetServer/api"
	"AnnoDetServer/config"
	"AnnoDetServer/engine"
	backend "AnnoDetServer/gRPC"
	"AnnoDetServer/logger"
	"AnnoDetServer/monitor"
	"AnnoDetServer/pipeline"
	"AnnoDetServer/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "azure":
		az := cfg.Storage.Azure
		return store.NewAzure(az.ServiceURL, az.AccountName, az.AccountKey, az.Container)
	default:
		return store.NewLocal(cfg.OutputDir)
	}
}

// grpcBaseURL gRPC 请求没有 Host 头，image_url 只能来自配置
func grpcBaseURL(cfg *config.Config) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTPPort)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if cfg.LogMode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(" gRPC    Port:", cfg.GRPCPort)
	fmt.Println(" Detector    :", cfg.Detector.Backend)
	fmt.Println(" Storage     :", cfg.Storage.Backend)
	fmt.Println(strings.Repeat("#", 64))

	det, err := engine.LoadEngine(cfg.Detector)
	if err != nil {
		logger.Log().Fatal("Failed to load detector", zap.Error(err))
	}
	defer det.Destroy()

	st, err := newStore(cfg)
	if err != nil {
		logger.Log().Fatal("Failed to open artifact store", zap.Error(err))
	}
	predictor := pipeline.New(det, st, cfg.DedupeIoU, cfg.ClassValues)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	if cfg.MetricsPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.StartMon(cfg.MetricsPort, ctx)
		}()
	}

	if cfg.GRPCPort > 0 {
		grpcServer, err := backend.StartGRPCServer(cfg.GRPCPort, backend.NewServer(predictor, grpcBaseURL(cfg)))
		if err != nil {
			logger.Log().Fatal("Failed to start gRPC server", zap.Error(err))
		}
		defer grpcServer.GracefulStop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewRouter(predictor, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log().Warn("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()
	wg.Wait()
	fmt.Println("Safely exited")
}
