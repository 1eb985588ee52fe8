package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"AnnoDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      process.Process
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	PredictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_requests_total",
		Help: "Total number of predict requests by outcome",
	}, []string{"outcome"})
	PredictDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "predict_duration_seconds",
		Help:    "End-to-end predict latency",
		Buckets: prometheus.DefBuckets,
	})
	DetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Total number of detections returned",
	})
	ArtifactsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "artifacts_written_total",
		Help: "Total number of annotated images persisted",
	})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, PredictTotal, PredictDuration, DetectionsTotal, ArtifactsTotal, GRPCTotal)
}

func ObservePredict(outcome string, elapsed time.Duration) {
	PredictTotal.WithLabelValues(outcome).Inc()
	PredictDuration.Observe(elapsed.Seconds())
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func CheckProcessInfo() {
	memInfo, err := PID.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon 启动 /metrics 服务并周期性采集进程信息，ctx 取消后退出
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
