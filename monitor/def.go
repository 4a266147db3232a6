package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"TinyYoloDet/logger"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

var (
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_megabytes",
		Help: "Resident memory of the process in megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage of the process in percent",
	})
	ImagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "images_processed_total",
		Help: "Images handled by the pipeline, by outcome",
	}, []string{"status"})
	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Detections emitted after suppression, by class",
	}, []string{"class"})
	InferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_duration_seconds",
		Help:    "Time spent inside the inference engine per image",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	EngineWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_wait_duration_seconds",
		Help:    "Time spent waiting for exclusive access to the engine",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Registry holds every collector of this package.
func Registry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(memUsage, cpuUsage, ImagesTotal, DetectionsTotal, InferenceSeconds, EngineWaitSeconds)
	return registry
}

func ObserveImage(status string) {
	ImagesTotal.WithLabelValues(status).Inc()
}

func ObserveDetection(class string) {
	DetectionsTotal.WithLabelValues(class).Inc()
}

func checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process stats until ctx is done.
func StartMon(ctx context.Context, port int) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("inspect own process: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Named("monitor").Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Named("monitor").Info("metrics server started", zap.Int("port", port))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
