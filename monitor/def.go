package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"OnnxAnomalyServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var Registry = prometheus.NewRegistry()

var (
	memUsage = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	RequestsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "anomaly_requests_total",
		Help: "Scoring requests by operation and outcome",
	}, []string{"op", "status"})

	CacheLookups = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "model_cache_lookups_total",
		Help: "Model cache lookups by result (hit or miss)",
	}, []string{"result"})

	ModelsLoaded = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "models_loaded",
		Help: "Number of models held in the cache",
	})

	RectOutcomes = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "roi_results_total",
		Help: "Per-ROI results by outcome (passed, failed, error)",
	}, []string{"outcome"})

	InferenceSeconds = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inference_duration_seconds",
		Help:    "Model forward latency by backend kind",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"backend"})
)

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Sample 采集一次进程内存与 CPU
func Sample(p *process.Process) error {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return err
	}
	memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	return nil
}

// StartMon 在独立端口提供 /metrics 并每 500ms 采样，ctx 结束后关闭
func StartMon(ctx context.Context, port int) {
	log := logger.Named("monitor")
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Error("resolve own process failed", zap.Error(err))
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus server ListenAndServe error", zap.Error(err))
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
			if err := Sample(p); err != nil {
				log.Debug("sample process info failed", zap.Error(err))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("prometheus server Shutdown error", zap.Error(err))
	}
}
