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
)

var (
	PID      process.Process
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	// FramesTotal counts video frames that completed the detection pass.
	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Total number of video frames processed",
	})
	// DetectionsTotal counts retained detections across all frames.
	DetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Total number of retained detections",
	})
	// SpeechTotal counts successful speech syntheses.
	SpeechTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "speech_syntheses_total",
		Help: "Total number of synthesized announcements",
	})
	// OCRTotal counts still-image OCR requests.
	OCRTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_requests_total",
		Help: "Total number of OCR capture requests",
	})
)

var srv *http.Server

func prom(port int) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(memUsage, cpuUsage, FramesTotal, DetectionsTotal, SpeechTotal, OCRTotal)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Prometheus server ListenAndServe error: %v\n", err)
		}
	}()
}

func CheckProcessInfo() {
	MemInfo, _ := PID.MemoryInfo()
	var MemMB = MemInfo.RSS / 1024 / 1024
	CPUPercent, _ := PID.CPUPercent()
	CPUPercentFloat := math.Round(CPUPercent*100) / 100
	memUsage.Set(float64(MemMB))
	cpuUsage.Set(CPUPercentFloat)
}

func GotPID() {
	pid := os.Getpid()
	i32Pid := int32(pid)
	PID.Pid = i32Pid
}

func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
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
	// ctx is already cancelled here; Shutdown needs a live context or it
	// gives up on in-flight scrapes immediately.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Prometheus server Shutdown error: %v\n", err)
	}
}
