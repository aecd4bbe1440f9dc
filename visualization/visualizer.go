// Package visualization serves a results dashboard and Prometheus metrics.
package visualization

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

//go:embed templates/*
var templateFS embed.FS

// Visualizer collects results as they are recorded and exposes them as a
// dashboard, a JSON endpoint and Prometheus metrics.
type Visualizer struct {
	logger     *zap.Logger
	results    []common.TestResult
	mu         sync.RWMutex
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *metrics
}

// metrics holds Prometheus metrics for test results
type metrics struct {
	tests           *prometheus.CounterVec
	testLatency     *prometheus.HistogramVec
	batches         prometheus.Counter
	captureFailures prometheus.Counter
	lastResult      *prometheus.GaugeVec
}

// NewVisualizer creates a visualizer with its own metrics registry.
func NewVisualizer(logger *zap.Logger) *Visualizer {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &metrics{
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_tests_total",
			Help: "Total number of transport and web tests by result",
		}, []string{"transport", "result"}),
		testLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canary_test_duration_seconds",
			Help:    "Duration of a dial plus probe",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"transport"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_batches_completed_total",
			Help: "Total number of completed batches",
		}),
		captureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_capture_failures_total",
			Help: "Total number of capture backend failures",
		}),
		lastResult: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canary_last_result",
			Help: "Result of the latest test per transport (0=failed, 1=passed)",
		}, []string{"transport"}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(m.tests, m.testLatency, m.batches, m.captureFailures, m.lastResult)

	return &Visualizer{
		logger:   logger,
		registry: registry,
		metrics:  m,
	}
}

// Handler returns the dashboard, results and metrics routes.
func (v *Visualizer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(v.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/results", v.handleResults)
	mux.HandleFunc("/", v.handleDashboard)
	return mux
}

// Start serves Handler on addr. It blocks until Stop is called.
func (v *Visualizer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return v.Serve(ln)
}

// Serve serves Handler on ln until Stop is called.
func (v *Visualizer) Serve(ln net.Listener) error {
	server := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	v.mu.Lock()
	v.httpServer = server
	v.mu.Unlock()

	v.logger.Info("Starting visualization server", zap.String("addr", ln.Addr().String()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the server started by Start or Serve.
func (v *Visualizer) Stop() error {
	v.mu.Lock()
	server := v.httpServer
	v.httpServer = nil
	v.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Close()
}

// ResultRecorded stores result and updates metrics.
func (v *Visualizer) ResultRecorded(result common.TestResult) {
	v.mu.Lock()
	v.results = append(v.results, result)
	v.mu.Unlock()

	label := "failed"
	value := 0.0
	if result.Success {
		label = "passed"
		value = 1
	}
	v.metrics.tests.WithLabelValues(result.TransportName, label).Inc()
	v.metrics.lastResult.WithLabelValues(result.TransportName).Set(value)
	v.metrics.testLatency.WithLabelValues(result.TransportName).Observe(result.Duration.Seconds())
}

// BatchCompleted counts a finished batch.
func (v *Visualizer) BatchCompleted(batch int) {
	v.metrics.batches.Inc()
	v.logger.Debug("Batch recorded", zap.Int("batch", batch))
}

// CaptureFailed counts a capture backend failure.
func (v *Visualizer) CaptureFailed() {
	v.metrics.captureFailures.Inc()
}

// Results returns a copy of the recorded results.
func (v *Visualizer) Results() []common.TestResult {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]common.TestResult, len(v.results))
	copy(out, v.results)
	return out
}

// handleDashboard serves the main dashboard page
func (v *Visualizer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tmpl, err := template.ParseFS(templateFS, "templates/dashboard.html")
	if err != nil {
		http.Error(w, "Failed to load template", http.StatusInternalServerError)
		return
	}

	results := v.Results()
	passed := 0
	for _, result := range results {
		if result.Success {
			passed++
		}
	}
	data := struct {
		Results []common.TestResult
		Passed  int
		Failed  int
		Time    time.Time
	}{
		Results: results,
		Passed:  passed,
		Failed:  len(results) - passed,
		Time:    time.Now(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		v.logger.Error("Failed to render dashboard", zap.Error(err))
		return
	}
}

// handleResults serves the test results as JSON
func (v *Visualizer) handleResults(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v.Results()); err != nil {
		http.Error(w, "Failed to encode results", http.StatusInternalServerError)
		return
	}
}
