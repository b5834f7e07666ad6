package observability

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// metricsServer serves the standalone Prometheus endpoint when enabled.
	metricsServer *http.Server

	// metricsPort stores the port the Prometheus exporter is listening on
	metricsPort int
)

// MetricsHandler exposes the given registry in the Prometheus text format.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry:          registry,
		EnableOpenMetrics: true,
	})
}

// InitMetrics starts a dedicated Prometheus listener on the given port.
// Use 0 for random assignment. The main server also serves /metrics, so this
// is only needed when scrapes must bypass the API listener.
func InitMetrics(registry *prometheus.Registry, port int) error {
	if registry == nil {
		return errors.New("metrics registry is required")
	}
	if port < 0 {
		port = 0
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	metricsPort = port
	if actual, err := resolvePort(listener.Addr().String()); err == nil {
		metricsPort = actual
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(registry))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer = srv

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Component().Warn("Metrics listener stopped", zap.Error(err))
		}
	}()
	return nil
}

// ShutdownMetrics stops the dedicated listener if one is running.
func ShutdownMetrics() error {
	if metricsServer == nil {
		return nil
	}
	err := metricsServer.Close()
	metricsServer = nil
	return err
}

// GetMetricsPort returns the port the Prometheus exporter is listening on
func GetMetricsPort() int {
	return metricsPort
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	return port, nil
}
