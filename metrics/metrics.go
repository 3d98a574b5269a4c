// Package metrics exports FTP server activity to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	s, _ := server.NewServer(":21",
//	    server.WithAuthorizer(auth),
//	    server.WithMetricsCollector(metrics.New(reg)),
//	)
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gonzalop/ftpd/server"
)

const namespace = "ftpd"

// Collector implements server.MetricsCollector with Prometheus metrics.
type Collector struct {
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	transfersTotal   *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	connectionsTotal *prometheus.CounterVec
	loginsTotal      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

var _ server.MetricsCollector = (*Collector)(nil)

// New registers the server metrics with reg.
//
// User names are not used as labels; logins are counted by outcome only.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		commandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of FTP commands by verb and status",
			},
			[]string{"command", "status"},
		),
		commandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time spent handling a command on the reactor",
				Buckets: []float64{
					0.0001, // 100µs - in-memory replies
					0.001,  // 1ms - metadata lookups
					0.01,   // 10ms
					0.1,    // 100ms - slow storage
					1,      // 1s
				},
			},
			[]string{"command"},
		),
		transfersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of data transfers by operation and status",
			},
			[]string{"operation", "status"},
		),
		transferBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved over data connections",
			},
			[]string{"operation", "direction"},
		),
		transferDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Duration of data transfers",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"operation"},
		),
		connectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Control connections by admission result",
			},
			[]string{"result", "reason"},
		),
		loginsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "PASS attempts by result",
			},
			[]string{"result"},
		),
		activeSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current number of admitted control connections",
			},
		),
	}
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.commandsTotal.WithLabelValues(cmd, status(success)).Inc()
	c.commandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(operation, status string, bytes int64, duration time.Duration) {
	c.transfersTotal.WithLabelValues(operation, status).Inc()
	c.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		c.transferBytes.WithLabelValues(operation, direction(operation)).Add(float64(bytes))
	}
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.connectionsTotal.WithLabelValues(result, reason).Inc()
}

func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.loginsTotal.WithLabelValues(status(success)).Inc()
}

func (c *Collector) RecordActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func direction(operation string) string {
	switch operation {
	case "STOR", "APPE", "STOU":
		return "in"
	}
	return "out"
}
