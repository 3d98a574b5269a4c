package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/config"
	"github.com/gonzalop/ftpd/metrics"
	"github.com/gonzalop/ftpd/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FTP server",
		Long: `Start the FTP server in the foreground. SIGINT or SIGTERM starts a
graceful shutdown bounded by timeouts.shutdown.

Examples:
  ftpd serve --config /etc/ftpd/config.yaml
  FTPD_LOGGING_LEVEL=DEBUG ftpd serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	var metricsLn net.Listener
	if cfg.Metrics.Enabled {
		if metricsLn, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			ln.Close()
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger, ln, metricsLn)
}

// serve runs the FTP server on ln, and the metrics endpoint on metricsLn
// when it is not nil, until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln, metricsLn net.Listener) error {
	abort := func(err error) error {
		ln.Close()
		if metricsLn != nil {
			metricsLn.Close()
		}
		return err
	}

	opts, err := cfg.ServerOptions()
	if err != nil {
		return abort(err)
	}
	opts = append(opts, server.WithLogger(logger))

	if cfg.Privacy.TransferLog != "" {
		f, err := os.OpenFile(cfg.Privacy.TransferLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return abort(fmt.Errorf("open transfer log: %w", err))
		}
		defer f.Close()
		opts = append(opts, server.WithTransferLog(f))
	}

	var reg *prometheus.Registry
	if metricsLn != nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, server.WithMetricsCollector(metrics.New(reg)))
	}

	srv, err := server.NewServer(cfg.Listen, opts...)
	if err != nil {
		return abort(err)
	}

	var metricsSrv *http.Server
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", "error", err)
			}
		}()
		logger.Info("metrics_listening", "addr", metricsLn.Addr().String())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("ftpd_started",
		"addr", ln.Addr().String(),
		"tls", cfg.TLS.Enabled(),
		"distribution", cfg.Reactors.Distribution)

	var result *multierror.Error
	select {
	case err := <-serveErr:
		if !errors.Is(err, server.ErrServerClosed) {
			result = multierror.Append(result, err)
		}
	case <-ctx.Done():
		logger.Info("shutdown_requested", "timeout", cfg.Timeouts.Shutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown_incomplete", "error", err)
			if err := srv.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := <-serveErr; err != nil && !errors.Is(err, server.ErrServerClosed) {
			result = multierror.Append(result, err)
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result.ErrorOrNil() == nil {
		logger.Info("ftpd_stopped")
	}
	return result.ErrorOrNil()
}
