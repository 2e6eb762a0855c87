package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dockhand/sandpit/internal/companion"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/internal/metrics"
)

const envPrefix = "SANDPIT_REAPER_"

// newPruner is replaced in tests.
var newPruner = func() (companion.Pruner, error) {
	return companion.NewDockerPruner()
}

type options struct {
	port                int
	connectionTimeout   time.Duration
	reconnectionTimeout time.Duration
	shutdownTimeout     time.Duration
	logLevel            string
	metricsAddr         string
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envInt(name string, def int) int {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(name, def string) string {
	if v := os.Getenv(envPrefix + name); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	def := companion.DefaultOptions()
	o := &options{}
	cmd := &cobra.Command{
		Use:           "sandpit-reaper",
		Short:         "Remove session resources once every client has disconnected",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.port, "port", envInt("PORT", 8080), "TCP port to accept clients on")
	f.DurationVar(&o.connectionTimeout, "connection-timeout", envDuration("CONNECTION_TIMEOUT", def.ConnectionTimeout), "how long to wait for the first client")
	f.DurationVar(&o.reconnectionTimeout, "reconnection-timeout", envDuration("RECONNECTION_TIMEOUT", def.ReconnectionTimeout), "grace period after the last client disconnects")
	f.DurationVar(&o.shutdownTimeout, "shutdown-timeout", envDuration("SHUTDOWN_TIMEOUT", def.ShutdownTimeout), "upper bound for the final prune")
	f.StringVar(&o.logLevel, "log-level", envString("LOG_LEVEL", "info"), "log level")
	f.StringVar(&o.metricsAddr, "metrics-addr", envString("METRICS_ADDR", ""), "serve /metrics and /status on this address")
	return cmd
}

func run(ctx context.Context, o *options) error {
	cleanup, err := logging.Init("", o.logLevel)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer cleanup()
	log := logging.For("reaper")

	pruner, err := newPruner()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", o.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if o.metricsAddr != "" {
		srv := &http.Server{Addr: o.metricsAddr, Handler: metrics.NewServeMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", o.metricsAddr).Msg("starting metrics server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Dur("connection_timeout", o.connectionTimeout).
		Dur("reconnection_timeout", o.reconnectionTimeout).
		Msg("started")
	srv := companion.NewServer(pruner, companion.Options{
		ConnectionTimeout:   o.connectionTimeout,
		ReconnectionTimeout: o.reconnectionTimeout,
		ShutdownTimeout:     o.shutdownTimeout,
	})
	report, err := srv.Serve(ctx, ln)
	if err != nil {
		return err
	}
	metrics.AddReaperRemovals(report.Containers, report.Networks, report.Volumes, report.Images)
	log.Info().Int("filters", len(srv.Filters())).Msg("done")
	return nil
}
