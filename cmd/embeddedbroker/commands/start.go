package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/embeddedbroker/internal/cli/output"
	"github.com/marmos91/embeddedbroker/internal/logger"
	"github.com/marmos91/embeddedbroker/pkg/api"
	"github.com/marmos91/embeddedbroker/pkg/config"
	"github.com/marmos91/embeddedbroker/pkg/embedded"
	"github.com/marmos91/embeddedbroker/pkg/launcher/container"
	promMetrics "github.com/marmos91/embeddedbroker/pkg/metrics/prometheus"
	"github.com/marmos91/embeddedbroker/pkg/provision"
)

// Launcher names accepted by --launcher.
const (
	launcherLocal     = "local"
	launcherContainer = "container"
)

type startOptions struct {
	launcher    string
	image       string
	metricsAddr string
}

func newStartCmd() *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a broker and run until interrupted",
		Long: `Start an embedded broker, wait until it is ready, print its endpoints and
keep it running until SIGINT or SIGTERM.

The local launcher runs everything in this process. The container launcher
runs a Pulsar standalone container and needs a Docker daemon.`,
		Example: `  embeddedbroker start
  embeddedbroker start --config ./broker.yaml --metrics-addr 127.0.0.1:9090
  EMBEDDEDBROKER_AUTO_TOPIC_CREATION_TYPE=partitioned embeddedbroker start --launcher container`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.launcher, "launcher", launcherLocal, "dependency launcher (local|container)")
	cmd.Flags().StringVar(&opts.image, "image", container.DefaultImage, "broker image for the container launcher")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve lifecycle metrics on this address (disabled if empty)")
	return cmd
}

func runStart(cmd *cobra.Command, opts startOptions) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	p, err := printer(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverOpts, err := launcherOptions(opts)
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		serverOpts = append(serverOpts, embedded.WithMetrics(promMetrics.NewLifecycleMetrics(reg)))

		metricsSrv, err := startMetricsServer(opts.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer func() { _ = metricsSrv.Stop(context.Background()) }()
		logger.Info("Metrics enabled", logger.KeyAddr, metricsSrv.Addr().String())
	}

	srv, err := embedded.New(*cfg, serverOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(context.Background()); err != nil {
			logger.Error("Broker shutdown error", logger.Err(err))
		}
		_ = provision.CleanupAtExit()
	}()

	result, err := srv.Start(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	case result != embedded.StartReady:
		return fmt.Errorf("broker did not become ready within %s", cfg.StartupTimeout)
	}

	if err := p.Print(describe(srv)); err != nil {
		return err
	}

	logger.Info("Broker is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping broker")
	return nil
}

func launcherOptions(opts startOptions) ([]embedded.Option, error) {
	switch opts.launcher {
	case launcherLocal:
		return nil, nil
	case launcherContainer:
		return []embedded.Option{
			embedded.WithLauncher(container.NewLauncher(container.WithImage(opts.image))),
		}, nil
	default:
		return nil, fmt.Errorf("unknown launcher %q (valid: %s, %s)", opts.launcher, launcherLocal, launcherContainer)
	}
}

func startMetricsServer(addr string, reg *prometheus.Registry) (*api.Server, error) {
	router := api.NewRouter("metrics", 0)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := api.NewServer("metrics", router, api.ServerConfig{})
	if err := srv.Listen(addr); err != nil {
		return nil, fmt.Errorf("metrics server: %w", err)
	}
	return srv, nil
}

// instanceInfo is the printable summary of a running instance.
type instanceInfo struct {
	InstanceID       string `json:"instance_id" yaml:"instance_id"`
	WebServiceURL    string `json:"web_service_url" yaml:"web_service_url"`
	BrokerServiceURL string `json:"broker_service_url" yaml:"broker_service_url"`
	WebPort          int    `json:"web_port" yaml:"web_port"`
	TCPPort          int    `json:"tcp_port" yaml:"tcp_port"`
	StoragePort      int    `json:"storage_port" yaml:"storage_port"`
	CoordinationPort int    `json:"coordination_port" yaml:"coordination_port"`
	StorageDir       string `json:"storage_dir" yaml:"storage_dir"`
	CoordinationDir  string `json:"coordination_dir" yaml:"coordination_dir"`
}

func describe(srv *embedded.Server) instanceInfo {
	res := srv.Resources()
	return instanceInfo{
		InstanceID:       res.InstanceID,
		WebServiceURL:    srv.WebServiceURL(),
		BrokerServiceURL: srv.BrokerServiceURL(),
		WebPort:          res.WebPort,
		TCPPort:          res.TCPPort,
		StoragePort:      res.StoragePort,
		CoordinationPort: res.CoordinationPort,
		StorageDir:       res.StorageDir,
		CoordinationDir:  res.CoordinationDir,
	}
}

func (i instanceInfo) Headers() []string { return []string{"Resource", "Value"} }

func (i instanceInfo) Rows() [][]string {
	return [][]string{
		{"instance", i.InstanceID},
		{"web service", i.WebServiceURL},
		{"broker service", i.BrokerServiceURL},
		{"storage port", strconv.Itoa(i.StoragePort)},
		{"coordination port", strconv.Itoa(i.CoordinationPort)},
		{"storage dir", i.StorageDir},
		{"coordination dir", i.CoordinationDir},
	}
}

var _ output.TableRenderer = instanceInfo{}
