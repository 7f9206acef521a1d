package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/paleumm/zanim/internal/metrics"
	"github.com/paleumm/zanim/internal/miscdev"
	"github.com/paleumm/zanim/internal/ptyio"
	"github.com/paleumm/zanim/pkg/config"
	"github.com/paleumm/zanim/registry"
)

const shutdownTimeout = 5 * time.Second

type loadFlags struct {
	configPath    string
	devices       string
	name          string
	indexedNames  bool
	maxDeviceSize int
	maxMinors     int
	exportPTY     bool
	metricsAddr   string
}

func newLoadCmd() *cobra.Command {
	flags := &loadFlags{}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Create the devices and keep them registered until interrupted",
		Long: `Create the configured number of devices, register one endpoint per device
and keep them available until Ctrl+C (SIGINT) or SIGTERM. All endpoints are
unregistered before any device is released.

Settings come from the defaults, then the --config file, then explicit flags.`,
		Example: `  zanim load
  zanim load --devices 4 --indexed-names
  zanim load --config zanim.yaml --pty --metrics-addr 127.0.0.1:9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	f.StringVarP(&flags.devices, "devices", "n", "1", "Number of devices (decimal, 0x hex, 0o octal)")
	f.StringVar(&flags.name, "name", registry.DefaultName, "Endpoint name")
	f.BoolVar(&flags.indexedNames, "indexed-names", false, "Suffix each endpoint name with the device ordinal")
	f.IntVar(&flags.maxDeviceSize, "max-device-size", 0, "Per-device size limit in bytes (0 = unlimited)")
	f.IntVar(&flags.maxMinors, "max-minors", miscdev.DefaultMaxMinors, "Size of the host's minor number pool")
	f.BoolVar(&flags.exportPTY, "pty", false, "Export every endpoint through a pseudo-terminal")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9100)")
	return cmd
}

// buildConfig layers the config file and the explicitly set flags over the defaults
func buildConfig(cmd *cobra.Command, flags *loadFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}

	set := cmd.Flags().Changed
	if set("devices") {
		n, err := config.ParseDevices(flags.devices)
		if err != nil {
			return nil, err
		}
		cfg.Devices = n
	}
	if set("name") {
		cfg.Name = flags.name
	}
	if set("indexed-names") {
		cfg.IndexedNames = flags.indexedNames
	}
	if set("max-device-size") {
		cfg.MaxDeviceSize = flags.maxDeviceSize
	}
	if set("max-minors") {
		cfg.MaxMinors = flags.maxMinors
	}
	if set("pty") {
		cfg.ExportPTY = flags.exportPTY
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if set("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runLoad(cmd *cobra.Command, flags *loadFlags) error {
	cfg, err := buildConfig(cmd, flags)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	host := miscdev.NewHost(&miscdev.HostOptions{
		MaxMinors: cfg.MaxMinors,
		Logger:    logger,
	})
	m := metrics.New()

	reg, err := registry.Initialize(host, &registry.Options{
		Devices:       cfg.Devices,
		Name:          cfg.Name,
		IndexedNames:  cfg.IndexedNames,
		MaxDeviceSize: cfg.MaxDeviceSize,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	var nodes []*ptyio.Node
	if cfg.ExportPTY {
		if nodes, err = exportAll(host, reg, logger); err != nil {
			_ = reg.Teardown()
			return err
		}
	}

	out := cmd.OutOrStdout()
	printEndpoints(out, host, nodes)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		listener, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			closeAll(nodes, logger)
			_ = reg.Teardown()
			return fmt.Errorf("metrics listener: %w", err)
		}
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", listener.Addr())
		serveMetrics(gctx, g, listener, m, logger)
	}

	fmt.Fprintln(out, "Press Ctrl+C to unload")
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	waitErr := g.Wait()

	closeAll(nodes, logger)
	if err := reg.Teardown(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Unloaded %d device(s)\n", reg.Len())
	return waitErr
}

// exportAll exports every endpoint by minor, so shared names are all reachable
func exportAll(host *miscdev.Host, reg *registry.Registry, logger *logrus.Logger) ([]*ptyio.Node, error) {
	nodes := make([]*ptyio.Node, 0, reg.Len())
	for _, minor := range reg.Minors() {
		f, err := host.OpenMinor(minor, os.O_RDWR)
		if err != nil {
			closeAll(nodes, logger)
			return nil, err
		}
		node, err := ptyio.Export(f, &ptyio.Options{Logger: logger})
		if err != nil {
			_ = f.Close()
			closeAll(nodes, logger)
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func closeAll(nodes []*ptyio.Node, logger *logrus.Logger) {
	for _, n := range nodes {
		if err := n.Close(); err != nil {
			logger.WithError(err).WithField("tty", n.TTYName()).Warn("Failed to close export")
		}
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, listener net.Listener, m *metrics.Metrics, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.WithField("addr", listener.Addr().String()).Info("Serving metrics")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func printEndpoints(out io.Writer, host *miscdev.Host, nodes []*ptyio.Node) {
	ttys := make(map[int]string, len(nodes))
	for _, n := range nodes {
		ttys[n.File().Minor()] = n.TTYName()
	}

	header := color.New(color.FgCyan, color.Bold)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header.Sprint("MINOR")+"\t"+header.Sprint("ENDPOINT")+"\t"+header.Sprint("PTY"))
	for _, node := range host.Nodes() {
		tty := ttys[node.Minor]
		if tty == "" {
			tty = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", node.Minor, node.Name, tty)
	}
	_ = w.Flush()
}
