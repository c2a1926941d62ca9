// Package main provides the CLI entry point for the quicloop UDP runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/quicloop/internal/config"
	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/engine/echo"
	"github.com/postalsys/quicloop/internal/health"
	"github.com/postalsys/quicloop/internal/logging"
	"github.com/postalsys/quicloop/internal/metrics"
	"github.com/postalsys/quicloop/internal/reactor"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quicloop",
		Short: "quicloop - event-driven UDP runtime for QUIC engines",
		Long: `quicloop drives a QUIC protocol engine over UDP sockets.

It owns the sockets, batches datagram I/O with GSO and GRO where the
kernel supports them, schedules connection timeouts and routes every
datagram to its connection. The bundled binary runs an echo engine.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath  string
	listen      []string
	workers     int
	logLevel    string
	dumpMetrics bool
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the UDP runtime",
		Long:  "Bind the configured addresses and serve the echo engine until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg); err != nil {
				return err
			}
			if opts.dumpMetrics {
				return metrics.WriteText(cmd.OutOrStdout(), prometheus.DefaultGatherer)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (defaults apply when empty)")
	cmd.Flags().StringSliceVarP(&opts.listen, "listen", "l", nil, "UDP addresses to bind, overrides the config")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Number of reactors, overrides the config")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level, overrides the config")
	cmd.Flags().BoolVar(&opts.dumpMetrics, "dump-metrics", false, "Print metrics in text format on exit")

	return cmd
}

func loadConfig(cmd *cobra.Command, opts runOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("listen") {
		cfg.Listen = opts.listen
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = opts.workers
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reactorConfig maps the file configuration onto one reactor.
func reactorConfig(cfg *config.Config) reactor.Config {
	return reactor.Config{
		Listen:                 cfg.Listen,
		MaxSegmentSize:         cfg.MaxSegmentSize,
		MaxPacketsPerIteration: cfg.MaxPacketsPerIteration,
		PollIntervalCap:        cfg.PollIntervalCap,
		MaxConnections:         cfg.MaxConnections,
		MaxOutboundQueue:       cfg.MaxOutboundQueue,
		DropPolicy:             cfg.DropPolicy(),
		ReceiveBuffer:          int(cfg.SocketReceiveBuffer),
		SendBuffer:             int(cfg.SocketSendBuffer),
		DisableGSO:             cfg.DisableGSO,
		DisableGRO:             cfg.DisableGRO,
		DisablePacing:          cfg.DisablePacing,
		DrainTimeout:           cfg.DrainTimeout,
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	eng := echo.New(echo.Config{IdleTimeout: cfg.Echo.IdleTimeout})
	group, err := reactor.NewGroup(reactorConfig(cfg), eng, cfg.Workers,
		reactor.WithLogger(logger),
		reactor.WithMetrics(metrics.Default()),
	)
	if err != nil {
		return fmt.Errorf("failed to create reactors: %w", err)
	}

	var hs *health.Server
	if cfg.Health.Enabled {
		hcfg := health.DefaultServerConfig()
		hcfg.Address = cfg.Health.Address
		hs = health.NewServer(hcfg, group, logger)
		if err := hs.Start(); err != nil {
			group.Shutdown(context.Background())
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer hs.Stop()
	}

	logger.Info("quicloop starting",
		"version", Version,
		"workers", len(group.Reactors()),
		"listen", cfg.Listen)

	started := time.Now()
	err = group.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("reactor stopped", logging.KeyError, err)
	}

	// Run returns once every reactor has drained; Shutdown only covers
	// reactors that never started.
	sctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if serr := group.Shutdown(sctx); serr != nil {
		logger.Warn("shutdown incomplete", logging.KeyError, serr)
	}

	logger.Info("stopped",
		logging.KeyDuration, time.Since(started).Round(time.Millisecond),
		logging.KeyCount, eng.Created())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func probeCmd() *cobra.Command {
	var segmentSize int

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report UDP offload support",
		Long:  "Bind a loopback socket and report which UDP offloads and pacing options the kernel accepts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			support, err := dgram.Probe()
			if err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}
			printProbe(cmd.OutOrStdout(), support, segmentSize)
			return nil
		},
	}

	cmd.Flags().IntVar(&segmentSize, "segment-size", config.Default().MaxSegmentSize, "Segment size used to estimate batch sizes")

	return cmd
}

func printProbe(w io.Writer, support dgram.Support, segmentSize int) {
	fmt.Fprintf(w, "GSO (UDP_SEGMENT): %s\n", yesNo(support.GSO))
	fmt.Fprintf(w, "GRO (UDP_GRO):     %s\n", yesNo(support.GRO))
	fmt.Fprintf(w, "Pacing (SO_TXTIME): %s\n", yesNo(support.Pacing))
	if support.GSO && segmentSize > 0 {
		segments := dgram.SegmentsPerSend(segmentSize, false)
		fmt.Fprintf(w, "Largest send:      %s (%d segments of %s)\n",
			humanize.IBytes(uint64(segments*segmentSize)), segments, humanize.IBytes(uint64(segmentSize)))
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quicloop %s\n", Version)
		},
	}
}
