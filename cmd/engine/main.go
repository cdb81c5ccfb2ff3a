package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"partstream/internal/engine"
	"partstream/internal/logging"
	"partstream/internal/transport"
	"partstream/source/kafka"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Per-partition Kafka consumer engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.InitFromEnv()
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-json") {
				logging.Configure(logging.Options{Level: logLevel, JSON: logJSON})
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")
	root.AddCommand(runCmd(), healthCmd(), driversCmd())
	return root
}

func runCmd() *cobra.Command {
	cfg := engine.Config{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.Bootstrap(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			return e.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.PipelineYml, "pipeline", "pipeline.yml", "pipeline file")
	f.StringVar(&cfg.AdminAddr, "admin-addr", ":9100", "admin/metrics listen address, empty to disable")
	f.IntVar(&cfg.GRPCPort, "grpc-port", 7070, "gRPC health port")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful drain limit")
	return cmd
}

func healthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the health service of a running engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := transport.Dial(addr)
			if err != nil {
				return err
			}
			defer cc.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := transport.Check(ctx, cc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.ToLower(st.String()))
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("consumer not serving")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:7070", "engine gRPC address")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func driversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the available broker drivers",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, d := range kafka.Drivers() {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
		},
	}
}
