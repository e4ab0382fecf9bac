// Command cfdispatch hosts a gpu device for cftrace. It speaks the dispatch
// protocol on stdin and stdout and logs to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/gpu"
	"github.com/oisee/cftrace/pkg/gpu/dispatch"
	"github.com/oisee/cftrace/pkg/gpu/softgpu"
	"github.com/oisee/cftrace/pkg/logging"
)

func main() {
	var (
		driver   string
		adapter  string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "cfdispatch",
		Short: "GPU dispatch host for cftrace",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one device session on stdin/stdout",
		Long: `Opens a device with the chosen driver and answers dispatch requests from
stdin until the client releases the device or closes the pipe.

CFTRACE_GPU_DRIVER and CFTRACE_GPU_ADAPTER supply defaults for --driver and
--adapter.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, "json")
			if err != nil {
				return err
			}
			defer logger.Sync()

			if driver == dispatch.Driver {
				return fmt.Errorf("driver %q would start another dispatch host", driver)
			}
			dev, err := gpu.Open(cmd.Context(), driver, gpu.Options{Adapter: adapter, Logger: logger})
			if err != nil {
				return err
			}
			logger.Debug("serving", zap.String("driver", driver), zap.String("adapter", adapter))
			return dispatch.Serve(cmd.Context(), os.Stdin, os.Stdout, dev, logger)
		},
	}
	serveCmd.Flags().StringVar(&driver, "driver", envOr("CFTRACE_GPU_DRIVER", softgpu.Driver), "Device driver")
	serveCmd.Flags().StringVar(&adapter, "adapter", os.Getenv("CFTRACE_GPU_ADAPTER"), "Adapter selection passed to the driver")
	serveCmd.Flags().StringVar(&logLevel, "log-level", envOr("CFTRACE_LOG_LEVEL", "warn"), "Log level")

	driversCmd := &cobra.Command{
		Use:   "drivers",
		Short: "List the device drivers this build provides",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, d := range gpu.Drivers() {
				if d != dispatch.Driver {
					fmt.Fprintln(cmd.OutOrStdout(), d)
				}
			}
		},
	}

	rootCmd.AddCommand(serveCmd, driversCmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
