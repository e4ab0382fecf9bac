package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/cfg"
	"github.com/oisee/cftrace/pkg/config"
	"github.com/oisee/cftrace/pkg/harness"
	"github.com/oisee/cftrace/pkg/logging"
	"github.com/oisee/cftrace/pkg/trace"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string
	outFormat  string
	capacity   int
	timeout    time.Duration
	truncation string

	conf   config.Config
	logger *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cftrace",
		Short: "Run control-flow kernels on a VM or GPU backend and record the blocks they visit",
		Long: `cftrace executes a compiled control-flow kernel against a list of branch
directions and prints the sequence of basic blocks the kernel recorded.

Kernels run on the wasm backend (wazero) or a gpu backend ("gpu/soft",
"gpu/dispatch", or "gpu/wgpu" when built with -tags wgpu).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			conf, err = config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				conf.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				conf.Log.Format = logFormat
			}
			if flags.Changed("capacity") {
				conf.Capacity = capacity
			}
			if flags.Changed("timeout") {
				conf.Timeout = timeout
			}
			if flags.Changed("truncation") {
				conf.Truncation = truncation
			}
			if err := conf.Validate(); err != nil {
				return err
			}
			logger, err = logging.New(conf.Log.Level, conf.Log.Format)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Configuration file (YAML)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
	pf.StringVarP(&outFormat, "format", "f", string(trace.FormatText), "Trace output format (text, json)")
	pf.IntVar(&capacity, "capacity", trace.DefaultCapacity, "Trace buffer capacity in values, sentinel slot included")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "Per-execution timeout (0 disables)")
	pf.StringVar(&truncation, "truncation", trace.Reject.String(), "Truncated trace policy (reject, keep)")

	rootCmd.AddCommand(runCmd(), diffCmd(), expectCmd(), generateCmd(), campaignCmd(), reduceCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newHarness() *harness.Harness {
	h := harness.New(conf, logger)
	h.Format = trace.Format(outFormat)
	return h
}

// directionsSource opens the directions: a literal argument wins, otherwise
// path is read ("-" is stdin).
func directionsSource(args []string, path string) (io.ReadCloser, error) {
	if len(args) > 0 {
		d, err := trace.ParseDirections(args[0])
		if err != nil {
			return nil, err
		}
		b, err := d.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func runCmd() *cobra.Command {
	var (
		backendName string
		device      string
		dirsPath    string
		noInput     bool
	)
	cmd := &cobra.Command{
		Use:   "run <artifact> [directions]",
		Short: "Execute a kernel once and print its trace",
		Long: `Runs the kernel artifact on a fresh backend and prints the trace.
Directions are given as "1,1,0" or "[1,1,0]", or read as a JSON array from
--directions (default stdin).`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h := newHarness()
			if device != "" {
				h.Config.GPU.Device = device
			}
			if noInput {
				tr, err := h.Execute(cmd.Context(), harness.Request{
					Backend:  backendName,
					Artifact: args[0],
					NoInput:  true,
				})
				if err != nil {
					return err
				}
				return trace.Write(cmd.OutOrStdout(), tr, h.Format)
			}
			src, err := directionsSource(args[1:], dirsPath)
			if err != nil {
				return err
			}
			defer src.Close()
			_, err = h.Run(cmd.Context(), backendName, args[0], src, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVarP(&backendName, "backend", "b", harness.BackendWASM, "Backend (wasm, gpu, gpu/<driver>)")
	cmd.Flags().StringVar(&device, "device", "", "GPU driver, overriding gpu.device")
	cmd.Flags().StringVarP(&dirsPath, "directions", "d", "-", "Directions file, - for stdin")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "Kernel declares no directions region")
	return cmd
}

func diffCmd() *cobra.Command {
	var backendA, backendB string
	cmd := &cobra.Command{
		Use:   "diff <artifact-a> <artifact-b> <directions>",
		Short: "Run two kernels on the same directions and compare their traces",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := trace.ParseDirections(args[2])
			if err != nil {
				return err
			}
			h := newHarness()
			a, errA := h.Execute(cmd.Context(), harness.Request{Backend: backendA, Artifact: args[0], Directions: dirs})
			b, errB := h.Execute(cmd.Context(), harness.Request{Backend: backendB, Artifact: args[1], Directions: dirs})
			if errA != nil || errB != nil {
				return errors.Join(errA, errB)
			}
			if a.Equal(b) {
				fmt.Fprintf(cmd.OutOrStdout(), "match: %s\n", a)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mismatch (-%s +%s):\n%s", args[0], args[1], cmp.Diff(a, b))
			return errors.New("traces differ")
		},
	}
	cmd.Flags().StringVar(&backendA, "backend-a", harness.BackendWASM, "Backend for the first artifact")
	cmd.Flags().StringVar(&backendB, "backend-b", harness.BackendGPU, "Backend for the second artifact")
	return cmd
}

func expectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expect <graph> <directions>",
		Short: "Print the trace the control-flow graph predicts for the directions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := cfg.Load(args[0])
			if err != nil {
				return err
			}
			dirs, err := trace.ParseDirections(args[1])
			if err != nil {
				return err
			}
			tr, err := g.ExpectedTrace(dirs)
			if err != nil {
				return fmt.Errorf("expected trace: %w (walked %s)", err, tr)
			}
			return trace.Write(cmd.OutOrStdout(), tr, trace.Format(outFormat))
		},
	}
}

func generateCmd() *cobra.Command {
	var (
		count  int
		maxLen int
		seed   uint64
	)
	cmd := &cobra.Command{
		Use:   "generate <graph>",
		Short: "Generate direction sequences that drive the graph to an exit",
		Long: `Prints one JSON array of directions per line. The output is a cases file
for the campaign command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := cfg.Load(args[0])
			if err != nil {
				return err
			}
			cases, err := g.GenerateCases(seed, count, maxLen)
			if err != nil {
				return err
			}
			return writeCases(cmd.OutOrStdout(), cases)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of sequences")
	cmd.Flags().IntVar(&maxLen, "max-len", 64, "Maximum directions per sequence")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed")
	return cmd
}
