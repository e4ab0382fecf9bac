package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/campaign"
	"github.com/oisee/cftrace/pkg/cfg"
	"github.com/oisee/cftrace/pkg/reduce"
	"github.com/oisee/cftrace/pkg/result"
	"github.com/oisee/cftrace/pkg/trace"
)

// readCases decodes a stream of JSON direction arrays, one per case.
func readCases(r io.Reader) ([]trace.Directions, error) {
	dec := json.NewDecoder(r)
	var out []trace.Directions
	for dec.More() {
		var d trace.Directions
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("case %d: %w", len(out), err)
		}
		out = append(out, d)
	}
	return out, nil
}

func writeCases(w io.Writer, cases []trace.Directions) error {
	enc := json.NewEncoder(w)
	for _, d := range cases {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return nil
}

func loadCases(path string, g *cfg.Graph) ([]trace.Directions, error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readCases(f)
	}
	if g == nil {
		return nil, errors.New("need --cases or a graph to generate cases from")
	}
	cc := conf.Campaign
	return g.GenerateCases(cc.Seed, cc.Cases, cc.MaxDirections)
}

// serveMetrics exposes reg on addr until the process exits.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
}

func campaignCmd() *cobra.Command {
	var (
		graphPath string
		casesPath string
		output    string
		resume    string
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Run every case on every configured target and compare the traces",
		Long: `Runs a differential campaign over campaign.targets from the config file.
With a graph (--graph or campaign.graph) every trace is checked against the
graph walk; otherwise the first target is the reference.

Cases come from --cases (JSON arrays, one per line) or are generated from
the graph. The command fails when any case is a mismatch or fault.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("workers") {
				conf.Campaign.Workers = workers
			}
			if graphPath == "" {
				graphPath = conf.Campaign.Graph
			}
			var oracle *cfg.Graph
			if graphPath != "" {
				g, err := cfg.Load(graphPath)
				if err != nil {
					return err
				}
				oracle = g
			}
			dirs, err := loadCases(casesPath, oracle)
			if err != nil {
				return err
			}

			var prior *result.Table
			if resume != "" {
				ckpt, err := result.LoadCheckpoint(resume)
				if err != nil {
					return err
				}
				prior = ckpt.Restore()
				conf.Campaign.Checkpoint = resume
				logger.Info("resuming", zap.String("campaign", ckpt.Campaign), zap.Int("done", prior.Len()))
			}

			var metrics *campaign.Metrics
			if addr := conf.Campaign.Metrics; addr != "" {
				reg := prometheus.NewRegistry()
				metrics = campaign.NewMetrics(reg)
				serveMetrics(addr, reg)
			}

			h := newHarness()
			targets, err := h.Targets(conf.Campaign.Targets)
			if err != nil {
				return err
			}
			c, err := h.Campaign(targets, oracle, metrics)
			if err != nil {
				return err
			}

			started := time.Now()
			tbl, runErr := c.Run(cmd.Context(), campaign.Cases(dirs), prior)
			rep := &result.Report{
				ID:       c.ID,
				Started:  started,
				Finished: time.Now(),
				Oracle:   graphPath,
				Seed:     conf.Campaign.Seed,
				Summary:  tbl.Summary(),
				Records:  tbl.Records(),
			}
			for _, t := range targets {
				rep.Targets = append(rep.Targets, t.Name)
			}

			s := rep.Summary
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %s: %d cases, %d match, %d mismatch, %d fault\n",
				c.ID, s.Cases, s.Match, s.Mismatch, s.Fault)
			for _, r := range rep.Records {
				if r.Verdict != result.Match {
					fmt.Fprintf(cmd.OutOrStdout(), "  case %d %s %s: %s\n", r.Case, r.Verdict, r.Directions, r.Detail)
				}
			}

			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := result.WriteJSON(f, rep); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Written to %s\n", output)
			}
			if runErr != nil {
				return runErr
			}
			if !s.OK() {
				return fmt.Errorf("%d mismatches, %d faults", s.Mismatch, s.Fault)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "Control-flow graph used as oracle and case generator")
	cmd.Flags().StringVar(&casesPath, "cases", "", "Cases file (JSON direction arrays)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output JSON report path")
	cmd.Flags().StringVar(&resume, "resume", "", "Checkpoint file to resume from and keep updating")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of workers (0 = NumCPU)")
	return cmd
}

func reduceCmd() *cobra.Command {
	var (
		graphPath string
		refName   string
		maxTests  int
	)
	cmd := &cobra.Command{
		Use:   "reduce <target> <directions>",
		Short: "Shrink a failing direction sequence",
		Long: `Removes runs of directions while the named campaign target still
disagrees with the graph (--graph) or with a reference target (--reference),
and prints every smaller failing sequence found, shortest first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := trace.ParseDirections(args[1])
			if err != nil {
				return err
			}
			h := newHarness()
			targets, err := h.Targets(conf.Campaign.Targets)
			if err != nil {
				return err
			}
			find := func(name string) (*campaign.Target, error) {
				for i := range targets {
					if targets[i].Name == name {
						return &targets[i], nil
					}
				}
				return nil, fmt.Errorf("no campaign target %q in the config", name)
			}
			target, err := find(args[0])
			if err != nil {
				return err
			}

			var (
				oracle *cfg.Graph
				ref    *campaign.Target
			)
			if graphPath == "" && refName == "" {
				graphPath = conf.Campaign.Graph
			}
			if graphPath != "" {
				if oracle, err = cfg.Load(graphPath); err != nil {
					return err
				}
			}
			if refName != "" {
				if ref, err = find(refName); err != nil {
					return err
				}
			}

			fails, err := h.Mismatch(*target, oracle, ref)
			if err != nil {
				return err
			}
			ok, err := fails(cmd.Context(), dirs)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s does not fail on %s", args[0], dirs)
			}

			r := &reduce.Reducer{Fails: fails, MaxTests: maxTests, Logger: logger}
			found, err := r.Reduce(cmd.Context(), dirs)
			if err != nil && !errors.Is(err, reduce.ErrBudget) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d failing sequences in %d tests\n", len(found), r.Tests())
			for _, d := range found {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "Control-flow graph used as oracle")
	cmd.Flags().StringVar(&refName, "reference", "", "Campaign target used as reference instead of a graph")
	cmd.Flags().IntVar(&maxTests, "max-tests", reduce.DefaultMaxTests, "Predicate call budget")
	return cmd
}
