package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/feed"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/replay"
)

// errDiverged makes the process exit 1 without printing usage.
var errDiverged = errors.New("replay diverged from fixture expectations")

// #region main

func main() {
	if err := newRoot().Execute(); err != nil {
		if errors.Is(err, errDiverged) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func newRoot() *cobra.Command {
	var (
		fixturePath string
		feedPath    string
		cfgPath     string
		step        time.Duration
		tick        time.Duration
		every       int
		jsonOut     bool
		reportPath  string
	)
	root := &cobra.Command{
		Use:          "replay",
		Short:        "Replay recorded feedback through the controller on a virtual clock",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (fixturePath == "") == (feedPath == "") {
				return errors.New("exactly one of --fixture or --feed is required")
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			if fixturePath != "" {
				return runFixtureMode(ctx, out, fixturePath, jsonOut, reportPath)
			}
			cfg := replay.DefaultConfig()
			if cfgPath != "" {
				file, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg.Options = file.ControllerOptions()
			}
			if step > 0 {
				cfg.Step = step
			}
			if tick > 0 {
				cfg.TickEvery = tick
			}
			cfg.Persist = true
			return runFeedMode(ctx, out, feedPath, cfg, every, jsonOut, reportPath)
		},
	}
	root.Flags().StringVar(&fixturePath, "fixture", "", "path to a fixture JSON (fixture mode)")
	root.Flags().StringVar(&feedPath, "feed", "", "path to a feedback JSONL file (feed mode)")
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "controller.yaml for feed mode")
	root.Flags().DurationVar(&step, "step", 0, "virtual time between untimed records")
	root.Flags().DurationVar(&tick, "tick", 0, "virtual tick interval")
	root.Flags().IntVar(&every, "every", 10, "print one table row per N records (0 prints none)")
	root.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	root.Flags().StringVar(&reportPath, "report", "", "also write the summary JSON to this path")
	return root
}

// #endregion main

// #region modes

func runFixtureMode(ctx context.Context, out io.Writer, path string, jsonOut bool, reportPath string) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	_, sum, err := replay.Replay(ctx, f.Feedback, f.ToConfig())
	if err != nil {
		return err
	}
	if err := emit(out, sum, jsonOut, reportPath); err != nil {
		return err
	}
	diffs := f.Check(sum)
	sort.Strings(diffs)
	for _, d := range diffs {
		fmt.Fprintf(out, "DIFF  %s\n", d)
	}
	if len(diffs) > 0 {
		return errDiverged
	}
	fmt.Fprintf(out, "OK    %s\n", f.Description)
	return nil
}

func runFeedMode(ctx context.Context, out io.Writer, path string, cfg replay.Config, every int, jsonOut bool, reportPath string) error {
	var envs []feed.Envelope
	st, err := feed.ReadFile(ctx, path, nil, func(e feed.Envelope) error {
		envs = append(envs, e)
		return nil
	})
	if err != nil {
		return err
	}
	results, sum, err := replay.Replay(ctx, envs, cfg)
	if err != nil {
		return err
	}
	if !jsonOut {
		printSteps(out, results, every)
		fmt.Fprintf(out, "skipped %d undecodable lines\n", st.Skipped)
	}
	return emit(out, sum, jsonOut, reportPath)
}

// #endregion modes

// #region output

func printSteps(out io.Writer, results []replay.StepResult, every int) {
	if every <= 0 {
		return
	}
	fmt.Fprintf(out, "%-6s| %-6s| %-9s| %-8s| %s\n", "Index", "Grade", "Accepted", "Rate", "Escalated")
	fmt.Fprintf(out, "%-6s+%-7s+%-10s+%-9s+%s\n", "------", "-------", "----------", "---------", "----------")
	for _, r := range results {
		if (r.Index+1)%every != 0 && r.Index != len(results)-1 {
			continue
		}
		fmt.Fprintf(out, "%-6d| %-6s| %-9t| %-8.4f| %t\n", r.Index, r.Grade, r.Accepted, r.Rate, r.Escalated)
	}
	fmt.Fprintln(out)
}

func emit(out io.Writer, sum replay.Summary, jsonOut bool, reportPath string) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if reportPath != "" {
		if err := os.WriteFile(reportPath, data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if jsonOut {
		_, err := fmt.Fprintln(out, string(data))
		return err
	}
	fmt.Fprintf(out, "Run %s: %d records, %d accepted, %d rejected, %d ticks, %d escalations\n",
		sum.RunID, sum.Total, sum.Accepted, sum.Rejected, sum.Ticks, sum.Escalations)
	fmt.Fprintf(out, "Status %s: rate %.4f target %.4f avg score %.4f\n",
		sum.Report.Status, sum.Report.CurrentRate, sum.Report.TargetRate, sum.Report.AverageScore)
	names := make([]string, 0, len(sum.Status.Thresholds))
	for name := range sum.Status.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		th := sum.Status.Thresholds[name]
		fmt.Fprintf(out, "  %-16s %.4f (base %.4f)\n", name, th.Current, th.Base)
	}
	return nil
}

// #endregion output
