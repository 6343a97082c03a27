package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/state"
)

// #region main

type options struct {
	cfgPath string
	driver  string
	path    string
	dsn     string
	history int
	log     int
	kind    string
	jsonOut bool
	reset   bool
}

func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var o options
	root := &cobra.Command{
		Use:          "inspect",
		Short:        "Show the persisted controller snapshot, history and decision log",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	f := root.Flags()
	f.StringVarP(&o.cfgPath, "config", "c", "", "controller.yaml to take storage settings from")
	f.StringVar(&o.driver, "driver", "", "storage driver (sqlite, badger, postgres)")
	f.StringVar(&o.path, "db", "", "sqlite file or badger directory")
	f.StringVar(&o.dsn, "dsn", "", "postgres connection string")
	f.IntVar(&o.history, "history", 0, "show the N most recent history records")
	f.IntVar(&o.log, "log", 0, "show the N most recent regime decisions (sqlite only)")
	f.StringVar(&o.kind, "kind", "", "filter decisions by kind")
	f.BoolVar(&o.jsonOut, "json", false, "output as JSON instead of tables")
	f.BoolVar(&o.reset, "reset", false, "delete the persisted snapshot and history")
	return root
}

// #endregion main

// #region run

type snapshotView struct {
	SavedAt    time.Time                 `json:"saved_at"`
	Age        string                    `json:"age"`
	Stale      bool                      `json:"stale"`
	Thresholds map[string]float64        `json:"thresholds"`
	Settings   state.Settings            `json:"settings"`
	Metrics    ledger.PerformanceMetrics `json:"metrics"`
}

type output struct {
	Snapshot  *snapshotView             `json:"snapshot"`
	History   []ledger.EvaluationRecord `json:"history,omitempty"`
	Decisions []logging.ProvenanceEntry `json:"decisions,omitempty"`
}

func run(ctx context.Context, w io.Writer, o options) error {
	cfg := config.Default()
	if o.cfgPath != "" {
		loaded, err := config.Load(o.cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	open := state.OpenConfig{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, DSN: cfg.Storage.DSN}
	if o.driver != "" {
		open.Driver = o.driver
	}
	if o.path != "" {
		open.Path = o.path
	}
	if o.dsn != "" {
		open.DSN = o.dsn
	}
	if open.Driver == "memory" {
		return errors.New("memory storage has nothing to inspect")
	}

	backend, err := state.Open(ctx, open)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	// Load everything regardless of age; staleness is reported, not applied.
	gwCfg := cfg.GatewayConfig()
	maxAge := gwCfg.MaxAge
	gwCfg.MaxAge = math.MaxInt64
	wall := clock.New()
	gw := state.NewGateway(backend.KV, gwCfg, wall, nil)

	if o.reset {
		if !gw.Clear(ctx) {
			return errors.New("reset failed")
		}
		fmt.Fprintln(w, "snapshot and history cleared")
		return nil
	}

	var out output
	if snap := gw.Load(ctx); snap != nil {
		age := wall.Since(snap.SavedAt())
		out.Snapshot = &snapshotView{
			SavedAt:    snap.SavedAt(),
			Age:        age.Round(time.Second).String(),
			Stale:      age > maxAge,
			Thresholds: snap.Thresholds,
			Settings:   snap.Settings,
			Metrics:    snap.Metrics,
		}
	}
	if o.history > 0 {
		h := gw.LoadHistory(ctx)
		if len(h) > o.history {
			h = h[len(h)-o.history:]
		}
		out.History = h
	}
	if o.log > 0 {
		if backend.DB == nil {
			return errors.New("the decision log is only kept in sqlite storage")
		}
		plog, err := logging.NewLog(backend.DB)
		if err != nil {
			return err
		}
		out.Decisions, err = plog.Recent(ctx, o.log, logging.Kind(o.kind))
		if err != nil {
			return err
		}
	}

	if o.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printText(w, out)
	return nil
}

// #endregion run

// #region output

func printText(w io.Writer, out output) {
	if out.Snapshot == nil {
		fmt.Fprintln(w, "no snapshot stored")
	} else {
		s := out.Snapshot
		stale := ""
		if s.Stale {
			stale = " (stale, thresholds would reset to base on restore)"
		}
		fmt.Fprintf(w, "Snapshot saved %s, %s ago%s\n", s.SavedAt.Format(time.RFC3339), s.Age, stale)
		fmt.Fprintf(w, "  target %.4f  rate %.4f  sensitivity %.4f  learning %.4f  boost %t\n",
			s.Settings.TargetRate, s.Settings.CurrentRate, s.Settings.AdjustmentSensitivity,
			s.Settings.LearningRate, s.Settings.QualityBoostEnabled)
		fmt.Fprintf(w, "  analyses %d  passes %d  avg score %.4f  improvement %.4f\n",
			s.Metrics.TotalCount, s.Metrics.PassCount, s.Metrics.RunningAverageScore, s.Metrics.ImprovementTrend)
		names := make([]string, 0, len(s.Thresholds))
		for name := range s.Thresholds {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "\n%-16s  %s\n", "Component", "Threshold")
		fmt.Fprintf(w, "%-16s+-%s\n", "----------------", "---------")
		for _, name := range names {
			fmt.Fprintf(w, "%-16s  %.4f\n", name, s.Thresholds[name])
		}
	}

	if len(out.History) > 0 {
		fmt.Fprintf(w, "\n%-20s  %-5s  %s\n", "Time", "Grade", "Score")
		fmt.Fprintf(w, "%-20s+-%-5s+-%s\n", "--------------------", "-----", "------")
		for _, r := range out.History {
			fmt.Fprintf(w, "%-20s  %-5s  %.4f\n", r.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), r.Grade, r.QualityScore)
		}
	}

	if len(out.Decisions) > 0 {
		fmt.Fprintf(w, "\n%-20s  %-10s  %-22s  %6s  %s\n", "Time", "Kind", "Rule", "Rate", "Reason")
		fmt.Fprintf(w, "%-20s+-%-10s+-%-22s+-%6s+-%s\n",
			"--------------------", "----------", "----------------------", "------", "------")
		for _, e := range out.Decisions {
			fmt.Fprintf(w, "%-20s  %-10s  %-22s  %6.4f  %s\n",
				e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), e.Kind, e.Rule, e.Rate, e.Reason)
		}
	}
}

// #endregion output
