package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/controller"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/feed"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/schedule"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/state"
)

// shutdownTimeout bounds the final tick and server drain.
const shutdownTimeout = 10 * time.Second

// #region main
func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var (
		cfgPath  string
		feedFile string
		noWatch  bool
	)
	root := &cobra.Command{
		Use:          "quality-controller",
		Short:        "Adaptive quality threshold controller",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if feedFile != "" {
				cfg.Feed.File = feedFile
			}
			watchPath := cfgPath
			if noWatch {
				watchPath = ""
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, watchPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to controller.yaml (defaults apply when empty)")
	root.Flags().StringVar(&feedFile, "feed", "", "replay feedback from a JSONL file at startup")
	root.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload settings when the config file changes")
	root.AddCommand(newDefaultsCmd())
	return root
}

func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return config.Default().Save(args[0])
			}
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// #endregion main

// #region run
func run(ctx context.Context, cfg *config.Config, watchPath string) error {
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if cfg.Tracing.Stdout {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	backend, err := state.Open(ctx, state.OpenConfig{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	wall := clock.New()
	gateway := state.NewGateway(backend.KV, cfg.GatewayConfig(), wall, logger)

	opts := cfg.ControllerOptions()
	opts.Clock = wall
	opts.Logger = logger
	opts.Gateway = gateway
	opts.Metrics = metrics.New(prometheus.DefaultRegisterer)
	if cfg.Storage.ProvenanceLog {
		if backend.DB == nil {
			logger.Warn("Provenance log needs sqlite storage; disabled", slog.String("driver", cfg.Storage.Driver))
		} else {
			sink, err := logging.NewLog(backend.DB)
			if err != nil {
				return fmt.Errorf("open provenance log: %w", err)
			}
			opts.Sink = sink
		}
	}

	c, err := controller.New(opts)
	if err != nil {
		return err
	}
	res := c.Restore(ctx)
	logger.Info("Quality controller ready",
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("restored_thresholds", res.ThresholdsApplied),
		slog.Int("restored_history", res.HistoryRecords),
		slog.Duration("tick", cfg.Tick.Interval))

	ticker := schedule.NewTicker(wall, cfg.Tick.Interval)
	schedule.Bind(ticker, c, logger)
	if err := ticker.Start(ctx); err != nil {
		return err
	}

	health := newHealth()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })
	}
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return health.serve(gctx, cfg.Server.GRPCAddr, logger) })
	}
	if cfg.Feed.File != "" {
		g.Go(func() error {
			st, err := feed.ReadFile(gctx, cfg.Feed.File, logger, func(env feed.Envelope) error {
				ticker.Deliver(env.FeedbackRecord)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Feedback file failed", slog.String("path", cfg.Feed.File), slog.String("error", err.Error()))
				return nil
			}
			logger.Info("Feedback file consumed",
				slog.String("path", cfg.Feed.File),
				slog.Int("decoded", st.Decoded),
				slog.Int("skipped", st.Skipped))
			return nil
		})
	}
	if cfg.Feed.NATSURL != "" {
		src, err := feed.SubscribeNATS(cfg.Feed.NATSURL, cfg.Feed.Subject, logger, func(env feed.Envelope) {
			ticker.Deliver(env.FeedbackRecord)
		})
		if err != nil {
			ticker.Stop()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return src.Close()
		})
	}
	if watchPath != "" {
		g.Go(func() error { return config.Watch(gctx, watchPath, logger, settingsReloader(c, cfg.Settings, logger)) })
	}

	err = g.Wait()
	health.shutdown()
	ticker.Stop()

	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := c.Close(cctx); cerr != nil {
		logger.Warn("Final tick failed", slog.String("error", cerr.Error()))
	}
	logger.Info("Quality controller stopped")
	return err
}

// settingsReloader applies the settings section of a reloaded file. The
// learning rate is only sent when the file changed it, so an edit
// elsewhere does not cancel a pending post-escalation restore.
func settingsReloader(c *controller.Controller, initial controller.Settings, logger *slog.Logger) func(*config.Config) {
	prev := initial
	return func(next *config.Config) {
		patch := controller.PatchFrom(next.Settings)
		if next.Settings.LearningRate == prev.LearningRate {
			patch.LearningRate = nil
		}
		if err := c.UpdateSettings(patch); err != nil {
			logger.Warn("Settings reload rejected", slog.String("error", err.Error()))
			return
		}
		prev = next.Settings
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// #endregion run
