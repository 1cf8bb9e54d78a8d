// Command assetledger runs the audit ledger and snapshot export service and
// its operator tooling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/assetledger/internal/api"
	"github.com/yourorg/assetledger/internal/config"
	"github.com/yourorg/assetledger/internal/delivery"
	"github.com/yourorg/assetledger/internal/queue"
	"github.com/yourorg/assetledger/internal/scheduler"
	"github.com/yourorg/assetledger/internal/snapshot"
	"github.com/yourorg/assetledger/internal/snapshotrun"
)

var (
	configPath string
	envFile    string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:           "assetledger",
	Short:         "Tamper-evident audit ledger and snapshot export",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.Options{EnvFile: envFile, YAMLFile: configPath})
		if err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		cfg = loaded
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the snapshot scheduler and the event consumer",
	RunE:  runServe,
}

var (
	snapshotMethod    string
	snapshotRecipient string
	snapshotOut       string
	actorFlag         int64
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Build and deliver one audit snapshot now",
	RunE:  runSnapshot,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger, a mirror log or a snapshot bundle",
}

var verifyLedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Recompute every ledger digest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			report, err := a.ledger.Verify(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.OK {
				return errors.New("ledger verification failed")
			}
			return nil
		})
	},
}

var verifyMirrorCmd = &cobra.Command{
	Use:   "mirror [channel...]",
	Short: "Recompute mirror log row hashes (all channels by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			channels := args
			if len(channels) == 0 {
				channels = a.mirror.Channels()
			}
			failed := false
			for _, ch := range channels {
				report, err := a.mirror.Verify(ctx, ch)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				failed = failed || !report.OK
			}
			if failed {
				return errors.New("mirror verification failed")
			}
			return nil
		})
	},
}

var verifyBundleCmd = &cobra.Command{
	Use:   "bundle <file.zip>",
	Short: "Check a snapshot bundle against its manifest",
	Args:  cobra.ExactArgs(1),
	// A bundle check needs no database.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		report, err := snapshot.VerifyBundle(data)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.OK {
			return errors.New("bundle verification failed")
		}
		return nil
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Administer the audit ledger",
}

var ledgerEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn ledger recording on",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setLedger(cmd.Context(), true) },
}

var ledgerDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn ledger recording off (a gap marker is recorded)",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setLedger(cmd.Context(), false) },
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment (ignored if missing)")

	snapshotCmd.Flags().StringVarP(&snapshotMethod, "method", "m", snapshotrun.MethodDownload, "delivery method: download, email or multi-channel")
	snapshotCmd.Flags().StringVarP(&snapshotRecipient, "recipient", "r", "", "recipient email address")
	snapshotCmd.Flags().StringVarP(&snapshotOut, "out", "o", ".", "directory for a downloaded bundle")
	for _, c := range []*cobra.Command{snapshotCmd, ledgerEnableCmd, ledgerDisableCmd} {
		c.Flags().Int64Var(&actorFlag, "actor", 0, "user id recorded as the actor (0 for system)")
	}

	verifyCmd.AddCommand(verifyLedgerCmd, verifyMirrorCmd, verifyBundleCmd)
	ledgerCmd.AddCommand(ledgerEnableCmd, ledgerDisableCmd)
	rootCmd.AddCommand(serveCmd, snapshotCmd, verifyCmd, ledgerCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() *int64 {
	if actorFlag <= 0 {
		return nil
	}
	id := actorFlag
	return &id
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		sched := scheduler.New(scheduler.Options{
			PollInterval:      cfg.Scheduler.PollInterval,
			MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
			Clock:             a.clock,
			Logger:            a.logger.With("component", "scheduler"),
		}, scheduler.Job{Name: "audit_snapshot", Run: a.runner.RunScheduledIfDue})

		srv := api.NewServer(api.Deps{
			Runner:             a.runner,
			Runs:               a.runs,
			Schedules:          a.schedules,
			Ledger:             a.ledger,
			Mirrors:            a.mirror,
			Incidents:          a.incidents,
			Jobs:               sched,
			Metrics:            a.metrics.Handler(),
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			Clock:              a.clock,
			Logger:             a.logger,
		})
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.logger.Info("assetledger api listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		g.Go(func() error { return sched.Start(ctx) })
		if cfg.Kafka.Enabled {
			consumer := queue.NewConsumer(queue.NewKafkaReader(queue.Config{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.Topic,
				GroupID: cfg.Kafka.GroupID,
			}), a.recorder, a.logger.With("component", "kafka"))
			g.Go(func() error {
				defer consumer.Close()
				return consumer.Listen(ctx)
			})
		}
		return g.Wait()
	})
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		res, err := a.runner.Run(ctx, snapshotrun.Request{
			Trigger:   snapshotrun.TriggerManual,
			Method:    snapshotMethod,
			Recipient: snapshotRecipient,
			CreatedBy: actor(),
		})
		if res.Bundle != nil && snapshotMethod == snapshotrun.MethodDownload {
			receipt, werr := delivery.LocalChannel{Dir: snapshotOut}.Deliver(ctx, res.Bundle)
			if werr != nil {
				return fmt.Errorf("write bundle: %w", werr)
			}
			fmt.Fprintln(os.Stderr, "bundle written to", receipt.Locations[delivery.ArtifactZip])
		}
		if res.Run.Status != "" {
			if perr := printJSON(res.Run); perr != nil {
				return perr
			}
		}
		return err
	})
}

func setLedger(ctx context.Context, enabled bool) error {
	return withApp(ctx, func(ctx context.Context, a *app) error {
		if err := a.ledger.SetEnabled(ctx, enabled, actor()); err != nil {
			return err
		}
		return printJSON(map[string]bool{"enabled": enabled})
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
