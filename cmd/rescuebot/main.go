package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rescuebot/internal/api"
	"rescuebot/internal/config"
	"rescuebot/internal/ingest"
	"rescuebot/internal/pipeline"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rescuebot",
	Short: "rescuebot - automated remediation for CloudWatch alarms",
	Long: `rescuebot ingests CloudWatch alarm notifications, maps each alarm to a
salt remediation command, runs it on the affected minion, asks an LLM for an
analysis of the result and posts the outcome to Slack.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rescuebot version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rescuebot.yaml", "path to the YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(migrateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, the batch scheduler and the operational API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath, logLevel)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := a.store.Init(ctx); err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		cfg := a.cfg.Get()

		ingestor := ingest.NewIngestor(a.store, cfg.Ingest.DedupeWindow, a.logger.With("component", "ingest"))
		ingest.StartREST(ctx, cfg.Ingest.REST, ingestor, a.logger)
		ingest.StartKafka(ctx, cfg.Ingest.Kafka, ingestor, a.logger)

		scheduler := pipeline.NewScheduler(a.driver, cfg.Pipeline.Interval, a.logger.With("component", "scheduler"))
		if cfg.Pipeline.AutoStart {
			scheduler.Start()
		}

		deps := api.Deps{
			Store:     a.store,
			Batch:     a.driver,
			Scheduler: scheduler,
			History:   a.history,
			Notifier:  a.notifier,
			Config:    a.cfg,
			Rules:     a.resolver,
		}
		if a.salt != nil {
			deps.Fleet = a.salt
		}
		api.Start(ctx, cfg.API, deps, a.logger, Version)

		stop := make(chan struct{})
		go a.cfg.Watch(3*time.Second, func(next *config.Config) {
			a.resolver.UpdateRules(next.Rules)
			scheduler.SetInterval(next.Pipeline.Interval)
			a.logger.Info("config reloaded", "path", a.cfg.Path())
		}, func(err error) {
			a.logger.Warn("config reload failed", "err", err)
		}, stop)

		a.logger.Info("rescuebot running", "version", Version)
		<-ctx.Done()
		close(stop)
		a.logger.Info("shutting down")
		scheduler.Stop()
		return nil
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process every record above the watermark and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath, logLevel)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		if err := a.store.Init(ctx); err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		summary, err := a.driver.RunOnce(ctx)
		summary.Results = nil
		if printErr := printJSON(cmd, summary); printErr != nil {
			return printErr
		}
		return err
	},
}

var processCmd = &cobra.Command{
	Use:   "process <record-id>",
	Short: "Reprocess one alarm metric record regardless of the watermark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		a, err := newApp(configPath, logLevel)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		if err := a.store.Init(ctx); err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		res, err := a.driver.ProcessByID(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and the watermark row",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath, logLevel)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		if err := a.store.Init(ctx); err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		wm, err := a.store.EnsureWatermark(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s), watermark at %d\n", a.cfg.Get().Storage.Driver, wm.LastProcessedID)
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
