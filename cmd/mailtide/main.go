package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mailtide/mailtide/internal/app"
	"github.com/mailtide/mailtide/internal/config"
	"github.com/mailtide/mailtide/internal/queue"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailtide",
	Short: "Mailtide - outreach delivery engine",
	Long:  `Mailtide schedules and delivers warmup and campaign email through provider mailboxes or a relay.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery engine",
	Long:  `Start the schedulers, delivery workers and the HTTP API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue inspection commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued jobs",
	RunE:  runQueueList,
}

var (
	listState string
	listKind  string
	listOwner string
	listLimit int
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailtide version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	queueListCmd.Flags().StringVar(&listState, "state", "", "filter by state (waiting, delayed, active, completed, failed)")
	queueListCmd.Flags().StringVar(&listKind, "owner-kind", "", "filter by owner kind (warmup, campaign)")
	queueListCmd.Flags().StringVar(&listOwner, "owner-id", "", "filter by owner id")
	queueListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum jobs to list")

	configCmd.AddCommand(configValidateCmd)
	queueCmd.AddCommand(queueStatsCmd, queueListCmd)
	rootCmd.AddCommand(serveCmd, configCmd, queueCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Queue: %s\n", cfg.Storage.QueuePath)
	fmt.Printf("  Database: %s\n", cfg.Storage.DatabasePath)
	fmt.Printf("  Workers: %d\n", cfg.Delivery.Workers)
	return nil
}

func openQueue(cfg *config.Config) (*queue.BoltStore, error) {
	return queue.NewBoltStore(cfg.Storage.QueuePath, queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Base:        cfg.Queue.RetryBase,
		Max:         cfg.Queue.RetryMax,
	})
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := openQueue(cfg)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	stats, err := q.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Waiting:   %d\n", stats.Waiting)
	fmt.Printf("Delayed:   %d\n", stats.Delayed)
	fmt.Printf("Active:    %d\n", stats.Active)
	fmt.Printf("Completed: %d\n", stats.Completed)
	fmt.Printf("Failed:    %d\n", stats.Failed)
	fmt.Printf("Total:     %d\n", stats.Total)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := openQueue(cfg)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	jobs, err := q.List(cmd.Context(), queue.ListFilter{
		State:     queue.JobState(listState),
		OwnerKind: queue.OwnerKind(listKind),
		OwnerID:   listOwner,
		Limit:     listLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tOWNER\tFROM\tTO\tATTEMPTS\tNOT BEFORE")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%d\t%s\n",
			j.ID, j.State, j.OwnerKind, j.OwnerID, j.From, j.To, j.Attempts,
			j.NotBefore.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
