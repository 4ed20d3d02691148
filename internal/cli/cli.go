// Package cli wires the cobra subcommands: serve, migrate, list, get.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignatij/gosched/internal/config"
	internal_http "github.com/ignatij/gosched/internal/http"
	"github.com/ignatij/gosched/internal/log"
	"github.com/ignatij/gosched/internal/metrics"
	internal_storage "github.com/ignatij/gosched/internal/storage"
	"github.com/ignatij/gosched/migrations"
	"github.com/ignatij/gosched/pkg/models"
	"github.com/ignatij/gosched/pkg/service"
)

const stopTimeout = 5 * time.Second

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer closeStore(store)

			m := metrics.New()
			logger := log.GetLogger()
			worker := service.NewWorker(store, logger, m)
			scheduler, err := service.NewScheduler(store, service.SchedulerConfig{
				MaxConcurrentTasks: cfg.MaxConcurrent,
				SchedTickMs:        cfg.SchedTickMs,
				LeaseMs:            cfg.LeaseMs,
				RecoveryIntervalMs: cfg.RecoveryIntervalMs,
				ClaimBatchSize:     cfg.ClaimBatchSize,
			}, worker, logger, m)
			if err != nil {
				logger.Errorf("Invalid scheduler config: %v", err)
				os.Exit(1)
			}
			if err := scheduler.Start(); err != nil {
				logger.Errorf("Failed to start scheduler: %v", err)
				os.Exit(1)
			}
			defer func() {
				if err := scheduler.Stop(stopTimeout); err != nil {
					logger.Errorf("Scheduler shutdown: %v", err)
				}
			}()

			submit := service.NewSubmitService(store, cfg.MaxAttempts, logger, m)
			server := internal_http.NewServer(store, submit, m)
			if err := server.Run(cfg.Host, cfg.Port); err != nil {
				logger.Errorf("Server error: %v", err)
				os.Exit(1)
			}
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer closeStore(store)
			fmt.Printf("Migrations applied to %s\n", cfg.DBPath)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer closeStore(store)

			status, _ := cmd.Flags().GetString("status")
			tasks, total, err := store.ListTasks(models.TaskFilter{Status: models.TaskStatus(status)})
			if err != nil {
				log.GetLogger().Errorf("Failed to list tasks: %v", err)
				os.Exit(1)
			}
			for _, t := range tasks {
				fmt.Printf("- %s  %s  status=%s attempts=%d/%d remaining_deps=%d\n",
					t.ID, t.Type, t.Status, t.Attempts, t.MaxAttempts, t.RemainingDeps)
			}
			fmt.Printf("%d task(s) shown, %d total\n", len(tasks), total)
		},
	}
	listCmd.Flags().String("status", "", "Filter by status")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer closeStore(store)

			task, err := store.GetTask(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get task %s: %v", args[0], err)
				os.Exit(1)
			}
			fmt.Printf("%s  %s  status=%s attempts=%d/%d remaining_deps=%d deps=%v\n",
				task.ID, task.Type, task.Status, task.Attempts, task.MaxAttempts,
				task.RemainingDeps, task.Dependencies)
		},
	}

	rootCmd.PersistentFlags().String("db", "", "Database path (overrides DB_PATH)")
	rootCmd.AddCommand(serveCmd, migrateCmd, listCmd, getCmd)
}

func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	log.Configure(cfg.LogLevel)
	return cfg
}

func openStore(cfg *config.Config) *internal_storage.SQLiteStore {
	store, err := internal_storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.GetLogger().Errorf("Failed to open store at %s: %v", cfg.DBPath, err)
		os.Exit(1)
	}
	if err := internal_storage.ApplyMigrations(store.DB(), migrations.FS); err != nil {
		log.GetLogger().Errorf("Failed to apply migrations: %v", err)
		os.Exit(1)
	}
	return store
}

func closeStore(store *internal_storage.SQLiteStore) {
	if err := store.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close store: %v", err)
	}
}
