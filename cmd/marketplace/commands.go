package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/marketplace/internal/migration"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	"github.com/smallbiznis/marketplace/internal/ratelimit"
	"github.com/smallbiznis/marketplace/internal/scheduler"
	"github.com/smallbiznis/marketplace/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				infrastructure(),
				migration.Module,
				domain(),
				ratelimit.Module,
				server.Module,
				fx.Invoke(scheduler.RunInBackground),
			)
			app.Run()
			return app.Err()
		},
	}
}

func newReconcileCommand() *cobra.Command {
	var jobs []string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run scheduler jobs once and exit",
		Long:  `Run the dispatch and reconcile jobs a single time. Without --job every enabled job runs in order.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				sched  *scheduler.Scheduler
				pusher obsmetrics.Pusher
				log    *zap.Logger
			)
			app := fx.New(
				infrastructure(),
				domain(),
				fx.Populate(&sched, &pusher, &log),
				fx.NopLogger,
			)
			return runOnce(cmd.Context(), app, func(ctx context.Context) error {
				var runErr error
				if len(jobs) == 0 {
					runErr = sched.RunOnce(ctx)
				}
				for _, job := range jobs {
					if err := sched.RunJob(ctx, job); err != nil {
						runErr = err
						break
					}
				}

				if pusher != nil {
					if err := pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
						log.Warn("metrics.push.failed", zap.Error(err))
					}
				}
				return runErr
			})
		},
	}

	cmd.Flags().StringSliceVar(&jobs, "job", nil, "job to run (repeatable): "+fmt.Sprint(scheduler.Jobs))
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), func(_ context.Context, conn *gorm.DB, log *zap.Logger) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if err := migration.Rollback(sqlDB, steps); err != nil {
					return err
				}
				log.Info("migrations.rolled_back", zap.Int("steps", steps))
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to rollback")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd.Context(), func(_ context.Context, conn *gorm.DB, log *zap.Logger) error {
					sqlDB, err := conn.DB()
					if err != nil {
						return err
					}
					if err := migration.RunMigrations(sqlDB); err != nil {
						return err
					}
					version, _, err := migration.Version(sqlDB)
					if err != nil {
						return err
					}
					log.Info("migrations.applied", zap.Uint("version", version))
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd.Context(), func(_ context.Context, conn *gorm.DB, _ *zap.Logger) error {
					sqlDB, err := conn.DB()
					if err != nil {
						return err
					}
					version, dirty, err := migration.Version(sqlDB)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func withDatabase(parent context.Context, fn func(context.Context, *gorm.DB, *zap.Logger) error) error {
	var (
		conn *gorm.DB
		log  *zap.Logger
	)
	app := fx.New(
		infrastructure(),
		fx.Populate(&conn, &log),
		fx.NopLogger,
	)
	return runOnce(parent, app, func(ctx context.Context) error {
		return fn(ctx, conn, log)
	})
}

// runOnce starts app, runs fn and stops app again.
func runOnce(parent context.Context, app *fx.App, fn func(context.Context) error) error {
	if err := app.Err(); err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}

	startCtx, cancel := context.WithTimeout(parent, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(parent)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
