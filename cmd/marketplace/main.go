package main

import (
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketplace/internal/audit"
	"github.com/smallbiznis/marketplace/internal/authorization"
	"github.com/smallbiznis/marketplace/internal/backends/basic"
	"github.com/smallbiznis/marketplace/internal/backends/openstack"
	"github.com/smallbiznis/marketplace/internal/callbacks"
	"github.com/smallbiznis/marketplace/internal/clock"
	"github.com/smallbiznis/marketplace/internal/config"
	"github.com/smallbiznis/marketplace/internal/events"
	"github.com/smallbiznis/marketplace/internal/lock"
	"github.com/smallbiznis/marketplace/internal/observability"
	"github.com/smallbiznis/marketplace/internal/offering"
	"github.com/smallbiznis/marketplace/internal/order"
	"github.com/smallbiznis/marketplace/internal/plugin"
	"github.com/smallbiznis/marketplace/internal/processing"
	"github.com/smallbiznis/marketplace/internal/reconcile"
	"github.com/smallbiznis/marketplace/internal/resource"
	"github.com/smallbiznis/marketplace/internal/scheduler"
	"github.com/smallbiznis/marketplace/internal/scope"
	"github.com/smallbiznis/marketplace/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "marketplace",
		Short:        "Marketplace order and resource orchestration",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newReconcileCommand(),
		newMigrateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// infrastructure is what every command needs to talk to the database.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

// domain wires the order engine, its backends and the reconcile jobs.
func domain() fx.Option {
	return fx.Options(
		offering.Module,
		resource.Module,
		order.Module,
		authorization.Module,
		plugin.Module,
		scope.Module,
		processing.Module,
		callbacks.Module,
		audit.Module,
		events.Module,
		lock.Module,
		reconcile.Module,
		scheduler.Module,

		openstack.Module,
		basic.Module,
	)
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
