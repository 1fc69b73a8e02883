package migration

import (
	"strings"

	"github.com/smallbiznis/marketplace/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migrations")
		if !strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
			log.Info("migrations.skipped", zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		version, dirty, err := Version(sqlDB)
		if err != nil {
			return err
		}
		log.Info("migrations.applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	}),
)
