package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/marketplace/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// lockTimeout bounds how long admission waits on a locked resource row
// before postgres answers 55P03.
const lockTimeout = "5s"

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch normalizeType(cfg.DBType) {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// DSN renders the connection string for the configured database type.
func DSN(cfg config.Config) (string, error) {
	switch normalizeType(cfg.DBType) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName), nil
	case "postgres":
		parts := []string{
			"host=" + cfg.DBHost,
			"user=" + cfg.DBUser,
			"password=" + cfg.DBPassword,
			"dbname=" + cfg.DBName,
			"port=" + cfg.DBPort,
			"sslmode=" + cfg.DBSSLMode,
			"TimeZone=UTC",
			"lock_timeout=" + lockTimeout,
		}
		if name := strings.TrimSpace(cfg.AppName); name != "" {
			parts = append(parts, "application_name="+name)
		}
		return strings.Join(parts, " "), nil
	case "sqlite":
		if cfg.DBName == ":memory:" || strings.HasSuffix(cfg.DBName, ".db") {
			return cfg.DBName, nil
		}
		return cfg.DBName + ".db", nil
	default:
		return "", fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

func normalizeType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}
