// Package testutil holds sqlite helpers shared by package tests.
package testutil

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns an isolated in-memory database with every marketplace
// table migrated. Row locks are stripped since sqlite has none; a single
// connection serializes transactions instead.
func OpenDB(t *testing.T, extra ...any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocks); err != nil {
		t.Fatalf("failed to register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocks); err != nil {
		t.Fatalf("failed to register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := []any{
		&offeringdomain.Offering{},
		&offeringdomain.OfferingComponent{},
		&offeringdomain.Plan{},
		&offeringdomain.PlanComponent{},
		&resourcedomain.Resource{},
		&resourcedomain.ResourcePlanPeriod{},
		&resourcedomain.ComponentUsage{},
		&orderdomain.Order{},
	}
	if err := db.AutoMigrate(append(models, extra...)...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
