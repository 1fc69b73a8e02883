package db

import (
	"strings"
	"testing"

	"github.com/smallbiznis/marketplace/internal/config"
)

func TestDSN(t *testing.T) {
	pg, err := DSN(config.Config{
		AppName:    "marketplace",
		DBType:     "Postgres",
		DBHost:     "db",
		DBPort:     "5432",
		DBName:     "marketplace",
		DBUser:     "app",
		DBPassword: "secret",
		DBSSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	for _, want := range []string{"host=db", "sslmode=disable", "lock_timeout=5s", "application_name=marketplace"} {
		if !strings.Contains(pg, want) {
			t.Fatalf("expected %q in %q", want, pg)
		}
	}

	mem, err := DSN(config.Config{DBType: "sqlite", DBName: ":memory:"})
	if err != nil || mem != ":memory:" {
		t.Fatalf("expected :memory:, got %q (%v)", mem, err)
	}
	file, err := DSN(config.Config{DBType: "sqlite", DBName: "marketplace"})
	if err != nil || file != "marketplace.db" {
		t.Fatalf("expected marketplace.db, got %q (%v)", file, err)
	}

	if _, err := DSN(config.Config{DBType: "oracle"}); err == nil {
		t.Fatal("expected unsupported type error")
	}
	if _, err := Dialect(config.Config{DBType: "oracle"}); err == nil {
		t.Fatal("expected unsupported dialect error")
	}
}
