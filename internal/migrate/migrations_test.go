package migrate_test

import (
	"context"
	"testing"

	"taskflow/internal/db"
	"taskflow/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := migrate.MigrateContext(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("schema version = %d, want 1", v)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM flow_rules`).Scan(&n); err != nil {
		t.Fatalf("flow_rules missing: %v", err)
	}
}
