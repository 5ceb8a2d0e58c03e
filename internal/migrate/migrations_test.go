package migrate

import (
	"context"
	"testing"

	"fixitnow/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	latest, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	for i := 0; i < 2; i++ {
		v, err := Migrate(ctx, conn)
		if err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
		if v != latest {
			t.Fatalf("pass %d version = %d, want %d", i, v, latest)
		}
	}
	var n int
	if err := conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='issue_matches'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("issue_matches table missing: %d %v", n, err)
	}
}
