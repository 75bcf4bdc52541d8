package catalogstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CATSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("CATSYNC_TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(tableName)); err != nil {
		t.Fatalf("drop table %s: %v", tableName, err)
	}
}

func TestPostgresIntegrationSnapshotRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresSnapshotBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres snapshot backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("catsync_store_it")
	backend.snapshotKey = "it"
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &storeSnapshot{
		IDSeq:    map[string]int64{"dataset": 4},
		EventSeq: 9,
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.IDSeq["dataset"] != 4 || loaded.EventSeq != 9 {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}

	saved.EventSeq = 12
	if err := backend.Save(saved); err != nil {
		t.Fatalf("upsert save failed: %v", err)
	}
	loaded, err = backend.Load()
	if err != nil {
		t.Fatalf("load after upsert failed: %v", err)
	}
	if loaded.EventSeq != 12 {
		t.Fatalf("expected upserted event seq 12, got %d", loaded.EventSeq)
	}
}
