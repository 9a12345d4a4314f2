package postgres

import (
	"context"
	"testing"
	"time"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	total := len(mustLoadEmbeddedMigrations(t))

	// Сначала приводим схему в пустое состояние.
	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("migrate down reset: %v", err)
	}
	assertMigrationState(t, store, 0, 0, total)

	if err := store.MigrateUp(ctx, 2); err != nil {
		t.Fatalf("migrate up 2 steps: %v", err)
	}
	assertMigrationState(t, store, 2, 2, total-2)

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up all: %v", err)
	}
	assertMigrationState(t, store, int64(total), total, 0)

	// Повторный up ничего не меняет.
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("idempotent migrate up: %v", err)
	}
	assertMigrationState(t, store, int64(total), total, 0)

	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down default step: %v", err)
	}
	assertMigrationState(t, store, int64(total-1), total-1, 1)

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("restore schema: %v", err)
	}
}

func assertMigrationState(t *testing.T, store *Store, version int64, applied, pending int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if state.Version != version || state.Applied != applied || len(state.Pending) != pending {
		t.Fatalf("unexpected migration state: %+v (want version=%d applied=%d pending=%d)", state, version, applied, pending)
	}
}
