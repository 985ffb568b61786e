package db

import (
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// setupMigrationTestDB creates a test database without running migrations
func setupMigrationTestDB(t *testing.T) *DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	// Open database directly so migration state starts from nothing
	sqlDB, err := sql.Open("sqlite", fname)
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}

	return &DB{sqlDB}
}

func cleanupTestDB(t *testing.T, db *DB) {
	t.Helper()
	fname := t.Name() + ".db"
	db.Close()
	_ = os.Remove(fname)
	_ = os.Remove(fname + "-shm")
	_ = os.Remove(fname + "-wal")
}

// setupTestMigrations creates a temporary directory with two small test
// migrations and returns it as an fs.FS
func setupTestMigrations(t *testing.T) fs.FS {
	t.Helper()
	tmpDir := filepath.Join(t.TempDir(), "migrations")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		t.Fatalf("failed to create temp migrations dir: %v", err)
	}

	migrations := map[string]string{
		"000001_create_crew_roster.up.sql": `
			CREATE TABLE IF NOT EXISTS crew_roster (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL
			);
		`,
		"000001_create_crew_roster.down.sql": `
			DROP TABLE IF EXISTS crew_roster;
		`,
		"000002_add_crew_radio.up.sql": `
			ALTER TABLE crew_roster ADD COLUMN radio_channel TEXT;
		`,
		"000002_add_crew_radio.down.sql": `
			-- Recreate the table; DROP COLUMN on older SQLite builds is unreliable
			CREATE TABLE crew_roster_new (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL
			);
			INSERT INTO crew_roster_new (id, name) SELECT id, name FROM crew_roster;
			DROP TABLE crew_roster;
			ALTER TABLE crew_roster_new RENAME TO crew_roster;
		`,
	}

	for filename, content := range migrations {
		path := filepath.Join(tmpDir, filename)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write migration file %s: %v", filename, err)
		}
	}

	return os.DirFS(tmpDir)
}

func hasColumn(t *testing.T, db *DB, table, column string) bool {
	t.Helper()
	var has bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&has)
	if err != nil {
		t.Fatalf("failed to check column %s.%s: %v", table, column, err)
	}
	return has
}

func hasTable(t *testing.T, db *DB, table string) bool {
	t.Helper()
	var has bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type = 'table' AND name = ?
	`, table).Scan(&has)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return has
}

func TestMigrateUp(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty after successful migration")
	}

	if !hasTable(t, db, "crew_roster") {
		t.Error("crew_roster should exist after migration")
	}
	if !hasColumn(t, db, "crew_roster", "radio_channel") {
		t.Error("radio_channel column should exist after second migration")
	}
}

func TestMigrateUp_Idempotency(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("first MigrateUp failed: %v", err)
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	version, _, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2 after idempotent up, got %d", version)
	}
}

func TestMigrateDown(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	// One step down rolls back only the latest migration
	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after down migration, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty after successful down migration")
	}

	if hasColumn(t, db, "crew_roster", "radio_channel") {
		t.Error("radio_channel column should not exist after rolling back second migration")
	}
	if !hasTable(t, db, "crew_roster") {
		t.Error("crew_roster should still exist after rolling back only second migration")
	}
}

func TestMigrateVersion_NoMigrations(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 before migrations, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty before any migrations")
	}
}

func TestMigrateForce(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	if err := db.MigrateForce(migrationsFS, 1); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}

	version, _, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after force, got %d", version)
	}
}

func TestMigrateTo(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateTo(migrationsFS, 1); err != nil {
		t.Fatalf("MigrateTo(1) failed: %v", err)
	}

	version, _, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	if hasColumn(t, db, "crew_roster", "radio_channel") {
		t.Error("radio_channel column should not exist at version 1")
	}

	if err := db.MigrateTo(migrationsFS, 2); err != nil {
		t.Fatalf("MigrateTo(2) failed: %v", err)
	}

	version, _, err = db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if !hasColumn(t, db, "crew_roster", "radio_channel") {
		t.Error("radio_channel column should exist at version 2")
	}
}

func TestBaselineAtVersion(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	if err := db.BaselineAtVersion(2); err != nil {
		t.Fatalf("BaselineAtVersion failed: %v", err)
	}

	if !hasTable(t, db, "schema_migrations") {
		t.Error("schema_migrations table should exist after baseline")
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		t.Fatalf("failed to read version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected baseline version 2, got %d", version)
	}

	// A second baseline must refuse to overwrite migration state
	if err := db.BaselineAtVersion(3); err == nil {
		t.Error("expected error when baselining already-migrated database")
	}
}

func TestGetMigrationStatus(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	status, err := db.GetMigrationStatus(migrationsFS)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status["current_version"] != uint(0) {
		t.Errorf("expected version 0, got %v", status["current_version"])
	}
	if status["dirty"] != false {
		t.Error("expected dirty=false before migrations")
	}

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	status, err = db.GetMigrationStatus(migrationsFS)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status["current_version"] != uint(2) {
		t.Errorf("expected version 2, got %v", status["current_version"])
	}
	if status["schema_migrations_exists"] != true {
		t.Error("expected schema_migrations_exists=true after migrations")
	}
}

func TestMigrateUpDown_FullCycle(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("first MigrateUp failed: %v", err)
	}
	version, _, _ := db.MigrateVersion(migrationsFS)
	if version != 2 {
		t.Errorf("expected version 2 after up, got %d", version)
	}

	// Roll back both migrations one step at a time
	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("first MigrateDown failed: %v", err)
	}
	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("second MigrateDown failed: %v", err)
	}

	version, _, _ = db.MigrateVersion(migrationsFS)
	if version != 0 {
		t.Errorf("expected version 0 after rolling back all, got %d", version)
	}
	if hasTable(t, db, "crew_roster") {
		t.Error("crew_roster should not exist after rolling back all migrations")
	}

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	version, _, _ = db.MigrateVersion(migrationsFS)
	if version != 2 {
		t.Errorf("expected version 2 after re-applying, got %d", version)
	}
	if !hasTable(t, db, "crew_roster") {
		t.Error("crew_roster should exist after re-applying migrations")
	}
}

func TestMigrate_NoChangeError(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	// A second up is a no-op, not an error
	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Errorf("second MigrateUp should not error: %v", err)
	}

	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("first MigrateDown failed: %v", err)
	}
	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("second MigrateDown failed: %v", err)
	}

	// Rolling back below version 0 has no migration to run and must error
	if err := db.MigrateDown(migrationsFS); err == nil {
		t.Error("MigrateDown at version 0 should error (no migration to roll back)")
	}
}

// TestMigrateUp_EmbeddedSchema runs the real embedded migrations end to end,
// including the windows rollback, so the shipped SQL files stay exercised.
func TestMigrateUp_EmbeddedSchema(t *testing.T) {
	db := setupMigrationTestDB(t)
	defer cleanupTestDB(t, db)

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS failed: %v", err)
	}

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	latest, err := GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != latest {
		t.Errorf("expected version %d, got %d", latest, version)
	}
	if dirty {
		t.Error("database should not be dirty after migrating up")
	}

	for _, table := range []string{
		"event_venues", "checkin_events",
		"gates", "gate_states", "gate_confidence_history",
		"gate_decision_events", "adaptive_thresholds",
		"threshold_optimizations", "pipeline_runs",
	} {
		if !hasTable(t, db, table) {
			t.Errorf("table %s should exist after migrating up", table)
		}
	}
	if !hasColumn(t, db, "gates", "window_start_ms") {
		t.Error("gates.window_start_ms should exist at latest version")
	}

	// Roll back the windows migration and confirm the columns drop cleanly
	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if hasColumn(t, db, "gates", "window_start_ms") {
		t.Error("gates.window_start_ms should be gone after rolling back")
	}
	if hasColumn(t, db, "gates", "window_end_ms") {
		t.Error("gates.window_end_ms should be gone after rolling back")
	}

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp after rollback failed: %v", err)
	}
	if !hasColumn(t, db, "gates", "window_end_ms") {
		t.Error("gates.window_end_ms should be back after re-applying")
	}
}
