package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE instances (
					id TEXT PRIMARY KEY,
					version TEXT NOT NULL,
					game_version TEXT NOT NULL,
					modloader TEXT NOT NULL,
					modloader_version TEXT NOT NULL,
					archive_sha256 TEXT,
					installed_at DATETIME NOT NULL
				);

				CREATE TABLE instance_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					instance_id TEXT NOT NULL,
					path TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					sha256 TEXT,
					source TEXT NOT NULL,
					UNIQUE(instance_id, path),
					FOREIGN KEY(instance_id) REFERENCES instances(id)
				);

				CREATE TABLE failed_mods (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					instance_id TEXT NOT NULL,
					project_id TEXT NOT NULL,
					file_id TEXT NOT NULL,
					file_name TEXT,
					url TEXT,
					error TEXT,
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);

				CREATE TABLE operation_runs (
					id TEXT PRIMARY KEY,
					instance_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					files_installed INTEGER DEFAULT 0,
					files_skipped INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					bytes_transferred INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE cache_entries (
					key TEXT PRIMARY KEY,
					data BLOB NOT NULL,
					expires_at DATETIME NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			version: 3,
			sql: `
				ALTER TABLE instances ADD COLUMN allow_custom_mods BOOLEAN DEFAULT 1;
				ALTER TABLE instances ADD COLUMN allow_custom_resourcepacks BOOLEAN DEFAULT 1;
			`,
		},
	}

	// Run pending migrations
	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
