package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Instance Operations
// ============================================================================

// UpsertInstance inserts or replaces instance metadata
func (s *Store) UpsertInstance(inst *Instance) error {
	const query = `
		INSERT OR REPLACE INTO instances (
			id, version, game_version, modloader, modloader_version, archive_sha256,
			allow_custom_mods, allow_custom_resourcepacks, installed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		inst.ID, inst.Version, inst.GameVersion, inst.Modloader,
		inst.ModloaderVersion, inst.ArchiveSHA256,
		inst.AllowCustomMods, inst.AllowCustomResourcepacks, inst.InstalledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}

	return nil
}

// GetInstance retrieves instance metadata by id
func (s *Store) GetInstance(id string) (*Instance, error) {
	const query = `
		SELECT id, version, game_version, modloader, modloader_version, archive_sha256,
			allow_custom_mods, allow_custom_resourcepacks, installed_at
		FROM instances WHERE id = ?
	`

	inst := &Instance{}
	err := s.db.QueryRow(query, id).Scan(
		&inst.ID, &inst.Version, &inst.GameVersion, &inst.Modloader,
		&inst.ModloaderVersion, &inst.ArchiveSHA256,
		&inst.AllowCustomMods, &inst.AllowCustomResourcepacks, &inst.InstalledAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query instance: %w", err)
	}

	return inst, nil
}

// ListInstances retrieves all instances ordered by id
func (s *Store) ListInstances() ([]Instance, error) {
	const query = `
		SELECT id, version, game_version, modloader, modloader_version, archive_sha256,
			allow_custom_mods, allow_custom_resourcepacks, installed_at
		FROM instances ORDER BY id
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst := Instance{}
		err := rows.Scan(
			&inst.ID, &inst.Version, &inst.GameVersion, &inst.Modloader,
			&inst.ModloaderVersion, &inst.ArchiveSHA256,
			&inst.AllowCustomMods, &inst.AllowCustomResourcepacks, &inst.InstalledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

// DeleteInstance removes an instance and its file manifest
func (s *Store) DeleteInstance(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM instance_files WHERE instance_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete instance files: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM failed_mods WHERE instance_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete failed mods: %w", err)
	}

	result, err := tx.Exec("DELETE FROM instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// ============================================================================
// InstanceFile Operations
// ============================================================================

// ReplaceInstanceFiles atomically replaces the file manifest for an instance
func (s *Store) ReplaceInstanceFiles(instanceID string, files []InstanceFile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM instance_files WHERE instance_id = ?", instanceID); err != nil {
		return fmt.Errorf("failed to clear instance files: %w", err)
	}

	const insertQuery = `
		INSERT INTO instance_files (instance_id, path, size, sha256, source)
		VALUES (?, ?, ?, ?, ?)
	`
	for _, f := range files {
		if _, err := tx.Exec(insertQuery, instanceID, f.Path, f.Size, f.SHA256, f.Source); err != nil {
			return fmt.Errorf("failed to insert instance file %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

// UpsertInstanceFile inserts or replaces a single file record
func (s *Store) UpsertInstanceFile(f *InstanceFile) error {
	const query = `
		INSERT INTO instance_files (instance_id, path, size, sha256, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, path) DO UPDATE SET
			size = excluded.size, sha256 = excluded.sha256, source = excluded.source
	`

	result, err := s.db.Exec(query, f.InstanceID, f.Path, f.Size, f.SHA256, f.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert instance file: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		f.ID = id
	}
	return nil
}

// ListInstanceFiles retrieves the file manifest for an instance
func (s *Store) ListInstanceFiles(instanceID string) ([]InstanceFile, error) {
	const query = `
		SELECT id, instance_id, path, size, sha256, source
		FROM instance_files WHERE instance_id = ? ORDER BY path
	`

	rows, err := s.db.Query(query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instance files: %w", err)
	}
	defer rows.Close()

	var files []InstanceFile
	for rows.Next() {
		f := InstanceFile{}
		if err := rows.Scan(&f.ID, &f.InstanceID, &f.Path, &f.Size, &f.SHA256, &f.Source); err != nil {
			return nil, fmt.Errorf("failed to scan instance file: %w", err)
		}
		files = append(files, f)
	}

	return files, rows.Err()
}

// ============================================================================
// FailedMod Operations (Dead Letter Queue)
// ============================================================================

// AddFailedMod records a mod reference that failed all retries.
// An existing unresolved record for the same reference is updated in place.
func (s *Store) AddFailedMod(rec *FailedMod) error {
	const upsertQuery = `
		UPDATE failed_mods
		SET error = ?, retry_count = retry_count + 1, last_failure = ?,
		    url = COALESCE(NULLIF(?, ''), url),
		    file_name = COALESCE(NULLIF(?, ''), file_name)
		WHERE instance_id = ? AND project_id = ? AND file_id = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		upsertQuery,
		rec.Error, rec.LastFailure, rec.URL, rec.FileName,
		rec.InstanceID, rec.ProjectID, rec.FileID,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed mod record: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil // existing record updated
	}

	const insertQuery = `
		INSERT INTO failed_mods (
			instance_id, project_id, file_id, file_name, url, error,
			retry_count, first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err = s.db.Exec(
		insertQuery,
		rec.InstanceID, rec.ProjectID, rec.FileID, rec.FileName, rec.URL,
		rec.Error, rec.RetryCount, rec.FirstFailure, rec.LastFailure, rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed mod record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedMods retrieves unresolved failed mod records for an instance
func (s *Store) ListFailedMods(instanceID string) ([]FailedMod, error) {
	const query = `
		SELECT id, instance_id, project_id, file_id, file_name, url, error,
		       retry_count, first_failure, last_failure, resolved
		FROM failed_mods WHERE instance_id = ? AND resolved = 0 ORDER BY last_failure DESC
	`

	rows, err := s.db.Query(query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed mods: %w", err)
	}
	defer rows.Close()

	var records []FailedMod
	for rows.Next() {
		rec := FailedMod{}
		err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.ProjectID, &rec.FileID, &rec.FileName,
			&rec.URL, &rec.Error, &rec.RetryCount, &rec.FirstFailure,
			&rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed mod record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ResolveFailedMod marks a failed mod record as resolved
func (s *Store) ResolveFailedMod(id int64) error {
	const query = "UPDATE failed_mods SET resolved = 1 WHERE id = ?"

	result, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to resolve failed mod: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("failed mod record %d: %w", id, ErrNotFound)
	}

	return nil
}

// ResolveFailedModsFor marks all unresolved records for an instance as resolved
func (s *Store) ResolveFailedModsFor(instanceID string) error {
	const query = "UPDATE failed_mods SET resolved = 1 WHERE instance_id = ? AND resolved = 0"
	if _, err := s.db.Exec(query, instanceID); err != nil {
		return fmt.Errorf("failed to resolve failed mods: %w", err)
	}
	return nil
}

// ============================================================================
// OperationRun Operations
// ============================================================================

// CreateOperationRun inserts a new OperationRun
func (s *Store) CreateOperationRun(run *OperationRun) error {
	const query = `
		INSERT INTO operation_runs (
			id, instance_id, kind, start_time, end_time, files_installed,
			files_skipped, files_failed, bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.InstanceID, run.Kind, run.StartTime, run.EndTime,
		run.FilesInstalled, run.FilesSkipped, run.FilesFailed,
		run.BytesTransferred, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation run: %w", err)
	}

	return nil
}

// UpdateOperationRun updates an existing OperationRun by id
func (s *Store) UpdateOperationRun(run *OperationRun) error {
	const query = `
		UPDATE operation_runs SET
			instance_id = ?, kind = ?, start_time = ?, end_time = ?,
			files_installed = ?, files_skipped = ?, files_failed = ?,
			bytes_transferred = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.InstanceID, run.Kind, run.StartTime, run.EndTime,
		run.FilesInstalled, run.FilesSkipped, run.FilesFailed,
		run.BytesTransferred, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("operation run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// ListOperationRuns retrieves runs for an instance, most recent first
func (s *Store) ListOperationRuns(instanceID string, limit int) ([]OperationRun, error) {
	query := `
		SELECT id, instance_id, kind, start_time, end_time, files_installed,
		       files_skipped, files_failed, bytes_transferred, status, error_message
		FROM operation_runs WHERE instance_id = ? ORDER BY start_time DESC
	`
	args := []interface{}{instanceID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation runs: %w", err)
	}
	defer rows.Close()

	var runs []OperationRun
	for rows.Next() {
		run := OperationRun{}
		err := rows.Scan(
			&run.ID, &run.InstanceID, &run.Kind, &run.StartTime, &run.EndTime,
			&run.FilesInstalled, &run.FilesSkipped, &run.FilesFailed,
			&run.BytesTransferred, &run.Status, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// ============================================================================
// CacheEntry Operations (persistent cache tier)
// ============================================================================

// PutCacheEntry stores a cache blob with an explicit expiry. Last write wins.
func (s *Store) PutCacheEntry(key string, data []byte, expiresAt time.Time) error {
	const query = `
		INSERT INTO cache_entries (key, data, expires_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data, expires_at = excluded.expires_at, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, key, data, expiresAt); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry retrieves a cache blob and its expiry. Returns ErrNotFound on miss.
// Expiry is returned to the caller rather than enforced here: the cache layer
// owns the freshness decision.
func (s *Store) GetCacheEntry(key string) ([]byte, time.Time, error) {
	const query = "SELECT data, expires_at FROM cache_entries WHERE key = ?"

	var data []byte
	var expiresAt time.Time
	err := s.db.QueryRow(query, key).Scan(&data, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
		}
		return nil, time.Time{}, fmt.Errorf("failed to query cache entry: %w", err)
	}

	return data, expiresAt, nil
}

// DeleteCacheEntry removes a cache blob. Missing keys are not an error.
func (s *Store) DeleteCacheEntry(key string) error {
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// ClearCacheEntries removes all cache blobs.
func (s *Store) ClearCacheEntries() error {
	if _, err := s.db.Exec("DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("failed to clear cache entries: %w", err)
	}
	return nil
}
