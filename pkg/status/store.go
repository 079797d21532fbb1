package status

import (
	"context"
	"database/sql"
	"net/url"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register the sqlite3 driver.

	"github.com/sidkik/lansync/pkg/errors"
)

// Store persists FileRecords. It's safe for concurrent use.
type Store interface {
	// Upsert inserts the record, replacing any record with the same ID or
	// LocalPath.
	Upsert(ctx context.Context, record FileRecord) error

	// GetByLocalPath returns the record for path. The boolean is false if
	// there's no such record.
	GetByLocalPath(ctx context.Context, path string) (FileRecord, bool, error)

	// UpdateStatus sets the status and synced-at time and clears any error.
	UpdateStatus(ctx context.Context, id string, status Status, syncedAt time.Time) error

	// UpdateStatusWithError sets the status and error message.
	UpdateStatusWithError(ctx context.Context, id string, status Status, errorMessage string) error

	// MarkSynced records a verified transfer. The checksum and status are
	// always updated together.
	MarkSynced(ctx context.Context, id, checksum string, syncedAt time.Time) error

	ListByStatus(ctx context.Context, pairID string, status Status) ([]FileRecord, error)
	ListByPair(ctx context.Context, pairID string) ([]FileRecord, error)
	CountByStatus(ctx context.Context, pairID string) (map[Status]int, error)
	DeleteAllForPair(ctx context.Context, pairID string) error
	Close() error
}

// SQLiteStore is a Store backed by a sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// ErrRecordNotFound is returned when updating a record that doesn't exist.
var ErrRecordNotFound = errors.New("file record not found")

// Open opens (and if necessary creates) the sqlite database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName(path))
	if err != nil {
		return nil, errors.WithContext(err, "open database")
	}

	// sqlite only supports a single writer. Serializing access through one
	// connection avoids SQLITE_BUSY errors when several cycles run at once.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, errors.WithContext(err, "initialize database")
	}
	return store, nil
}

// dataSourceName returns the sqlite URI for the database file at path. The
// path is escaped so that characters such as `?` and `#` are treated as part
// of the file name.
func dataSourceName(path string) string {
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: "_busy_timeout=5000",
	}
	return u.String()
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS file_records (
			id TEXT PRIMARY KEY,
			pair_id TEXT NOT NULL,
			local_path TEXT NOT NULL UNIQUE,
			remote_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			modified INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			status TEXT NOT NULL,
			synced_at INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_file_records_status ON file_records(pair_id, status);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `id, pair_id, local_path, remote_path, file_name, size,
	modified, checksum, status, synced_at, error_message`

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, r FileRecord) error {
	if !r.Status.Valid() {
		return errors.Errorf("invalid status %q", r.Status)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO file_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.PairID,
		r.LocalPath,
		r.RemotePath,
		r.FileName,
		r.Size,
		toMillis(r.Modified),
		r.Checksum,
		string(r.Status),
		toMillis(r.SyncedAt),
		r.ErrorMessage,
	)
	return err
}

// GetByLocalPath implements Store.
func (s *SQLiteStore) GetByLocalPath(ctx context.Context, path string) (FileRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM file_records WHERE local_path = ?`, path)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return record, true, nil
}

// UpdateStatus implements Store.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, syncedAt time.Time) error {
	return s.update(ctx, `
		UPDATE file_records
		SET status = ?, synced_at = ?, error_message = ''
		WHERE id = ?
	`, string(status), toMillis(syncedAt), id)
}

// UpdateStatusWithError implements Store.
func (s *SQLiteStore) UpdateStatusWithError(ctx context.Context, id string, status Status,
	errorMessage string) error {
	return s.update(ctx, `
		UPDATE file_records
		SET status = ?, error_message = ?
		WHERE id = ?
	`, string(status), errorMessage, id)
}

// MarkSynced implements Store.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id, checksum string, syncedAt time.Time) error {
	return s.update(ctx, `
		UPDATE file_records
		SET status = ?, checksum = ?, synced_at = ?, error_message = ''
		WHERE id = ?
	`, string(Synced), checksum, toMillis(syncedAt), id)
}

func (s *SQLiteStore) update(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithContext(err, "rows affected")
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListByStatus implements Store.
func (s *SQLiteStore) ListByStatus(ctx context.Context, pairID string, status Status) ([]FileRecord, error) {
	return s.list(ctx, `
		SELECT `+recordColumns+` FROM file_records
		WHERE pair_id = ? AND status = ?
		ORDER BY remote_path ASC
	`, pairID, string(status))
}

// ListByPair implements Store.
func (s *SQLiteStore) ListByPair(ctx context.Context, pairID string) ([]FileRecord, error) {
	return s.list(ctx, `
		SELECT `+recordColumns+` FROM file_records
		WHERE pair_id = ?
		ORDER BY remote_path ASC
	`, pairID)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...interface{}) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// CountByStatus implements Store.
func (s *SQLiteStore) CountByStatus(ctx context.Context, pairID string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM file_records
		WHERE pair_id = ?
		GROUP BY status
	`, pairID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// DeleteAllForPair implements Store.
func (s *SQLiteStore) DeleteAllForPair(ctx context.Context, pairID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE pair_id = ?`, pairID)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (FileRecord, error) {
	var r FileRecord
	var status string
	var modified, syncedAt int64
	err := row.Scan(
		&r.ID,
		&r.PairID,
		&r.LocalPath,
		&r.RemotePath,
		&r.FileName,
		&r.Size,
		&modified,
		&r.Checksum,
		&status,
		&syncedAt,
		&r.ErrorMessage,
	)
	if err != nil {
		return FileRecord{}, err
	}

	r.Status = Status(status)
	r.Modified = fromMillis(modified)
	r.SyncedAt = fromMillis(syncedAt)
	return r, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
