package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/beacon/internal/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding session records, prompt records,
// subscriptions, and the change-event log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "beacon.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Session records ---

// CreateSessionRecord inserts a new session record and appends a create
// event. Returns ErrConflict if the id already exists.
func (s *Store) CreateSessionRecord(rec record.SessionRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM session_records WHERE id = ?", rec.ID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists > 0 {
		return 0, ErrConflict
	}

	_, err = tx.Exec(`
		INSERT INTO session_records (id, status, project, timestamp_ns, pid, source_device)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Status), rec.Project, rec.Timestamp.UTC().UnixNano(), rec.PID, rec.SourceDevice,
	)
	if err != nil {
		return 0, err
	}

	seq, err := appendEvent(tx, "session", rec.ID, "create")
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// UpdateSessionRecord overwrites an existing session record and appends an
// update event. Returns ErrNotFound if the id does not exist.
func (s *Store) UpdateSessionRecord(rec record.SessionRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE session_records SET status = ?, project = ?, timestamp_ns = ?, pid = ?, source_device = ?
		WHERE id = ?`,
		string(rec.Status), rec.Project, rec.Timestamp.UTC().UnixNano(), rec.PID, rec.SourceDevice, rec.ID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	seq, err := appendEvent(tx, "session", rec.ID, "update")
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

func (s *Store) GetSessionRecord(id string) (record.SessionRecord, error) {
	var rec record.SessionRecord
	var status string
	var tsNS int64
	err := s.db.QueryRow(`
		SELECT id, status, project, timestamp_ns, pid, source_device
		FROM session_records WHERE id = ?`, id,
	).Scan(&rec.ID, &status, &rec.Project, &tsNS, &rec.PID, &rec.SourceDevice)
	if err == sql.ErrNoRows {
		return record.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return record.SessionRecord{}, err
	}
	rec.Status = record.Status(status)
	rec.Timestamp = time.Unix(0, tsNS).UTC()
	return rec, nil
}

// DeleteSessionRecord removes a session record together with its prompt
// records, and appends a delete event. Returns ErrNotFound if absent.
func (s *Store) DeleteSessionRecord(id string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM session_records WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM prompt_records WHERE session_id = ?`, id); err != nil {
		return 0, err
	}

	seq, err := appendEvent(tx, "session", id, "delete")
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// ActiveSessionRecords returns session records with timestamp >= since,
// newest first, at most limit rows per page. cursor is the keyset position
// from a previous page ("" for the first page); nextCursor is "" when the
// result set is exhausted. The filter is a range predicate over the
// indexed timestamp column so it never needs a full-table capability.
func (s *Store) ActiveSessionRecords(since time.Time, limit int, cursor string) ([]record.SessionRecord, string, error) {
	if limit <= 0 {
		limit = 100
	}
	sinceNS := since.UTC().UnixNano()

	query := `SELECT id, status, project, timestamp_ns, pid, source_device
		FROM session_records
		WHERE timestamp_ns >= ?`
	args := []any{sinceNS}

	if cursor != "" {
		curNS, curID, err := parseCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (timestamp_ns < ? OR (timestamp_ns = ? AND id > ?))`
		args = append(args, curNS, curNS, curID)
	}

	query += ` ORDER BY timestamp_ns DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var results []record.SessionRecord
	var lastNS int64
	var lastID string
	for rows.Next() {
		var rec record.SessionRecord
		var status string
		var tsNS int64
		if err := rows.Scan(&rec.ID, &status, &rec.Project, &tsNS, &rec.PID, &rec.SourceDevice); err != nil {
			return nil, "", err
		}
		rec.Status = record.Status(status)
		rec.Timestamp = time.Unix(0, tsNS).UTC()
		results = append(results, rec)
		lastNS, lastID = tsNS, rec.ID
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(results) == limit {
		next = formatCursor(lastNS, lastID)
	}
	return results, next, nil
}

func formatCursor(tsNS int64, id string) string {
	return strconv.FormatInt(tsNS, 10) + "|" + id
}

func parseCursor(cursor string) (int64, string, error) {
	ns, id, ok := strings.Cut(cursor, "|")
	if !ok {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	tsNS, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return tsNS, id, nil
}

// --- Prompt records ---

// CreatePromptRecord inserts a new prompt record with the response fields
// cleared. Returns ErrConflict if the id already exists.
func (s *Store) CreatePromptRecord(rec record.PromptRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM prompt_records WHERE id = ?", rec.ID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists > 0 {
		return 0, ErrConflict
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.Exec(`
		INSERT INTO prompt_records (id, session_id, project, message, notification_type, transcript_excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Project, rec.Message, rec.NotificationType, rec.TranscriptExcerpt,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}

	seq, err := appendEvent(tx, "prompt", rec.ID, "create")
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

func (s *Store) GetPromptRecord(id string) (record.PromptRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, project, message, notification_type, transcript_excerpt,
		       created_at, responded, response_text, responded_at, responded_from
		FROM prompt_records WHERE id = ?`, id,
	)
	rec, err := scanPrompt(row.Scan)
	if err == sql.ErrNoRows {
		return record.PromptRecord{}, ErrNotFound
	}
	return rec, err
}

// PromptRecords returns prompts filtered by session id and responded flag.
// Either filter may be nil to match everything.
func (s *Store) PromptRecords(sessionID *string, responded *bool) ([]record.PromptRecord, error) {
	query := `SELECT id, session_id, project, message, notification_type, transcript_excerpt,
		created_at, responded, response_text, responded_at, responded_from
		FROM prompt_records WHERE 1=1`
	var args []any
	if sessionID != nil {
		query += ` AND session_id = ?`
		args = append(args, *sessionID)
	}
	if responded != nil {
		query += ` AND responded = ?`
		args = append(args, boolToInt(*responded))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []record.PromptRecord
	for rows.Next() {
		rec, err := scanPrompt(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// SubmitPromptResponse sets the response fields on an existing prompt and
// flips responded to true. It never touches source-written fields, and it
// never clears responded: re-answering overwrites the response fields only
// (last write wins). Returns ErrNotFound if the prompt does not exist.
func (s *Store) SubmitPromptResponse(id, text, device string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE prompt_records
		SET responded = 1, response_text = ?, responded_from = ?, responded_at = ?
		WHERE id = ?`,
		text, device, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	seq, err := appendEvent(tx, "prompt", id, "update")
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

func (s *Store) DeletePromptRecord(id string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM prompt_records WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	seq, err := appendEvent(tx, "prompt", id, "delete")
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

type scanFunc func(dest ...any) error

func scanPrompt(scan scanFunc) (record.PromptRecord, error) {
	var rec record.PromptRecord
	var createdAt, respondedAt string
	var responded int
	err := scan(&rec.ID, &rec.SessionID, &rec.Project, &rec.Message, &rec.NotificationType,
		&rec.TranscriptExcerpt, &createdAt, &responded, &rec.ResponseText, &respondedAt, &rec.RespondedFrom)
	if err != nil {
		return record.PromptRecord{}, err
	}
	rec.Responded = responded != 0
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return record.PromptRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if respondedAt != "" {
		if rec.RespondedAt, err = time.Parse(time.RFC3339Nano, respondedAt); err != nil {
			return record.PromptRecord{}, fmt.Errorf("parsing responded_at: %w", err)
		}
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Subscriptions ---

// UpsertSubscription registers a subscription, replacing any existing one
// with the same id. Registration is idempotent.
func (s *Store) UpsertSubscription(sub Subscription) error {
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (id, record_type, device, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record_type = excluded.record_type, device = excluded.device`,
		sub.ID, sub.RecordType, sub.Device, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetSubscription(id string) (Subscription, error) {
	var sub Subscription
	var createdAt string
	err := s.db.QueryRow(`SELECT id, record_type, device, created_at FROM subscriptions WHERE id = ?`, id).
		Scan(&sub.ID, &sub.RecordType, &sub.Device, &createdAt)
	if err == sql.ErrNoRows {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	if sub.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Subscription{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return sub, nil
}

// --- Events ---

func appendEvent(tx *sql.Tx, recordType, recordID, action string) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO events (record_type, record_id, action, created_at) VALUES (?, ?, ?, ?)`,
		recordType, recordID, action, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	return res.LastInsertId()
}

// EventsAfter returns up to limit events with seq > after, oldest first.
func (s *Store) EventsAfter(after int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT seq, record_type, record_id, action, created_at
		FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.Seq, &e.RecordType, &e.RecordID, &e.Action, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// LastEventSeq returns the sequence number of the newest event, 0 if none.
func (s *Store) LastEventSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// PruneEvents deletes events older than cutoff, bounding backlog growth.
func (s *Store) PruneEvents(cutoff time.Time) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	return err
}
