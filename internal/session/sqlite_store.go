package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps snapshots as JSON payloads in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers within the process.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WatchPath returns the database file.
func (s *SQLiteStore) WatchPath() string { return s.path }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			session_name TEXT NOT NULL,
			backend TEXT NOT NULL,
			workers INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS snapshots_name ON snapshots(name, seq);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

// Put inserts s; the row's autoincrement key becomes its sequence number.
func (s *SQLiteStore) Put(ctx context.Context, snap *Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now().UTC()
	}
	snap.Version = FormatVersion

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, name, session_name, backend, workers, created_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fmt.Sprintf("pending-%d", s.now().UnixNano()),
		snap.Name,
		snap.SessionName,
		snap.Flow.Backend,
		len(snap.Workers),
		formatTime(snap.CreatedAt),
		[]byte("{}"),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("snapshot sequence: %w", err)
	}
	snap.Seq = uint64(seq)
	snap.ID = SnapshotID(snap.Seq)
	payload, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE snapshots SET id = ?, payload = ? WHERE seq = ?`, snap.ID, payload, seq,
	); err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Get loads a snapshot by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row, id)
}

// Latest returns the newest snapshot, optionally filtered by name.
func (s *SQLiteStore) Latest(ctx context.Context, name string) (*Snapshot, error) {
	var row *sql.Row
	if name == "" {
		row = s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots ORDER BY seq DESC LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE name = ? ORDER BY seq DESC LIMIT 1`, name)
	}
	return scanSnapshot(row, "latest "+name)
}

func scanSnapshot(row *sql.Row, what string) (*Snapshot, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, what)
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	snap, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", what, err)
	}
	return snap, nil
}

// List returns summaries from the index columns, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, name, session_name, backend, workers, created_at FROM snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			in         Info
			seq        int64
			createdRaw string
		)
		if err := rows.Scan(&seq, &in.ID, &in.Name, &in.SessionName, &in.Backend, &in.Workers, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		in.Seq = uint64(seq)
		in.CreatedAt, err = parseTime(createdRaw)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s created_at: %w", in.ID, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep snapshots named name.
func (s *SQLiteStore) Prune(ctx context.Context, name string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE name = ? AND seq NOT IN (
			SELECT seq FROM snapshots WHERE name = ? ORDER BY seq DESC LIMIT ?
		)`, name, name, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(n), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}
