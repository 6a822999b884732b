// Package store is the durable persistence layer: one SQLite database
// holding the change log, sync-state checkpoints, chat ring, and project
// metadata keyspaces, plus a directory of atomically-written document
// snapshot files. Schema evolution follows an ordered, append-only list of
// migrations tracked in a schema_migrations table -- never edit or reorder
// an entry once it has shipped, only append.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

var migrations = []string{
	`CREATE TABLE project_meta (
		project_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		schema_version INTEGER NOT NULL DEFAULT 1,
		snapshot_seq INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE doc_changes (
		project_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, seq)
	)`,
	`CREATE TABLE sync_states (
		project_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, peer_id)
	)`,
	`CREATE TABLE chat_entries (
		project_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		peer_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		content TEXT NOT NULL,
		server_timestamp INTEGER NOT NULL,
		PRIMARY KEY (project_id, seq)
	)`,
	`CREATE INDEX idx_chat_entries_project ON chat_entries(project_id, seq)`,
}

// ProjectMeta is the project_meta row for one project.
type ProjectMeta struct {
	ProjectID     string
	Name          string
	CreatedAt     int64
	ModifiedAt    int64
	SchemaVersion uint32
	SnapshotSeq   int64
}

// ChatEntry is one chat_entries row.
type ChatEntry struct {
	Seq             int64
	PeerID          string
	DisplayName     string
	Content         string
	ServerTimestamp int64
}

// Store wraps the SQLite connection and the snapshot directory.
type Store struct {
	db          *sql.DB
	snapshotDir string
	chatLimit   int
}

// Open connects to (creating if absent) the SQLite database at dbPath and
// ensures the snapshot directory exists. chatLimit bounds the chat ring
// retained per project (0 uses the default of 200).
func Open(dbPath, snapshotDir string, chatLimit int) (*Store, error) {
	if chatLimit <= 0 {
		chatLimit = 200
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create snapshot directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, snapshotDir: snapshotDir, chatLimit: chatLimit}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("store opened", "db_path", dbPath, "snapshot_dir", snapshotDir)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", version, err)
		}
		slog.Info("store migration applied", "version", version)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) snapshotPath(projectID string) string {
	return filepath.Join(s.snapshotDir, safeProjectFile(projectID)+".snap")
}

func safeProjectFile(projectID string) string {
	var b strings.Builder
	for _, r := range projectID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// CreateProject inserts a new project_meta row. It is an error to create a
// project id that already exists.
func (s *Store) CreateProject(ctx context.Context, projectID, name string) (ProjectMeta, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_meta (project_id, name, created_at, modified_at, schema_version, snapshot_seq)
		 VALUES (?, ?, ?, ?, 1, 0)`, projectID, name, now, now)
	if err != nil {
		return ProjectMeta{}, fmt.Errorf("store: create project %s: %w", projectID, err)
	}
	return ProjectMeta{ProjectID: projectID, Name: name, CreatedAt: now, ModifiedAt: now, SchemaVersion: 1}, nil
}

// GetProjectMeta returns one project's metadata, or ErrNotFound.
func (s *Store) GetProjectMeta(ctx context.Context, projectID string) (ProjectMeta, error) {
	var m ProjectMeta
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, name, created_at, modified_at, schema_version, snapshot_seq FROM project_meta WHERE project_id = ?`,
		projectID)
	if err := row.Scan(&m.ProjectID, &m.Name, &m.CreatedAt, &m.ModifiedAt, &m.SchemaVersion, &m.SnapshotSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProjectMeta{}, ErrNotFound
		}
		return ProjectMeta{}, fmt.Errorf("store: get project meta %s: %w", projectID, err)
	}
	return m, nil
}

// ListProjects returns every known project's metadata, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, name, created_at, modified_at, schema_version, snapshot_seq FROM project_meta ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectMeta
	for rows.Next() {
		var m ProjectMeta
		if err := rows.Scan(&m.ProjectID, &m.Name, &m.CreatedAt, &m.ModifiedAt, &m.SchemaVersion, &m.SnapshotSeq); err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadOrInit returns the last compacted snapshot bytes (nil if none exist
// yet) plus every change batch recorded since that snapshot, in sequence
// order, so the caller can replay them onto the loaded snapshot to
// reconstruct the current document state.
func (s *Store) LoadOrInit(ctx context.Context, projectID string) (snapshot []byte, pendingChanges [][]byte, meta ProjectMeta, err error) {
	meta, err = s.GetProjectMeta(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		meta, err = s.CreateProject(ctx, projectID, projectID)
		if err != nil {
			return nil, nil, ProjectMeta{}, err
		}
	} else if err != nil {
		return nil, nil, ProjectMeta{}, err
	}

	if data, readErr := os.ReadFile(s.snapshotPath(projectID)); readErr == nil {
		snapshot = data
	} else if !os.IsNotExist(readErr) {
		return nil, nil, ProjectMeta{}, fmt.Errorf("store: read snapshot %s: %w", projectID, readErr)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM doc_changes WHERE project_id = ? AND seq > ? ORDER BY seq ASC`,
		projectID, meta.SnapshotSeq)
	if err != nil {
		return nil, nil, ProjectMeta{}, fmt.Errorf("store: load changes %s: %w", projectID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, nil, ProjectMeta{}, fmt.Errorf("store: scan change %s: %w", projectID, err)
		}
		pendingChanges = append(pendingChanges, payload)
	}
	return snapshot, pendingChanges, meta, rows.Err()
}

// AppendChanges durably records one change batch before the caller may
// acknowledge the mutation to the client. It returns the assigned seq.
func (s *Store) AppendChanges(ctx context.Context, projectID string, payload []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin append %s: %w", projectID, err)
	}
	defer tx.Rollback()

	// Continue past snapshot_seq as well: Compact may have deleted every row.
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM (SELECT seq FROM doc_changes WHERE project_id = ?
		 UNION ALL SELECT snapshot_seq FROM project_meta WHERE project_id = ?)`,
		projectID, projectID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("store: next seq %s: %w", projectID, err)
	}
	seq := maxSeq.Int64 + 1

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO doc_changes (project_id, seq, payload, created_at) VALUES (?, ?, ?, ?)`,
		projectID, seq, payload, now); err != nil {
		return 0, fmt.Errorf("store: insert change %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE project_meta SET modified_at = ? WHERE project_id = ?`, now, projectID); err != nil {
		return 0, fmt.Errorf("store: touch project %s: %w", projectID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit append %s: %w", projectID, err)
	}
	return seq, nil
}

// Compact writes snapshotBytes to a temporary file, fsyncs it, atomically
// renames it into place, then deletes every change row up to and including
// upToSeq. It is idempotent: calling it again with the same or an older
// upToSeq is a no-op beyond rewriting the snapshot file.
func (s *Store) Compact(ctx context.Context, projectID string, snapshotBytes []byte, upToSeq int64) error {
	tmp, err := os.CreateTemp(s.snapshotDir, ".snapshot-write-*")
	if err != nil {
		return fmt.Errorf("store: create temp snapshot %s: %w", projectID, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(snapshotBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write temp snapshot %s: %w", projectID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: fsync temp snapshot %s: %w", projectID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp snapshot %s: %w", projectID, err)
	}
	if err := os.Rename(tmpPath, s.snapshotPath(projectID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename snapshot %s: %w", projectID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin compact %s: %w", projectID, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_changes WHERE project_id = ? AND seq <= ?`, projectID, upToSeq); err != nil {
		return fmt.Errorf("store: delete compacted changes %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE project_meta SET snapshot_seq = ? WHERE project_id = ? AND snapshot_seq < ?`,
		upToSeq, projectID, upToSeq); err != nil {
		return fmt.Errorf("store: update snapshot_seq %s: %w", projectID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit compact %s: %w", projectID, err)
	}
	slog.Debug("store compacted", "project_id", projectID, "up_to_seq", upToSeq, "bytes", len(snapshotBytes))
	return nil
}

// PutSyncState checkpoints a peer's opaque sync state with a TTL.
func (s *Store) PutSyncState(ctx context.Context, projectID, peerID string, payload []byte, ttl time.Duration) error {
	expires := time.Now().Add(ttl).Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (project_id, peer_id, payload, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, peer_id) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`,
		projectID, peerID, payload, expires)
	if err != nil {
		return fmt.Errorf("store: put sync state %s/%s: %w", projectID, peerID, err)
	}
	return nil
}

// GetSyncState returns a checkpointed sync state if present and unexpired.
func (s *Store) GetSyncState(ctx context.Context, projectID, peerID string) ([]byte, bool, error) {
	var payload []byte
	var expires int64
	row := s.db.QueryRowContext(ctx, `SELECT payload, expires_at FROM sync_states WHERE project_id = ? AND peer_id = ?`, projectID, peerID)
	if err := row.Scan(&payload, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get sync state %s/%s: %w", projectID, peerID, err)
	}
	if expires < time.Now().Unix() {
		return nil, false, nil
	}
	return payload, true, nil
}

// DeleteExpiredSyncStates purges checkpoints past their TTL, returning the count removed.
func (s *Store) DeleteExpiredSyncStates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_states WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sync states: %w", err)
	}
	return res.RowsAffected()
}

// AppendChatEntry appends one chat message and trims the ring to chatLimit.
func (s *Store) AppendChatEntry(ctx context.Context, projectID, peerID, displayName, content string, serverTimestamp int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin chat append %s: %w", projectID, err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM chat_entries WHERE project_id = ?`, projectID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("store: next chat seq %s: %w", projectID, err)
	}
	seq := maxSeq.Int64 + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_entries (project_id, seq, peer_id, display_name, content, server_timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, seq, peerID, displayName, content, serverTimestamp); err != nil {
		return fmt.Errorf("store: insert chat entry %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_entries WHERE project_id = ? AND seq <= ?`, projectID, seq-int64(s.chatLimit)); err != nil {
		return fmt.Errorf("store: trim chat ring %s: %w", projectID, err)
	}
	return tx.Commit()
}

// GetChatHistory returns the retained chat ring for a project, oldest first.
func (s *Store) GetChatHistory(ctx context.Context, projectID string) ([]ChatEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, peer_id, display_name, content, server_timestamp FROM chat_entries WHERE project_id = ? ORDER BY seq ASC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("store: chat history %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []ChatEntry
	for rows.Next() {
		var e ChatEntry
		if err := rows.Scan(&e.Seq, &e.PeerID, &e.DisplayName, &e.Content, &e.ServerTimestamp); err != nil {
			return nil, fmt.Errorf("store: scan chat entry %s: %w", projectID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProjectStats is a read-only snapshot for the admin stats endpoint.
type ProjectStats struct {
	ChatEntries    int
	PendingChanges int
}

// Stats computes lightweight counts for one project.
func (s *Store) Stats(ctx context.Context, projectID string) (ProjectStats, error) {
	var stats ProjectStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_entries WHERE project_id = ?`, projectID).Scan(&stats.ChatEntries); err != nil {
		return stats, fmt.Errorf("store: chat stats %s: %w", projectID, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_changes WHERE project_id = ?`, projectID).Scan(&stats.PendingChanges); err != nil {
		return stats, fmt.Errorf("store: change stats %s: %w", projectID, err)
	}
	return stats, nil
}

// Optimize runs SQLite's query-planner optimizer; intended to be called
// periodically from a background goroutine, mirroring the maintenance
// cadence this service has always used.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}
