// Package sqlite implements store.SessionStore using SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autolyst-dev/autolyst/model"
)

// Store manages session, transcript, and data source persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			task       TEXT NOT NULL,
			workspace  TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'pending',
			rounds     INTEGER NOT NULL DEFAULT 0,
			max_rounds INTEGER NOT NULL DEFAULT 0,
			answer     TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			source     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			round      INTEGER NOT NULL DEFAULT 0,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session_id
			ON turns(session_id);

		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_id
			ON session_events(session_id);

		CREATE TABLE IF NOT EXISTS artifacts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			round      INTEGER NOT NULL DEFAULT 0,
			path       TEXT NOT NULL,
			size       INTEGER NOT NULL DEFAULT 0,
			change     TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_artifacts_session_id
			ON artifacts(session_id);

		CREATE TABLE IF NOT EXISTS datasources (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			kind       TEXT NOT NULL,
			params     TEXT NOT NULL DEFAULT '{}',
			sealed     BLOB,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *model.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, task, workspace, status, rounds, max_rounds,
		                       source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Task, sess.Workspace, sess.Status, sess.Rounds,
		sess.MaxRounds, sess.Source, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, task, workspace, status, rounds, max_rounds, answer,
		        error, source, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by creation time (newest first).
func (s *Store) ListSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, task, workspace, status, rounds, max_rounds, answer,
		        error, source, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession updates mutable fields of a session.
func (s *Store) UpdateSession(sess *model.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE sessions SET
			status = ?, rounds = ?, max_rounds = ?, answer = ?,
			error = ?, source = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Status, sess.Rounds, sess.MaxRounds, sess.Answer,
		sess.Error, sess.Source, sess.UpdatedAt, sess.ID,
	)
	return err
}

// DeleteSession removes a session and all its dependent records.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM session_events WHERE session_id = ?`,
		`DELETE FROM artifacts WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AddTurn appends a transcript turn and sets its ID.
func (s *Store) AddTurn(turn *model.Turn) error {
	result, err := s.db.Exec(
		`INSERT INTO turns (session_id, round, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Round, turn.Role, turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	turn.ID = id
	return nil
}

// GetTurns returns all turns for a session in transcript order.
func (s *Store) GetTurns(sessionID string) ([]*model.Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, round, role, content, created_at
		 FROM turns
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*model.Turn
	for rows.Next() {
		tu := &model.Turn{}
		if err := rows.Scan(&tu.ID, &tu.SessionID, &tu.Round, &tu.Role, &tu.Content, &tu.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, tu)
	}
	return turns, rows.Err()
}

// AddEvent inserts a new event and returns its ID.
func (s *Store) AddEvent(event *model.Event) error {
	result, err := s.db.Exec(
		`INSERT INTO session_events (session_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.SessionID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a session, optionally after a given event ID.
func (s *Store) GetEvents(sessionID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, data, created_at
		 FROM session_events
		 WHERE session_id = ? AND id > ?
		 ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddArtifact records a workspace file produced or modified by an execution.
func (s *Store) AddArtifact(a *model.Artifact) error {
	result, err := s.db.Exec(
		`INSERT INTO artifacts (session_id, round, path, size, change, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Round, a.Path, a.Size, a.Change, a.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// GetArtifacts returns all artifacts for a session in detection order.
func (s *Store) GetArtifacts(sessionID string) ([]*model.Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, round, path, size, change, created_at
		 FROM artifacts
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		a := &model.Artifact{}
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Round, &a.Path, &a.Size, &a.Change, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// --- Data source registry persistence ---

// CreateDataSource inserts a new data source.
func (s *Store) CreateDataSource(ds *model.DataSource) error {
	params, err := marshalParams(ds.Params)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO datasources (id, name, kind, params, sealed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.Name, ds.Kind, params, ds.Sealed, ds.CreatedAt, ds.UpdatedAt,
	)
	return err
}

// GetDataSource retrieves a data source by ID.
func (s *Store) GetDataSource(id string) (*model.DataSource, error) {
	row := s.db.QueryRow(
		`SELECT id, name, kind, params, sealed, created_at, updated_at
		 FROM datasources WHERE id = ?`, id,
	)
	return scanDataSource(row)
}

// GetDataSourceByName retrieves a data source by its unique name.
func (s *Store) GetDataSourceByName(name string) (*model.DataSource, error) {
	row := s.db.QueryRow(
		`SELECT id, name, kind, params, sealed, created_at, updated_at
		 FROM datasources WHERE name = ?`, name,
	)
	return scanDataSource(row)
}

// ListDataSources returns all data sources ordered by name.
func (s *Store) ListDataSources() ([]*model.DataSource, error) {
	rows, err := s.db.Query(
		`SELECT id, name, kind, params, sealed, created_at, updated_at
		 FROM datasources ORDER BY name ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*model.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ds)
	}
	return sources, rows.Err()
}

// UpdateDataSource updates mutable fields of a data source.
func (s *Store) UpdateDataSource(ds *model.DataSource) error {
	params, err := marshalParams(ds.Params)
	if err != nil {
		return err
	}
	ds.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(
		`UPDATE datasources SET
			name = ?, kind = ?, params = ?, sealed = ?, updated_at = ?
		 WHERE id = ?`,
		ds.Name, ds.Kind, params, ds.Sealed, ds.UpdatedAt, ds.ID,
	)
	return err
}

// DeleteDataSource removes a data source.
func (s *Store) DeleteDataSource(id string) error {
	_, err := s.db.Exec(`DELETE FROM datasources WHERE id = ?`, id)
	return err
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	sess := &model.Session{}
	err := row.Scan(
		&sess.ID, &sess.Task, &sess.Workspace, &sess.Status,
		&sess.Rounds, &sess.MaxRounds, &sess.Answer,
		&sess.Error, &sess.Source, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func scanDataSource(row scannable) (*model.DataSource, error) {
	ds := &model.DataSource{}
	var params string
	err := row.Scan(
		&ds.ID, &ds.Name, &ds.Kind, &params, &ds.Sealed,
		&ds.CreatedAt, &ds.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &ds.Params); err != nil {
			return nil, fmt.Errorf("decoding params for %s: %w", ds.ID, err)
		}
	}
	return ds, nil
}

func marshalParams(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding params: %w", err)
	}
	return string(b), nil
}
