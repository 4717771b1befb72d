package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entitysync/server/internal/protocol"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_name TEXT NOT NULL,
	id TEXT NOT NULL,
	value TEXT NOT NULL,
	version_id TEXT NOT NULL,
	PRIMARY KEY (entity_name, id)
);

CREATE TABLE IF NOT EXISTS entity_versions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_name TEXT NOT NULL,
	id TEXT NOT NULL,
	version_id TEXT NOT NULL,
	prev_version_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	tag TEXT
);

CREATE INDEX IF NOT EXISTS idx_entity_versions_entity
ON entity_versions(entity_name, id, seq);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_versions_dedupe
ON entity_versions(entity_name, id, tag);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	expired_at INTEGER NOT NULL,
	entity_name TEXT NOT NULL,
	user_id TEXT NOT NULL,
	external_id TEXT NOT NULL
);
`

// SQLiteStore is a SQLite-backed implementation of EntityClient and of the
// session backend.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(transaction); err != nil {
		_ = transaction.Rollback()
		return err
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (protocol.Session, error) {
	var session protocol.Session
	var expiredAt int64
	row := s.db.QueryRowContext(ctx, `
		SELECT id, expired_at, entity_name, user_id, external_id
		FROM sessions
		WHERE id = ?
	`, id)
	err := row.Scan(&session.ID, &expiredAt, &session.EntityName, &session.UserID, &session.ExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Session{}, protocol.NewError(protocol.ErrNotFound, fmt.Sprintf("session %q not found", id))
	}
	if err != nil {
		return protocol.Session{}, fmt.Errorf("get session: %w", err)
	}
	if expiredAt != 0 {
		session.ExpiredAt = time.UnixMilli(expiredAt)
	}
	return session, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, session protocol.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	var expiredAt int64
	if !session.ExpiredAt.IsZero() {
		expiredAt = session.ExpiredAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, expired_at, entity_name, user_id, external_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			expired_at = excluded.expired_at,
			entity_name = excluded.entity_name,
			user_id = excluded.user_id,
			external_id = excluded.external_id
	`, session.ID, expiredAt, session.EntityName, session.UserID, session.ExternalID)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return affected > 0, nil
}

func loadEntity(ctx context.Context, q queryer, entityName, id string) (storedEntity, error) {
	var entity storedEntity
	var value string
	row := q.QueryRowContext(ctx, `
		SELECT id, value, version_id
		FROM entities
		WHERE entity_name = ? AND id = ?
	`, entityName, id)
	err := row.Scan(&entity.ID, &value, &entity.VersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return storedEntity{}, protocol.NewError(protocol.ErrNotFound, fmt.Sprintf("%s %q not found", entityName, id))
	}
	if err != nil {
		return storedEntity{}, fmt.Errorf("load entity: %w", err)
	}
	entity.Value = protocol.Entity(value)
	return entity, nil
}

func loadEntities(ctx context.Context, q queryer, entityName string) ([]storedEntity, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, value, version_id
		FROM entities
		WHERE entity_name = ?
		ORDER BY rowid ASC
	`, entityName)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]storedEntity, 0)
	for rows.Next() {
		var entity storedEntity
		var value string
		if err := rows.Scan(&entity.ID, &value, &entity.VersionID); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entity.Value = protocol.Entity(value)
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// insertEntity stores a new entity, assigning an id when the value has none.
func insertEntity(ctx context.Context, tx *sql.Tx, entityName string, value protocol.Entity) (storedEntity, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(value, &fields); err != nil {
		return storedEntity{}, protocol.NewError(protocol.ErrBadRequest, fmt.Sprintf("value must be an object: %v", err))
	}
	id, _ := fields["id"].(string)
	if id == "" {
		id = uuid.NewString()
		fields["id"] = id
		encoded, err := json.Marshal(fields)
		if err != nil {
			return storedEntity{}, fmt.Errorf("encode entity: %w", err)
		}
		value = encoded
	}
	if _, err := loadEntity(ctx, tx, entityName, id); err == nil {
		return storedEntity{}, protocol.NewError(protocol.ErrBadRequest, fmt.Sprintf("%s %q already exists", entityName, id))
	} else if !protocol.IsType(err, protocol.ErrNotFound) {
		return storedEntity{}, err
	}

	versionID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (entity_name, id, value, version_id)
		VALUES (?, ?, ?, ?)
	`, entityName, id, string(value), versionID); err != nil {
		return storedEntity{}, fmt.Errorf("insert entity: %w", err)
	}
	if err := appendVersion(ctx, tx, entityName, id, versionID, "", protocol.Operation("[]"), ""); err != nil {
		return storedEntity{}, err
	}
	return storedEntity{ID: id, Value: value, VersionID: versionID}, nil
}

// updateEntity applies op to one entity and returns the updated row together
// with the version it replaced.
func updateEntity(ctx context.Context, tx *sql.Tx, entityName, id string, op protocol.Operation, tag string) (storedEntity, string, error) {
	current, err := loadEntity(ctx, tx, entityName, id)
	if err != nil {
		return storedEntity{}, "", err
	}
	value, err := protocol.ApplyOperation(current.Value, op)
	if err != nil {
		return storedEntity{}, "", err
	}
	versionID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET value = ?, version_id = ?
		WHERE entity_name = ? AND id = ?
	`, string(value), versionID, entityName, id); err != nil {
		return storedEntity{}, "", fmt.Errorf("update entity: %w", err)
	}
	if err := appendVersion(ctx, tx, entityName, id, versionID, current.VersionID, op, tag); err != nil {
		return storedEntity{}, "", err
	}
	return storedEntity{ID: id, Value: value, VersionID: versionID}, current.VersionID, nil
}

func appendVersion(ctx context.Context, tx *sql.Tx, entityName, id, versionID, prevVersionID string, op protocol.Operation, tag string) error {
	var tagValue any
	if tag != "" {
		tagValue = tag
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_name, id, version_id, prev_version_id, operation, tag)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entityName, id, versionID, prevVersionID, string(op), tagValue); err != nil {
		return fmt.Errorf("append version: %w", err)
	}
	return nil
}

// versionsAfter returns the log entries recorded after versionID. The boolean
// is false when versionID is not in the log.
func versionsAfter(ctx context.Context, q queryer, entityName, id, versionID string) ([]versionRecord, bool, error) {
	var seq int64
	row := q.QueryRowContext(ctx, `
		SELECT seq FROM entity_versions
		WHERE entity_name = ? AND id = ? AND version_id = ?
	`, entityName, id, versionID)
	if err := row.Scan(&seq); errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("find version: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT seq, version_id, prev_version_id, operation
		FROM entity_versions
		WHERE entity_name = ? AND id = ? AND seq > ?
		ORDER BY seq ASC
	`, entityName, id, seq)
	if err != nil {
		return nil, false, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	records := make([]versionRecord, 0)
	for rows.Next() {
		var record versionRecord
		var op string
		if err := rows.Scan(&record.Seq, &record.VersionID, &record.PrevVersionID, &op); err != nil {
			return nil, false, fmt.Errorf("scan version: %w", err)
		}
		record.Operation = protocol.Operation(op)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate versions: %w", err)
	}
	return records, true, nil
}

// versionByTag finds the log entry written by a push with the given tag.
func versionByTag(ctx context.Context, q queryer, entityName, id, tag string) (versionRecord, bool, error) {
	var record versionRecord
	var op string
	row := q.QueryRowContext(ctx, `
		SELECT seq, version_id, prev_version_id, operation
		FROM entity_versions
		WHERE entity_name = ? AND id = ? AND tag = ?
	`, entityName, id, tag)
	err := row.Scan(&record.Seq, &record.VersionID, &record.PrevVersionID, &op)
	if errors.Is(err, sql.ErrNoRows) {
		return versionRecord{}, false, nil
	}
	if err != nil {
		return versionRecord{}, false, fmt.Errorf("find push tag: %w", err)
	}
	record.Operation = protocol.Operation(op)
	return record, true, nil
}
