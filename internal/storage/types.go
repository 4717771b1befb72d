package storage

import (
	"context"
	"database/sql"

	"entitysync/server/internal/protocol"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// storedEntity is one row of the entities table.
type storedEntity struct {
	ID        string
	Value     protocol.Entity
	VersionID string
}

// versionRecord is one row of the entity_versions log.
type versionRecord struct {
	Seq           int64
	VersionID     string
	PrevVersionID string
	Operation     protocol.Operation
}
