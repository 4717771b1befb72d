package storage

import (
	"context"

	"entitysync/server/internal/protocol"
)

// EntityClient defines the persistence contract for versioned entities.
//
// Why this exists:
//   - The request pipeline should express sync behavior, not SQL details.
//   - Every mutation must report the version it produced and the version it
//     replaced so version diffs can be derived without re-reading the store.
//   - Tests can validate pipeline behavior via this abstraction.
type EntityClient interface {
	Find(ctx context.Context, query protocol.WhereQuery) (protocol.QueryResult, error)
	FindOne(ctx context.Context, query protocol.WhereQuery) (protocol.SingleQueryResult, error)
	Get(ctx context.Context, query protocol.IDQuery) (protocol.SingleQueryResult, error)
	GetByIDs(ctx context.Context, query protocol.IDsQuery) (protocol.QueryResult, error)

	// Pull returns the operations recorded after the queried version.
	//
	// Why: a client that fell behind should replay the missed operations on top
	// of its copy instead of downloading the entity again. When the version is
	// unknown the whole entity is returned.
	Pull(ctx context.Context, query protocol.PullQuery) (protocol.PullQueryResult, error)

	InsertOne(ctx context.Context, command protocol.SingleInsertCommand) (protocol.SingleInsertCommandResult, error)
	InsertMulti(ctx context.Context, command protocol.MultiInsertCommand) (protocol.MultiInsertCommandResult, error)
	InsertAndGet(ctx context.Context, command protocol.SingleInsertCommand) (protocol.GetCommandResult, error)
	InsertAndGetMulti(ctx context.Context, command protocol.MultiInsertCommand) (protocol.MultiValuesCommandResult, error)

	// UpdateByID applies one operation atomically and reports the version
	// transition.
	UpdateByID(ctx context.Context, command protocol.IDUpdateCommand) (protocol.IDUpdateCommandResult, error)

	// UpdateMulti applies one operation to each listed entity. Ids that do not
	// exist are skipped and have no version pair in the result.
	UpdateMulti(ctx context.Context, command protocol.MultiUpdateCommand) (protocol.MultiUpdateCommandResult, error)

	UpdateAndGet(ctx context.Context, command protocol.IDUpdateCommand) (protocol.GetCommandResult, error)
	UpdateAndFetch(ctx context.Context, command protocol.MultiUpdateCommand) (protocol.MultiValuesCommandResult, error)

	// Push applies client operations made on top of an older version.
	//
	// Why: clients work offline and push late. The server rebases their
	// operations onto the current value, reports what they missed, and uses
	// the push tag to make retries of a push that already landed harmless.
	Push(ctx context.Context, command protocol.PushCommand) (protocol.PushCommandResult, error)

	Delete(ctx context.Context, command protocol.DeleteCommand) (protocol.DeleteCommandResult, error)
}
