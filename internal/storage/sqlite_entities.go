package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"entitysync/server/internal/protocol"
)

func (s *SQLiteStore) Find(ctx context.Context, query protocol.WhereQuery) (protocol.QueryResult, error) {
	entities, err := s.find(ctx, query)
	if err != nil {
		return protocol.QueryResult{}, err
	}
	return queryResult(entities), nil
}

func (s *SQLiteStore) FindOne(ctx context.Context, query protocol.WhereQuery) (protocol.SingleQueryResult, error) {
	query.Limit = 1
	entities, err := s.find(ctx, query)
	if err != nil {
		return protocol.SingleQueryResult{}, err
	}
	if len(entities) == 0 {
		return protocol.SingleQueryResult{}, protocol.NewError(protocol.ErrNotFound, fmt.Sprintf("no %s matches the query", query.EntityName))
	}
	return protocol.SingleQueryResult{OK: 1, Entity: entities[0].Value, VersionID: entities[0].VersionID}, nil
}

func (s *SQLiteStore) find(ctx context.Context, query protocol.WhereQuery) ([]storedEntity, error) {
	all, err := loadEntities(ctx, s.db, query.EntityName)
	if err != nil {
		return nil, err
	}
	matched := make([]storedEntity, 0)
	skipped := 0
	for _, entity := range all {
		ok, err := matchesWhere(entity.Value, query.Where)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if skipped < query.Skip {
			skipped++
			continue
		}
		matched = append(matched, entity)
		if query.Limit > 0 && len(matched) == query.Limit {
			break
		}
	}
	return matched, nil
}

// matchesWhere compares top-level fields for equality.
func matchesWhere(value protocol.Entity, where map[string]any) (bool, error) {
	if len(where) == 0 {
		return true, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil {
		return false, fmt.Errorf("decode entity: %w", err)
	}
	for key, expected := range where {
		normalized, err := normalizeJSON(expected)
		if err != nil {
			return false, err
		}
		if !reflect.DeepEqual(fields[key], normalized) {
			return false, nil
		}
	}
	return true, nil
}

func normalizeJSON(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrBadRequest, fmt.Sprintf("where: %v", err))
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("decode where: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, query protocol.IDQuery) (protocol.SingleQueryResult, error) {
	entity, err := loadEntity(ctx, s.db, query.EntityName, query.ID)
	if err != nil {
		return protocol.SingleQueryResult{}, err
	}
	return protocol.SingleQueryResult{OK: 1, Entity: entity.Value, VersionID: entity.VersionID}, nil
}

// GetByIDs skips ids that do not exist.
func (s *SQLiteStore) GetByIDs(ctx context.Context, query protocol.IDsQuery) (protocol.QueryResult, error) {
	entities := make([]storedEntity, 0, len(query.IDs))
	for _, id := range query.IDs {
		entity, err := loadEntity(ctx, s.db, query.EntityName, id)
		if protocol.IsType(err, protocol.ErrNotFound) {
			continue
		}
		if err != nil {
			return protocol.QueryResult{}, err
		}
		entities = append(entities, entity)
	}
	return queryResult(entities), nil
}

func (s *SQLiteStore) Pull(ctx context.Context, query protocol.PullQuery) (protocol.PullQueryResult, error) {
	entity, err := loadEntity(ctx, s.db, query.EntityName, query.ID)
	if err != nil {
		return protocol.PullQueryResult{}, err
	}
	if query.VersionID == entity.VersionID {
		return protocol.PullQueryResult{OK: 1, Pulled: 1, VersionID: entity.VersionID}, nil
	}
	records, found, err := versionsAfter(ctx, s.db, query.EntityName, query.ID, query.VersionID)
	if err != nil {
		return protocol.PullQueryResult{}, err
	}
	if !found {
		return protocol.PullQueryResult{OK: 1, Pulled: 0, Entity: entity.Value, VersionID: entity.VersionID}, nil
	}
	return protocol.PullQueryResult{OK: 1, Pulled: 1, Operations: operationsOf(records), VersionID: entity.VersionID}, nil
}

func (s *SQLiteStore) InsertOne(ctx context.Context, command protocol.SingleInsertCommand) (protocol.SingleInsertCommandResult, error) {
	var inserted storedEntity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertEntity(ctx, tx, command.EntityName, command.Value)
		return err
	})
	if err != nil {
		return protocol.SingleInsertCommandResult{}, err
	}
	return protocol.SingleInsertCommandResult{OK: 1, N: 1, ID: inserted.ID, VersionID: inserted.VersionID}, nil
}

func (s *SQLiteStore) InsertMulti(ctx context.Context, command protocol.MultiInsertCommand) (protocol.MultiInsertCommandResult, error) {
	inserted, err := s.insertMulti(ctx, command)
	if err != nil {
		return protocol.MultiInsertCommandResult{}, err
	}
	result := protocol.MultiInsertCommandResult{
		OK:           1,
		N:            len(inserted),
		IDs:          make([]string, 0, len(inserted)),
		VersionsByID: make(map[string]string, len(inserted)),
	}
	for _, entity := range inserted {
		result.IDs = append(result.IDs, entity.ID)
		result.VersionsByID[entity.ID] = entity.VersionID
	}
	return result, nil
}

func (s *SQLiteStore) InsertAndGet(ctx context.Context, command protocol.SingleInsertCommand) (protocol.GetCommandResult, error) {
	var inserted storedEntity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertEntity(ctx, tx, command.EntityName, command.Value)
		return err
	})
	if err != nil {
		return protocol.GetCommandResult{}, err
	}
	return protocol.GetCommandResult{OK: 1, Entity: inserted.Value, VersionID: inserted.VersionID}, nil
}

func (s *SQLiteStore) InsertAndGetMulti(ctx context.Context, command protocol.MultiInsertCommand) (protocol.MultiValuesCommandResult, error) {
	inserted, err := s.insertMulti(ctx, command)
	if err != nil {
		return protocol.MultiValuesCommandResult{}, err
	}
	result := queryResult(inserted)
	return protocol.MultiValuesCommandResult{
		OK:               1,
		N:                len(inserted),
		Entities:         result.Entities,
		VersionsByID:     result.VersionsByID,
		PrevVersionsByID: map[string]string{},
	}, nil
}

func (s *SQLiteStore) insertMulti(ctx context.Context, command protocol.MultiInsertCommand) ([]storedEntity, error) {
	inserted := make([]storedEntity, 0, len(command.Values))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, value := range command.Values {
			entity, err := insertEntity(ctx, tx, command.EntityName, value)
			if err != nil {
				return err
			}
			inserted = append(inserted, entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *SQLiteStore) UpdateByID(ctx context.Context, command protocol.IDUpdateCommand) (protocol.IDUpdateCommandResult, error) {
	updated, prevVersionID, err := s.updateOne(ctx, command)
	if err != nil {
		return protocol.IDUpdateCommandResult{}, err
	}
	return protocol.IDUpdateCommandResult{OK: 1, N: 1, VersionID: updated.VersionID, PrevVersionID: prevVersionID}, nil
}

func (s *SQLiteStore) UpdateAndGet(ctx context.Context, command protocol.IDUpdateCommand) (protocol.GetCommandResult, error) {
	updated, prevVersionID, err := s.updateOne(ctx, command)
	if err != nil {
		return protocol.GetCommandResult{}, err
	}
	return protocol.GetCommandResult{OK: 1, Entity: updated.Value, VersionID: updated.VersionID, PrevVersionID: prevVersionID}, nil
}

func (s *SQLiteStore) updateOne(ctx context.Context, command protocol.IDUpdateCommand) (storedEntity, string, error) {
	var updated storedEntity
	var prevVersionID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		updated, prevVersionID, err = updateEntity(ctx, tx, command.EntityName, command.ID, command.Operation, "")
		return err
	})
	return updated, prevVersionID, err
}

func (s *SQLiteStore) UpdateMulti(ctx context.Context, command protocol.MultiUpdateCommand) (protocol.MultiUpdateCommandResult, error) {
	updated, prevVersionsByID, err := s.updateMulti(ctx, command)
	if err != nil {
		return protocol.MultiUpdateCommandResult{}, err
	}
	return protocol.MultiUpdateCommandResult{
		OK:               1,
		N:                len(updated),
		VersionsByID:     queryResult(updated).VersionsByID,
		PrevVersionsByID: prevVersionsByID,
	}, nil
}

func (s *SQLiteStore) UpdateAndFetch(ctx context.Context, command protocol.MultiUpdateCommand) (protocol.MultiValuesCommandResult, error) {
	updated, prevVersionsByID, err := s.updateMulti(ctx, command)
	if err != nil {
		return protocol.MultiValuesCommandResult{}, err
	}
	result := queryResult(updated)
	return protocol.MultiValuesCommandResult{
		OK:               1,
		N:                len(updated),
		Entities:         result.Entities,
		VersionsByID:     result.VersionsByID,
		PrevVersionsByID: prevVersionsByID,
	}, nil
}

// updateMulti skips missing ids. An operation that fails on any entity rolls
// back the whole command.
func (s *SQLiteStore) updateMulti(ctx context.Context, command protocol.MultiUpdateCommand) ([]storedEntity, map[string]string, error) {
	updated := make([]storedEntity, 0, len(command.IDs))
	prevVersionsByID := make(map[string]string, len(command.IDs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range command.IDs {
			if _, done := prevVersionsByID[id]; done {
				continue
			}
			entity, prevVersionID, err := updateEntity(ctx, tx, command.EntityName, id, command.Operation, "")
			if protocol.IsType(err, protocol.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			updated = append(updated, entity)
			prevVersionsByID[id] = prevVersionID
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, prevVersionsByID, nil
}

func (s *SQLiteStore) Push(ctx context.Context, command protocol.PushCommand) (protocol.PushCommandResult, error) {
	var result protocol.PushCommandResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadEntity(ctx, tx, command.EntityName, command.ID)
		if err != nil {
			return err
		}

		if command.Tag != "" {
			replayed, found, err := versionByTag(ctx, tx, command.EntityName, command.ID, command.Tag)
			if err != nil {
				return err
			}
			if found {
				// already applied: report the current state so the pusher can
				// follow it, without a transition to publish again
				result = protocol.PushCommandResult{
					OK:           1,
					N:            0,
					Entity:       current.Value,
					NewOperation: replayed.Operation,
					VersionID:    current.VersionID,
				}
				return nil
			}
		}

		var missed []protocol.Operation
		if command.VersionID != "" && command.VersionID != current.VersionID {
			records, found, err := versionsAfter(ctx, tx, command.EntityName, command.ID, command.VersionID)
			if err != nil {
				return err
			}
			if found {
				missed = operationsOf(records)
			}
		}

		if len(command.Operations) == 0 {
			result = protocol.PushCommandResult{
				OK:           1,
				Entity:       current.Value,
				Operations:   missed,
				NewOperation: protocol.Operation("[]"),
				VersionID:    current.VersionID,
			}
			return nil
		}

		newOperation, err := protocol.MergeOperations(command.Operations...)
		if err != nil {
			return err
		}
		updated, prevVersionID, err := updateEntity(ctx, tx, command.EntityName, command.ID, newOperation, command.Tag)
		if err != nil {
			return err
		}
		result = protocol.PushCommandResult{
			OK:            1,
			N:             1,
			Entity:        updated.Value,
			Operations:    missed,
			NewOperation:  newOperation,
			VersionID:     updated.VersionID,
			PrevVersionID: prevVersionID,
		}
		return nil
	})
	if err != nil {
		return protocol.PushCommandResult{}, err
	}
	return result, nil
}

// Delete reports n = 0 for an entity that does not exist.
func (s *SQLiteStore) Delete(ctx context.Context, command protocol.DeleteCommand) (protocol.DeleteCommandResult, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE entity_name = ? AND id = ?", command.EntityName, command.ID)
		if err != nil {
			return fmt.Errorf("delete entity: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete entity: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entity_versions WHERE entity_name = ? AND id = ?", command.EntityName, command.ID); err != nil {
			return fmt.Errorf("delete versions: %w", err)
		}
		return nil
	})
	if err != nil {
		return protocol.DeleteCommandResult{}, err
	}
	return protocol.DeleteCommandResult{OK: 1, N: int(affected)}, nil
}

func queryResult(entities []storedEntity) protocol.QueryResult {
	result := protocol.QueryResult{
		OK:           1,
		Entities:     make([]protocol.Entity, 0, len(entities)),
		VersionsByID: make(map[string]string, len(entities)),
	}
	for _, entity := range entities {
		result.Entities = append(result.Entities, entity.Value)
		result.VersionsByID[entity.ID] = entity.VersionID
	}
	return result
}

func operationsOf(records []versionRecord) []protocol.Operation {
	ops := make([]protocol.Operation, 0, len(records))
	for _, record := range records {
		ops = append(ops, record.Operation)
	}
	return ops
}
