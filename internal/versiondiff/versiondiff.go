// Package versiondiff derives the per-entity version transitions produced by a
// completed request.
package versiondiff

import "entitysync/server/internal/protocol"

// Compute returns the version diffs of a request/response pair. Error
// responses, non-mutating methods and undecodable payloads produce none.
func Compute(req protocol.RequestData, res protocol.ResponseData) []protocol.VersionDiff {
	if res.IsError() {
		return nil
	}
	switch req.Method {
	case protocol.MethodUpdateByID:
		var command protocol.IDUpdateCommand
		var result protocol.IDUpdateCommandResult
		if !decode(req, res, &command, &result) {
			return nil
		}
		return byID(command, result.VersionID, result.PrevVersionID)

	case protocol.MethodUpdateAndGet:
		var command protocol.IDUpdateCommand
		var result protocol.GetCommandResult
		if !decode(req, res, &command, &result) {
			return nil
		}
		return byID(command, result.VersionID, result.PrevVersionID)

	case protocol.MethodUpdateMulti:
		var command protocol.MultiUpdateCommand
		var result protocol.MultiUpdateCommandResult
		if !decode(req, res, &command, &result) {
			return nil
		}
		return byIDs(command, result.VersionsByID, result.PrevVersionsByID)

	case protocol.MethodUpdateAndFetch:
		var command protocol.MultiUpdateCommand
		var result protocol.MultiValuesCommandResult
		if !decode(req, res, &command, &result) {
			return nil
		}
		return byIDs(command, result.VersionsByID, result.PrevVersionsByID)

	case protocol.MethodPush:
		var command protocol.PushCommand
		var result protocol.PushCommandResult
		if !decode(req, res, &command, &result) {
			return nil
		}
		if result.VersionID == "" || result.PrevVersionID == "" {
			return nil
		}
		// push may be rebased server side, so the applied operation is the
		// one reported back, not the submitted ones.
		return []protocol.VersionDiff{{
			EntityName:    command.EntityName,
			ID:            command.ID,
			Operation:     result.NewOperation,
			VersionID:     result.VersionID,
			PrevVersionID: result.PrevVersionID,
		}}
	}
	return nil
}

func decode(req protocol.RequestData, res protocol.ResponseData, command any, result any) bool {
	if err := req.Decode(command); err != nil {
		return false
	}
	return res.Decode(req.Method, result) == nil
}

func byID(command protocol.IDUpdateCommand, versionID, prevVersionID string) []protocol.VersionDiff {
	if versionID == "" || prevVersionID == "" {
		return nil
	}
	return []protocol.VersionDiff{{
		EntityName:    command.EntityName,
		ID:            command.ID,
		Operation:     command.Operation,
		VersionID:     versionID,
		PrevVersionID: prevVersionID,
	}}
}

// byIDs skips ids without a complete version pair; partial results are
// expected from multi-entity updates. Diffs follow the order of the command's
// ids.
func byIDs(command protocol.MultiUpdateCommand, versionsByID, prevVersionsByID map[string]string) []protocol.VersionDiff {
	if len(versionsByID) == 0 || len(prevVersionsByID) == 0 {
		return nil
	}
	diffs := make([]protocol.VersionDiff, 0, len(command.IDs))
	seen := make(map[string]bool, len(command.IDs))
	for _, id := range command.IDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		versionID := versionsByID[id]
		prevVersionID := prevVersionsByID[id]
		if versionID == "" || prevVersionID == "" {
			continue
		}
		diffs = append(diffs, protocol.VersionDiff{
			EntityName:    command.EntityName,
			ID:            id,
			Operation:     command.Operation,
			VersionID:     versionID,
			PrevVersionID: prevVersionID,
		})
	}
	return diffs
}
