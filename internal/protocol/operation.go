package protocol

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// Operation is an RFC 6902 JSON Patch document. It applies atomically: either
// every step succeeds or the document is left as it was.
type Operation = json.RawMessage

// ApplyOperation returns doc with op applied.
func ApplyOperation(doc json.RawMessage, op Operation) (json.RawMessage, error) {
	patch, err := jsonpatch.DecodePatch(op)
	if err != nil {
		return nil, NewError(ErrBadRequest, fmt.Sprintf("decode operation: %v", err))
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, NewError(ErrBadRequest, fmt.Sprintf("apply operation: %v", err))
	}
	return out, nil
}

// ApplyOperations applies ops in order.
func ApplyOperations(doc json.RawMessage, ops ...Operation) (json.RawMessage, error) {
	current := doc
	for _, op := range ops {
		next, err := ApplyOperation(current, op)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// MergeOperations concatenates ops into a single patch with the same effect
// as applying them one after another.
func MergeOperations(ops ...Operation) (Operation, error) {
	merged := make([]json.RawMessage, 0)
	for _, op := range ops {
		var steps []json.RawMessage
		if err := json.Unmarshal(op, &steps); err != nil {
			return nil, NewError(ErrBadRequest, fmt.Sprintf("decode operation: %v", err))
		}
		merged = append(merged, steps...)
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged operation: %w", err)
	}
	return out, nil
}

// EntityID reads the "id" field of an entity.
func EntityID(entity Entity) (string, error) {
	var target struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(entity, &target); err != nil {
		return "", NewError(ErrBadRequest, fmt.Sprintf("decode entity: %v", err))
	}
	return target.ID, nil
}
