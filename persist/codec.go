package persist

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/statelayer/statelayer/store"
)

// ErrCorruptSnapshot is returned when persisted bytes are not a valid
// JSON object.
var ErrCorruptSnapshot = errors.New("persist: corrupt snapshot")

// EncodeSnapshot serializes a state tree for storage.
func EncodeSnapshot(tree store.StateTree) ([]byte, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses stored bytes back into a state tree. The bytes
// are validated before unmarshaling so a truncated or scribbled-over
// snapshot fails cleanly instead of half-loading.
func DecodeSnapshot(data []byte) (store.StateTree, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, ErrCorruptSnapshot
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrCorruptSnapshot)
	}
	var tree store.StateTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return tree, nil
}
