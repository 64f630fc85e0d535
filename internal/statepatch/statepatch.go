package statepatch

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Operation is one RFC 6902 JSON Patch operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  string          `json:"from,omitempty"`
}

var validOps = map[string]bool{
	"add":     true,
	"remove":  true,
	"replace": true,
	"move":    true,
	"copy":    true,
	"test":    true,
}

// Apply applies the operations sequentially to the shared-state document and
// returns the patched document plus the top-level keys the patch touched.
// Validation is deliberately permissive: the result only has to be a JSON
// object, partial state is fine.
func Apply(state json.RawMessage, ops []Operation) (json.RawMessage, []string, error) {
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}

	for i, op := range ops {
		if !validOps[op.Op] {
			return nil, nil, fmt.Errorf("operation %d: unknown op %q", i, op.Op)
		}
		if op.Path == "" && op.Op != "test" {
			return nil, nil, fmt.Errorf("operation %d: empty path", i)
		}
	}

	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode patch: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid patch: %w", err)
	}

	patched, err := patch.ApplyWithOptions(state, &jsonpatch.ApplyOptions{
		EnsurePathExistsOnAdd:    true,
		AllowMissingPathOnRemove: false,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply patch: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(patched, &top); err != nil {
		return nil, nil, fmt.Errorf("patched state is not an object: %w", err)
	}

	return patched, changedKeys(ops), nil
}

// changedKeys collects the distinct top-level keys named by mutating
// operations, in first-touch order.
func changedKeys(ops []Operation) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, op := range ops {
		if op.Op == "test" {
			continue
		}
		key := topLevelKey(op.Path)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

func topLevelKey(path string) string {
	path = strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		path = path[:idx]
	}
	return path
}
