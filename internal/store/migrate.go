package store

import (
	"encoding/json"
	"fmt"
)

// Migration upgrades a document's data by one version in place.
type Migration func(data map[string]any) error

// envelope is the on-disk shape of every document. Documents written before
// versioning existed have no envelope and count as version 0.
type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func decode(raw []byte, migrations []Migration) (map[string]any, int, error) {
	if len(raw) == 0 {
		return map[string]any{}, len(migrations), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, 0, err
	}

	version := 0
	body := raw
	if _, hasVersion := fields["version"]; hasVersion {
		if _, hasData := fields["data"]; hasData && len(fields) == 2 {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return nil, 0, err
			}
			version = env.Version
			body = env.Data
		}
	}
	if version > len(migrations) {
		return nil, 0, fmt.Errorf("document version %d is newer than supported %d", version, len(migrations))
	}

	data := map[string]any{}
	if len(body) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, 0, err
		}
	}
	for v := version; v < len(migrations); v++ {
		if err := migrations[v](data); err != nil {
			return nil, 0, fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return data, version, nil
}

func encode(root map[string]any, version int) ([]byte, error) {
	data, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: version, Data: data})
}

// RenameKey returns a migration that renames key old to new inside every
// object found directly under the parent path.
func RenameKey(parent, old, new string) Migration {
	return func(data map[string]any) error {
		node, ok := lookup(data, splitPath(parent))
		if !ok {
			return nil
		}
		children, ok := node.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is not an object", parent)
		}
		for _, child := range children {
			obj, ok := child.(map[string]any)
			if !ok {
				continue
			}
			v, ok := obj[old]
			if !ok {
				continue
			}
			if _, exists := obj[new]; !exists {
				obj[new] = v
			}
			delete(obj, old)
		}
		return nil
	}
}
