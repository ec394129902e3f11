package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func detectFormat(path string, data []byte) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return formatJSON
	}
	return formatYAML
}

// toJSON returns the file as JSON so both formats go through the same strict
// decoder. JSON input is passed through untouched.
func toJSON(path string, data []byte) ([]byte, format, error) {
	f := detectFormat(path, data)
	if f == formatJSON {
		return data, f, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, f, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		// Empty file.
		return []byte("{}"), f, nil
	}
	doc, err := stringKeys("", doc)
	if err != nil {
		return nil, f, err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, f, fmt.Errorf("yaml to json: %w", err)
	}
	return out, f, nil
}

// stringKeys walks a decoded YAML tree and rejects mappings keyed by anything
// other than strings, e.g. `1: x` or `true: y`.
func stringKeys(at string, v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			c, err := stringKeys(joinKey(at, k), child)
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: %s: non-string key %v", orRoot(at), k)
			}
			c, err := stringKeys(joinKey(at, ks), child)
			if err != nil {
				return nil, err
			}
			out[ks] = c
		}
		return out, nil
	case []any:
		for i := range x {
			c, err := stringKeys(fmt.Sprintf("%s[%d]", at, i), x[i])
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
		return x, nil
	default:
		return v, nil
	}
}

func joinKey(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "<root>"
	}
	return at
}
