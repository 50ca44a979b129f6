package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so one strict decoder
// (DisallowUnknownFields) serves both config formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	j, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return j, nil
}

// jsonSafe rewrites the decoded YAML tree in place, forcing every map key
// to a string so json.Marshal accepts it.
func jsonSafe(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = jsonSafe(child)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = jsonSafe(child)
		}
		return out
	case []any:
		for i, child := range node {
			node[i] = jsonSafe(child)
		}
		return node
	}
	return v
}
