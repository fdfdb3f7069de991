// Package yamlx holds the YAML helpers shared by the config and registry loaders.
package yamlx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// IsYAML reports whether path has a .yaml/.yml extension.
func IsYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// CoerceToJSON converts YAML bytes to JSON so callers can re-use the strict
// JSON decoder (DisallowUnknownFields) for both formats. Non-YAML paths pass through.
func CoerceToJSON(path string, data []byte) ([]byte, error) {
	if !IsYAML(path) {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// DecodeDocuments reads every document of a multi-document YAML stream as a map.
// Empty documents are skipped.
func DecodeDocuments(data []byte) ([]map[string]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []map[string]any
	for {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("yaml document %d: %w", len(out)+1, err)
		}
		if doc == nil {
			continue
		}
		m, ok := Normalize(doc).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("yaml document %d: expected mapping, got %T", len(out)+1, doc)
		}
		out = append(out, m)
	}
}

// EncodeDocument renders m as one explicit-start YAML document ("---\n...").
func EncodeDocument(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize ensures all map keys are strings so the result can be JSON-marshaled.
func Normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = Normalize(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = Normalize(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = Normalize(x[i])
		}
		return x
	default:
		return in
	}
}
