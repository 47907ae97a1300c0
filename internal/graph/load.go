package graph

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Parse decodes a graph document. JSON is tried when the payload starts
// with '{', YAML otherwise.
func Parse(data []byte) (Graph, error) {
	var g Graph
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return g, invalid("empty graph document")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &g); err != nil {
			return g, fmt.Errorf("decode graph json: %w", err)
		}
		return g, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(trimmed))
	decoder.KnownFields(true)
	if err := decoder.Decode(&g); err != nil {
		return g, fmt.Errorf("decode graph yaml: %w", err)
	}
	return g, nil
}

func LoadFile(path string) (Graph, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Graph{}, err
	}
	g, err := Parse(data)
	if err != nil {
		return Graph{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(g); err != nil {
		return Graph{}, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Marshal renders a graph as YAML, or JSON when asJSON is set.
func Marshal(g Graph, asJSON bool) ([]byte, error) {
	if asJSON {
		return json.MarshalIndent(g, "", "  ")
	}
	var buf strings.Builder
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(g); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}
