// Package loader reads workflow definitions from YAML or JSON files.
package loader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowrun/pkg/schema"
)

// LoadFile reads a workflow definition from path. The format is chosen by
// extension: .json is parsed as JSON, everything else as YAML.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot read workflow file %s", path).WithCause(err)
	}

	var def *schema.WorkflowDefinition
	if strings.EqualFold(filepath.Ext(path), ".json") {
		def, err = ParseJSON(data)
	} else {
		def, err = ParseYAML(data)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot parse workflow file %s", path).WithCause(err)
	}
	return def, nil
}

// ParseJSON decodes a JSON workflow definition.
func ParseJSON(data []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseYAML decodes a YAML workflow definition. Node params and configs are
// dynamically typed (they depend on the node type), so the document cannot be
// unmarshalled into the typed definition directly: it is decoded into a
// generic map first and round-tripped through JSON, which fills the raw
// params/config fields.
func ParseYAML(data []byte) (*schema.WorkflowDefinition, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return ParseJSON(jsonData)
}

// LoadDir loads every .yaml, .yml, and .json workflow file in dir,
// non-recursive, sorted by filename. Other files are skipped.
func LoadDir(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot read workflow directory %s", dir).WithCause(err)
	}

	var defs []*schema.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
