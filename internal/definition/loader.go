package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/opflow/pkg/schema"
)

// LoadSpecFile reads a workflow definition from a .yaml, .yml or .json file.
func LoadSpecFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def := &schema.WorkflowDefinition{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", path, err).WithCause(err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", path, err).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported definition file %s", path)
	}
	return def, nil
}

// LoadDir reads every definition file in dir, ordered by file name.
// Files with other extensions are skipped.
func LoadDir(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*schema.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadSpecFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
