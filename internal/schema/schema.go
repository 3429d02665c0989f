// Package schema validates on-disk records against embedded JSON Schemas.
package schema

import (
	"embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// Schema names.
const (
	State       = "state"
	Session     = "session"
	Override    = "override"
	Snapshot    = "snapshot"
	Termination = "termination"
)

//go:embed v1/*.schema.json
var files embed.FS

var (
	mu       sync.Mutex
	compiled = map[string]*jsonschema.Schema{}
)

// Validate checks data against the named schema.
func Validate(name string, data []byte) error {
	s, err := load(name)
	if err != nil {
		return err
	}
	result := s.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%s schema validation failed: %v", name, result.Errors)
}

// Raw returns the schema document, for the doctor command and tests.
func Raw(name string) ([]byte, error) {
	data, err := files.ReadFile("v1/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return data, nil
}

func load(name string) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()

	if s, ok := compiled[name]; ok {
		return s, nil
	}
	data, err := Raw(name)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	s, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	compiled[name] = s
	return s, nil
}
