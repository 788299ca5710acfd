package config

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

//go:embed catalyst_playbook_schema.json
var schemaBytes []byte

var (
	schema     *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaBytes) == 0 {
			schemaErr = caterrors.New(caterrors.KindConfigInvalid, "embedded playbook schema is empty", "", nil)
			return
		}
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaBytes))
		if schemaErr != nil {
			schemaErr = caterrors.New(caterrors.KindConfigInvalid, "compiling embedded playbook schema", "", schemaErr)
		}
	})
	return schema, schemaErr
}

// SchemaViolations validates a decoded document (maps, slices, scalars) and
// returns one line per schema failure, sorted.
func SchemaViolations(document interface{}) ([]string, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, err
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, caterrors.New(caterrors.KindConfigInvalid, "running schema validation", "", err)
	}
	if result.Valid() {
		return nil, nil
	}
	out := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		out = append(out, fmt.Sprintf("%s: %s", field, desc.Description()))
	}
	sort.Strings(out)
	return out, nil
}

// SchemaJSON returns the embedded playbook schema.
func SchemaJSON() []byte {
	return schemaBytes
}
