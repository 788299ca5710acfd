package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

const playbookGuidance = "Fix the listed fields in the playbook and run 'catalyst validate' again."

// LoadPlaybook parses a YAML, JSON or JSONC playbook document, validates it
// against the embedded schema, decodes it strictly and checks its structure.
// Every failure is a PlaybookNotValid error listing all violations found at
// the stage that failed.
func LoadPlaybook(content []byte, filePathHint string) (*Playbook, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, caterrors.NewValidation(caterrors.KindPlaybookNotValid,
			fmt.Sprintf("playbook %s is empty", displayPath(filePathHint)), []string{"document is empty"}, playbookGuidance)
	}

	if isJSON(content, filePathHint) {
		content = jsonc.ToJSON(content)
	}

	var document interface{}
	if err := yaml.Unmarshal(content, &document); err != nil {
		return nil, caterrors.NewValidation(caterrors.KindPlaybookNotValid,
			fmt.Sprintf("playbook %s could not be parsed", displayPath(filePathHint)), []string{err.Error()}, playbookGuidance)
	}
	violations, err := SchemaViolations(document)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, caterrors.NewValidation(caterrors.KindPlaybookNotValid,
			fmt.Sprintf("playbook %s failed schema validation", displayPath(filePathHint)), violations, playbookGuidance)
	}

	var playbook Playbook
	if err := yamlUnmarshalStrict(content, &playbook); err != nil {
		return nil, caterrors.NewValidation(caterrors.KindPlaybookNotValid,
			fmt.Sprintf("playbook %s could not be decoded", displayPath(filePathHint)), []string{err.Error()}, playbookGuidance)
	}
	playbook.FilePath = filePathHint

	if violations := ValidatePlaybookStructure(&playbook); len(violations) > 0 {
		return nil, caterrors.NewValidation(caterrors.KindPlaybookNotValid,
			fmt.Sprintf("playbook %s has %d violation(s)", displayPath(filePathHint), len(violations)), violations, playbookGuidance)
	}
	return &playbook, nil
}

// LoadPlaybookFromFile reads and loads the playbook at filePath.
func LoadPlaybookFromFile(filePath string) (*Playbook, error) {
	if filePath == "" {
		return nil, caterrors.New(caterrors.KindConfigInvalid, "playbook file path cannot be empty", "", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("resolving path %s", filePath), "", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("reading playbook %s", absPath),
			"Check that the playbook file exists and is readable.", err)
	}
	return LoadPlaybook(content, absPath)
}

func isJSON(content []byte, hint string) bool {
	switch strings.ToLower(filepath.Ext(hint)) {
	case ".json", ".jsonc":
		return true
	case ".yaml", ".yml":
		return false
	}
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) > 0 && (trimmed[0] == '{' || bytes.HasPrefix(trimmed, []byte("//")) || bytes.HasPrefix(trimmed, []byte("/*")))
}

func displayPath(hint string) string {
	if hint == "" {
		return "<inline>"
	}
	return "'" + hint + "'"
}

// yamlUnmarshalStrict rejects fields the Playbook type does not declare.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
