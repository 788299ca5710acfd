package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Playbook is a parsed playbook definition. It is immutable once loaded.
type Playbook struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Owner       string            `yaml:"owner" json:"owner"`
	Version     string            `yaml:"version,omitempty" json:"version,omitempty"`
	Inputs      []InputParameter  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Steps       []Step            `yaml:"steps" json:"steps"`
	Catch       []CatchHandler    `yaml:"catch,omitempty" json:"catch,omitempty"`
	Finally     []Step            `yaml:"finally,omitempty" json:"finally,omitempty"`
	ErrorPolicy *ErrorPolicy      `yaml:"errorPolicy,omitempty" json:"errorPolicy,omitempty"`
	Resources   *ResourceSpec     `yaml:"resources,omitempty" json:"resources,omitempty"`

	// FilePath is where the playbook was loaded from, if anywhere.
	FilePath string `yaml:"-" json:"-"`
}

// Step is one unit of work bound to an action.
type Step struct {
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Action      string       `yaml:"action" json:"action"`
	Config      any          `yaml:"config" json:"config"`
	ErrorPolicy *ErrorPolicy `yaml:"errorPolicy,omitempty" json:"errorPolicy,omitempty"`
}

// DisplayName returns the step's name, or `{action}-{index+1}` when unnamed.
func (s Step) DisplayName(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s-%d", s.Action, index+1)
}

// FinallyBlock qualifies unnamed finally steps.
const FinallyBlock = "finally"

// CatchBlock qualifies unnamed steps of the i-th catch handler.
func CatchBlock(i int) string { return fmt.Sprintf("catch-%d", i+1) }

// QualifiedName is the step's name within block. Unnamed steps outside the
// main block ("") are prefixed with the block, e.g. `finally.notify-1`, so
// synthesized names never collide across blocks.
func (s Step) QualifiedName(block string, index int) string {
	if s.Name != "" || block == "" {
		return s.DisplayName(index)
	}
	return block + "." + s.DisplayName(index)
}

var reservedStepKeys = map[string]struct{}{
	"name": {}, "action": {}, "config": {}, "errorPolicy": {},
}

// UnmarshalYAML accepts both the explicit form (`action:` + `config:`) and
// the shorthand form where the only non-reserved key is the action id and its
// value is the config.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: step must be a mapping", node.Line)
	}
	var shorthand string
	configSet := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "name":
			if err := val.Decode(&s.Name); err != nil {
				return fmt.Errorf("line %d: step name: %w", val.Line, err)
			}
		case "action":
			if err := val.Decode(&s.Action); err != nil {
				return fmt.Errorf("line %d: step action: %w", val.Line, err)
			}
		case "config":
			if err := decodeConfig(val, &s.Config); err != nil {
				return err
			}
			configSet = true
		case "errorPolicy":
			s.ErrorPolicy = &ErrorPolicy{}
			if err := val.Decode(s.ErrorPolicy); err != nil {
				return err
			}
		default:
			if shorthand != "" {
				return fmt.Errorf("line %d: step declares more than one action (%q and %q)", node.Content[i].Line, shorthand, key)
			}
			shorthand = key
			if err := decodeConfig(val, &s.Config); err != nil {
				return err
			}
		}
	}
	if shorthand != "" {
		if s.Action != "" || configSet {
			return fmt.Errorf("line %d: step mixes shorthand %q with action/config keys", node.Line, shorthand)
		}
		s.Action = shorthand
	}
	return nil
}

// decodeConfig decodes a config value. An explicit null becomes an empty map,
// since a present-but-empty config is valid.
func decodeConfig(val *yaml.Node, out *any) error {
	if val.Tag == "!!null" {
		*out = map[string]any{}
		return nil
	}
	if err := val.Decode(out); err != nil {
		return fmt.Errorf("line %d: step config: %w", val.Line, err)
	}
	return nil
}

// InputParameter declares one typed playbook input.
type InputParameter struct {
	Name        string           `yaml:"name" json:"name"`
	Type        string           `yaml:"type" json:"type"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool             `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any              `yaml:"default,omitempty" json:"default,omitempty"`
	Allowed     []any            `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Validation  []ValidationRule `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// Input types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

var validInputTypes = map[string]struct{}{
	TypeString: {}, TypeNumber: {}, TypeBoolean: {}, TypeArray: {}, TypeObject: {},
}

// ValidationRule is a constraint on an input value. Every field that is set
// is checked.
type ValidationRule struct {
	Pattern   string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	MinLength *int     `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	MaxLength *int     `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	// Expr is an expr-lang boolean expression over `value` and `inputs`.
	Expr    string `yaml:"expr,omitempty" json:"expr,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// CatchHandler runs recovery steps when the run aborts with Code. A handler
// with code "default" matches any code without its own handler.
type CatchHandler struct {
	Code  string `yaml:"code" json:"code"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// DefaultCatchCode names the fallback catch handler.
const DefaultCatchCode = "default"

// ResourceSpec lists the paths and branches a run locks. Entries may be
// templates over the run's inputs.
type ResourceSpec struct {
	Paths    []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`
}

// FindCatch returns the handler for code, falling back to the default
// handler.
func (p *Playbook) FindCatch(code string) *CatchHandler {
	if i := p.FindCatchIndex(code); i >= 0 {
		return &p.Catch[i]
	}
	return nil
}

// FindCatchIndex is FindCatch returning the handler's index, or -1.
func (p *Playbook) FindCatchIndex(code string) int {
	fallback := -1
	for i, h := range p.Catch {
		if h.Code == code {
			return i
		}
		if h.Code == DefaultCatchCode && fallback < 0 {
			fallback = i
		}
	}
	return fallback
}
