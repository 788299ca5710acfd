package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// PolicyAction is what the executor does with a failed step.
type PolicyAction string

const (
	ActionStop             PolicyAction = "Stop"
	ActionSuspend          PolicyAction = "Suspend"
	ActionBreak            PolicyAction = "Break"
	ActionInquire          PolicyAction = "Inquire"
	ActionContinue         PolicyAction = "Continue"
	ActionSilentlyContinue PolicyAction = "SilentlyContinue"
	ActionIgnore           PolicyAction = "Ignore"
)

var validPolicyActions = map[PolicyAction]struct{}{
	ActionStop: {}, ActionSuspend: {}, ActionBreak: {}, ActionInquire: {},
	ActionContinue: {}, ActionSilentlyContinue: {}, ActionIgnore: {},
}

// Valid reports whether a is a known action token.
func (a PolicyAction) Valid() bool {
	_, ok := validPolicyActions[a]
	return ok
}

// PolicyRule is the per-code entry of a map policy.
type PolicyRule struct {
	Action     PolicyAction `yaml:"action" json:"action"`
	RetryCount int          `yaml:"retryCount,omitempty" json:"retryCount,omitempty"`
}

// DefaultRuleKey is the mandatory fallback entry of a map policy.
const DefaultRuleKey = "default"

// ErrorPolicy is either a bare action token (Action set, Rules nil) or a map
// from error code to rule with a mandatory "default" entry.
type ErrorPolicy struct {
	Action PolicyAction
	Rules  map[string]PolicyRule
}

// TokenPolicy builds a bare-token policy.
func TokenPolicy(a PolicyAction) *ErrorPolicy {
	return &ErrorPolicy{Action: a}
}

// MapPolicy builds a map policy from a default rule and per-code overrides.
func MapPolicy(def PolicyRule, overrides map[string]PolicyRule) *ErrorPolicy {
	rules := make(map[string]PolicyRule, len(overrides)+1)
	for code, r := range overrides {
		rules[code] = r
	}
	rules[DefaultRuleKey] = def
	return &ErrorPolicy{Rules: rules}
}

// IsToken reports whether p is the bare-token form.
func (p *ErrorPolicy) IsToken() bool { return p != nil && p.Rules == nil }

func (p *ErrorPolicy) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		p.Action = PolicyAction(node.Value)
		p.Rules = nil
		return nil
	case yaml.MappingNode:
		rules := make(map[string]PolicyRule)
		if err := node.Decode(&rules); err != nil {
			return fmt.Errorf("line %d: errorPolicy: %w", node.Line, err)
		}
		p.Action = ""
		p.Rules = rules
		return nil
	default:
		return fmt.Errorf("line %d: errorPolicy must be an action name or a mapping of error codes", node.Line)
	}
}

// MarshalYAML writes the policy back in the form it was read.
func (p ErrorPolicy) MarshalYAML() (interface{}, error) {
	if p.Rules == nil {
		return string(p.Action), nil
	}
	return p.Rules, nil
}

// Violations lists every problem with the policy, each prefixed by where.
func (p *ErrorPolicy) Violations(where string) []string {
	if p == nil {
		return nil
	}
	var out []string
	if p.Rules == nil {
		if !p.Action.Valid() {
			out = append(out, fmt.Sprintf("%s: unknown error policy action %q", where, p.Action))
		}
		return out
	}
	if _, ok := p.Rules[DefaultRuleKey]; !ok {
		out = append(out, fmt.Sprintf("%s: error policy map must contain a %q entry", where, DefaultRuleKey))
	}
	codes := make([]string, 0, len(p.Rules))
	for code := range p.Rules {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		r := p.Rules[code]
		if !r.Action.Valid() {
			out = append(out, fmt.Sprintf("%s: error policy %q has unknown action %q", where, code, r.Action))
		}
		if r.RetryCount < 0 {
			out = append(out, fmt.Sprintf("%s: error policy %q retryCount must not be negative", where, code))
		}
	}
	return out
}
