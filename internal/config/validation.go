package config

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

var (
	stepNameRegex  = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)
	identifierLike = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)
)

// ValidatePlaybookStructure checks everything that can be checked without an
// action registry and returns every violation found.
func ValidatePlaybookStructure(p *Playbook) []string {
	if p == nil {
		return []string{"playbook is nil"}
	}
	var v []string

	if strings.TrimSpace(p.Name) == "" {
		v = append(v, "name is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		v = append(v, "description is required")
	}
	if strings.TrimSpace(p.Owner) == "" {
		v = append(v, "owner is required")
	}
	if len(p.Steps) == 0 {
		v = append(v, "steps must contain at least one step")
	}
	if p.Version != "" && !semver.IsValid(canonicalVersion(p.Version)) {
		v = append(v, fmt.Sprintf("version %q is not a semantic version", p.Version))
	}

	v = append(v, p.ErrorPolicy.Violations("errorPolicy")...)
	v = append(v, validateInputs(p.Inputs)...)

	for name, typ := range p.Outputs {
		if _, ok := validInputTypes[typ]; !ok {
			v = append(v, fmt.Sprintf("outputs.%s: unknown type %q", name, typ))
		}
	}

	// Step names share one namespace across steps, catch and finally, since
	// they all write into the same variables map. Unnamed cleanup steps get
	// block-qualified names and cannot collide with the main block.
	seen := make(map[string]string)
	v = append(v, validateSteps("steps", "", p.Steps, seen)...)
	catchCodes := make(map[string]struct{})
	for i, h := range p.Catch {
		where := fmt.Sprintf("catch[%d]", i)
		if h.Code == "" {
			v = append(v, where+": code is required")
		} else if _, dup := catchCodes[h.Code]; dup {
			v = append(v, fmt.Sprintf("%s: duplicate handler for code %q", where, h.Code))
		}
		catchCodes[h.Code] = struct{}{}
		if len(h.Steps) == 0 {
			v = append(v, where+": steps must contain at least one step")
		}
		v = append(v, validateSteps(where+".steps", CatchBlock(i), h.Steps, seen)...)
	}
	v = append(v, validateSteps("finally", FinallyBlock, p.Finally, seen)...)

	if p.Resources != nil {
		for i, path := range p.Resources.Paths {
			if strings.TrimSpace(path) == "" {
				v = append(v, fmt.Sprintf("resources.paths[%d]: must not be empty", i))
			}
		}
		for i, b := range p.Resources.Branches {
			if strings.TrimSpace(b) == "" {
				v = append(v, fmt.Sprintf("resources.branches[%d]: must not be empty", i))
			}
		}
	}
	return v
}

func validateSteps(where, block string, steps []Step, seen map[string]string) []string {
	var v []string
	for i, s := range steps {
		loc := fmt.Sprintf("%s[%d]", where, i)
		if s.Name != "" {
			loc = fmt.Sprintf("%s[%d] (%s)", where, i, s.Name)
			if !stepNameRegex.MatchString(s.Name) {
				v = append(v, loc+": name may only contain letters, digits, '_', '-' and '.'")
			}
		}
		if strings.TrimSpace(s.Action) == "" {
			v = append(v, loc+": action is required")
		}
		if s.Config == nil {
			v = append(v, loc+": config is required (use {} for none)")
		}
		if s.Action != "" {
			name := s.QualifiedName(block, i)
			if prev, dup := seen[name]; dup {
				v = append(v, fmt.Sprintf("%s: step name %q already used at %s", loc, name, prev))
			} else {
				seen[name] = loc
			}
		}
		v = append(v, s.ErrorPolicy.Violations(loc+".errorPolicy")...)
	}
	return v
}

func validateInputs(inputs []InputParameter) []string {
	var v []string
	names := make(map[string]struct{})
	for i, in := range inputs {
		loc := fmt.Sprintf("inputs[%d]", i)
		if in.Name == "" {
			v = append(v, loc+": name is required")
		} else {
			loc = fmt.Sprintf("inputs[%d] (%s)", i, in.Name)
			if !identifierLike.MatchString(in.Name) {
				v = append(v, loc+": name must start with a letter or '_' and contain only letters, digits, '_' or '-'")
			}
			if _, dup := names[in.Name]; dup {
				v = append(v, loc+": duplicate input name")
			}
			names[in.Name] = struct{}{}
		}
		if _, ok := validInputTypes[in.Type]; !ok {
			v = append(v, fmt.Sprintf("%s: unknown type %q", loc, in.Type))
		}
		for j, r := range in.Validation {
			rloc := fmt.Sprintf("%s.validation[%d]", loc, j)
			if r.Pattern != "" {
				if _, err := regexp.Compile(r.Pattern); err != nil {
					v = append(v, fmt.Sprintf("%s: invalid pattern: %v", rloc, err))
				}
			}
			if r.MinLength != nil && r.MaxLength != nil && *r.MinLength > *r.MaxLength {
				v = append(v, rloc+": minLength exceeds maxLength")
			}
			if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
				v = append(v, rloc+": min exceeds max")
			}
			if r.Pattern == "" && r.MinLength == nil && r.MaxLength == nil && r.Min == nil && r.Max == nil && r.Expr == "" {
				v = append(v, rloc+": rule sets no constraint")
			}
		}
	}
	return v
}

func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
