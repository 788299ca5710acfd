// Package inputs applies defaults, coercion and validation rules to the
// values a caller supplies for a playbook's declared inputs.
package inputs

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/expr-lang/expr"

	"github.com/xerilium/catalyst/internal/config"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

const guidance = "Pass the listed inputs with -i name=value, or declare defaults for them in the playbook."

// Resolve returns the effective input map: provided values coerced to their
// declared types, with defaults filled in. Values for undeclared names pass
// through unchanged. Every violation found is reported in a single
// InputValidationFailed error.
func Resolve(params []config.InputParameter, provided map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(provided)+len(params))
	for k, v := range provided {
		out[k] = v
	}

	present := make(map[string]bool, len(params))
	for _, p := range params {
		v, ok := provided[p.Name]
		if !ok && p.Default != nil {
			v, ok = p.Default, true
		}
		if !ok {
			continue
		}
		present[p.Name] = true
		out[p.Name] = Coerce(p.Type, v)
	}

	var violations []string
	for _, p := range params {
		if !present[p.Name] {
			if p.Required {
				violations = append(violations, fmt.Sprintf("input '%s' is required", p.Name))
			}
			continue
		}
		violations = append(violations, check(p, out[p.Name], out)...)
	}
	if len(violations) > 0 {
		return nil, caterrors.NewValidation(caterrors.KindInputValidationFailed,
			fmt.Sprintf("%d input violation(s)", len(violations)), violations, guidance)
	}
	return out, nil
}

// Coerce converts CLI-style string values to typ. Booleans accept
// true/false/1/0 in any case, numbers accept anything strconv.ParseFloat
// does, arrays and objects accept JSON. Anything else is returned unchanged
// so that type validation reports it.
func Coerce(typ string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch typ {
	case config.TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
	case config.TypeNumber:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	case config.TypeArray:
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			return arr
		}
	case config.TypeObject:
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return obj
		}
	}
	return v
}

func check(p config.InputParameter, v any, all map[string]any) []string {
	if !MatchesType(p.Type, v) {
		return []string{fmt.Sprintf("input '%s' must be of type %s, got %T", p.Name, p.Type, v)}
	}

	var out []string
	if len(p.Allowed) > 0 && !isAllowed(v, p.Allowed) {
		out = append(out, fmt.Sprintf("input '%s' must be one of %v", p.Name, p.Allowed))
	}
	for _, r := range p.Validation {
		if msg := checkRule(r, v, all); msg != "" {
			if r.Message != "" {
				msg = r.Message
			}
			out = append(out, fmt.Sprintf("input '%s': %s", p.Name, msg))
		}
	}
	return out
}

func checkRule(r config.ValidationRule, v any, all map[string]any) string {
	if r.Pattern != "" {
		s, ok := v.(string)
		re, err := regexp.Compile(r.Pattern)
		switch {
		case err != nil:
			return fmt.Sprintf("invalid pattern %q: %v", r.Pattern, err)
		case !ok:
			return "pattern applies to strings only"
		case !re.MatchString(s):
			return fmt.Sprintf("value does not match pattern %q", r.Pattern)
		}
	}
	if r.MinLength != nil || r.MaxLength != nil {
		n, ok := length(v)
		if !ok {
			return "length constraints apply to strings and arrays only"
		}
		if r.MinLength != nil && n < *r.MinLength {
			return fmt.Sprintf("length %d is less than minLength %d", n, *r.MinLength)
		}
		if r.MaxLength != nil && n > *r.MaxLength {
			return fmt.Sprintf("length %d is greater than maxLength %d", n, *r.MaxLength)
		}
	}
	if r.Min != nil || r.Max != nil {
		f, ok := toFloat(v)
		if !ok {
			return "range constraints apply to numbers only"
		}
		if r.Min != nil && f < *r.Min {
			return fmt.Sprintf("%v is less than min %v", f, *r.Min)
		}
		if r.Max != nil && f > *r.Max {
			return fmt.Sprintf("%v is greater than max %v", f, *r.Max)
		}
	}
	if r.Expr != "" {
		env := map[string]any{"value": v, "inputs": all}
		program, err := expr.Compile(r.Expr, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Sprintf("invalid expression %q: %v", r.Expr, err)
		}
		res, err := expr.Run(program, env)
		if err != nil {
			return fmt.Sprintf("evaluating %q: %v", r.Expr, err)
		}
		if ok, _ := res.(bool); !ok {
			return fmt.Sprintf("expression %q is false", r.Expr)
		}
	}
	return ""
}

// MatchesType reports whether v has the declared input or output type.
func MatchesType(typ string, v any) bool {
	switch typ {
	case config.TypeString:
		_, ok := v.(string)
		return ok
	case config.TypeNumber:
		_, ok := toFloat(v)
		return ok
	case config.TypeBoolean:
		_, ok := v.(bool)
		return ok
	case config.TypeArray:
		return v != nil && reflect.TypeOf(v).Kind() == reflect.Slice
	case config.TypeObject:
		return v != nil && reflect.TypeOf(v).Kind() == reflect.Map
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func length(v any) (int, bool) {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s), true
	}
	if v != nil && reflect.TypeOf(v).Kind() == reflect.Slice {
		return reflect.ValueOf(v).Len(), true
	}
	return 0, false
}

// isAllowed compares by printed form so that 1 and 1.0 are the same value.
func isAllowed(v any, allowed []any) bool {
	want := fmt.Sprint(v)
	for _, a := range allowed {
		if fmt.Sprint(a) == want {
			return true
		}
	}
	return false
}

// Names returns the declared input names, sorted.
func Names(params []config.InputParameter) []string {
	out := make([]string, 0, len(params))
	for _, p := range params {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}
