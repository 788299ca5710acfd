// Package template resolves `{{ }}` expressions in step configs, resource
// declarations and outputs.
package template

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	"github.com/Jeffail/gabs/v2"

	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
)

var simpleVarRegex = regexp.MustCompile(`^\s*\{\{\s*\.([a-zA-Z0-9_.-]+)\s*\}\}\s*$`)

// SecretSource resolves secret names for the `secret` template function.
type SecretSource interface {
	Resolve(name string) (string, bool)
}

// Renderer is the templating surface the engine depends on.
type Renderer interface {
	Render(templateString string, data interface{}) (string, error)
	Resolve(templateString string, data interface{}) (interface{}, error)
	ResolveValue(value interface{}, data interface{}) (interface{}, error)
	ExtractVariables(templateString string) ([]string, error)
	GetFuncMap() template.FuncMap
}

// GoRenderer implements Renderer with text/template. Parsed templates are
// cached; it is safe for concurrent use.
type GoRenderer struct {
	secrets       SecretSource
	eventBus      events.Bus
	templateCache map[string]*template.Template
	varCache      map[string][]string
	mu            sync.Mutex
}

// NewGoRenderer creates a renderer. Both arguments may be nil; without a
// secret source the `secret` function is not available.
func NewGoRenderer(secrets SecretSource, eventBus events.Bus) *GoRenderer {
	return &GoRenderer{
		secrets:       secrets,
		eventBus:      eventBus,
		templateCache: make(map[string]*template.Template),
		varCache:      make(map[string][]string),
	}
}

func (r *GoRenderer) GetFuncMap() template.FuncMap {
	return GetFuncMap(r.secrets, r.eventBus)
}

// Render executes a template against data. Missing keys are errors.
func (r *GoRenderer) Render(templateString string, data interface{}) (string, error) {
	t, err := r.getOrParseTemplate(templateString)
	if err != nil {
		return "", caterrors.New(caterrors.KindTemplateResolutionFailed,
			fmt.Sprintf("template parse error: %s", err.Error()), templateGuidance, err)
	}

	var buf bytes.Buffer
	if execErr := t.Execute(&buf, data); execErr != nil {
		return "", caterrors.New(caterrors.KindTemplateResolutionFailed,
			fmt.Sprintf("template execution error: %s", execErr.Error()), templateGuidance, execErr)
	}
	return buf.String(), nil
}

const templateGuidance = "Check that every referenced input or step output exists at this point of the run."

// Resolve returns the typed value when templateString is a single bare
// reference such as `{{ .build.version }}`, and the rendered string
// otherwise.
func (r *GoRenderer) Resolve(templateString string, data interface{}) (interface{}, error) {
	if matches := simpleVarRegex.FindStringSubmatch(templateString); len(matches) == 2 {
		if value, found := Lookup(data, matches[1]); found {
			return value, nil
		}
	}
	return r.Render(templateString, data)
}

// ResolveValue resolves every string inside value, descending into maps and
// slices. The input is never modified; containers are copied.
func (r *GoRenderer) ResolveValue(value interface{}, data interface{}) (interface{}, error) {
	return r.resolveValue(value, data, "")
}

func (r *GoRenderer) resolveValue(value interface{}, data interface{}, where string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		out, err := r.Resolve(v, data)
		if err != nil && where != "" {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		return out, err
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			resolved, err := r.resolveValue(v[k], data, join(where, k))
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := r.resolveValue(item, data, fmt.Sprintf("%s[%d]", where, i))
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			resolved, err := r.resolveValue(item, data, fmt.Sprintf("%s[%d]", where, i))
			if err != nil {
				return nil, err
			}
			out[i] = fmt.Sprint(resolved)
		}
		return out, nil
	default:
		return value, nil
	}
}

func join(where, key string) string {
	if where == "" {
		return key
	}
	return where + "." + key
}

// Lookup finds a dot-separated path in data. Numeric segments index arrays.
func Lookup(data interface{}, path string) (interface{}, bool) {
	c := gabs.Wrap(data)
	if !c.ExistsP(path) {
		return nil, false
	}
	return c.Path(path).Data(), true
}

// ExtractVariables returns the top-level field paths a template references,
// sorted. Unparsable templates yield nil; Render reports their errors.
func (r *GoRenderer) ExtractVariables(templateString string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cachedVars, exists := r.varCache[templateString]; exists {
		return cachedVars, nil
	}

	parseFuncMap := r.GetFuncMap()
	t, parseErr := template.New("extract").Option("missingkey=error").Funcs(parseFuncMap).Parse(templateString)
	if parseErr != nil {
		return nil, nil
	}

	variablesMap := make(map[string]struct{})
	if t.Root != nil {
		extractNodeVariablesRecursive(t.Root, variablesMap, parseFuncMap)
	}

	variables := make([]string, 0, len(variablesMap))
	for v := range variablesMap {
		variables = append(variables, v)
	}
	sort.Strings(variables)

	r.varCache[templateString] = variables
	return variables, nil
}

func (r *GoRenderer) getOrParseTemplate(templateString string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, exists := r.templateCache[templateString]; exists {
		return cached, nil
	}

	t, parseErr := template.New("value").Option("missingkey=error").Funcs(r.GetFuncMap()).Parse(templateString)
	if parseErr != nil {
		return nil, parseErr
	}
	r.templateCache[templateString] = t
	return t, nil
}

func getFullVarPath(node parse.Node, funcMap template.FuncMap) string {
	switch n := node.(type) {
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			if _, isFunc := funcMap[n.Ident[0]]; !isFunc {
				return strings.Join(n.Ident, ".")
			}
		}
	case *parse.ChainNode:
		if fieldNode, isField := n.Node.(*parse.FieldNode); isField {
			return getFullVarPath(fieldNode, funcMap)
		}
	}
	return ""
}

func extractNodeVariablesRecursive(node parse.Node, vars map[string]struct{}, funcMap template.FuncMap) {
	if node == nil {
		return
	}

	if fullPath := getFullVarPath(node, funcMap); fullPath != "" {
		vars[fullPath] = struct{}{}
	}

	switch n := node.(type) {
	case *parse.ListNode:
		if n != nil {
			for _, subNode := range n.Nodes {
				extractNodeVariablesRecursive(subNode, vars, funcMap)
			}
		}
	case *parse.ActionNode:
		if n.Pipe != nil {
			extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
		}
	case *parse.IfNode:
		extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
		extractNodeVariablesRecursive(n.List, vars, funcMap)
		extractNodeVariablesRecursive(n.ElseList, vars, funcMap)
	case *parse.RangeNode:
		extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
		extractNodeVariablesRecursive(n.List, vars, funcMap)
		extractNodeVariablesRecursive(n.ElseList, vars, funcMap)
	case *parse.WithNode:
		extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
		extractNodeVariablesRecursive(n.List, vars, funcMap)
		extractNodeVariablesRecursive(n.ElseList, vars, funcMap)
	case *parse.PipeNode:
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				extractNodeVariablesRecursive(arg, vars, funcMap)
			}
		}
	}
}
