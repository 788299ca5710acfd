package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Masker holds the run's secret store and replaces secret values with
// `[SECRET:{name}]` placeholders in anything surfaced for humans. It never
// alters the live values handed to actions.
type Masker struct {
	mu     sync.RWMutex
	values map[string]string // name -> plaintext
	order  []secretPair       // non-empty values, longest first; nil when stale
}

type secretPair struct{ name, value string }

// NewMasker creates an empty masker.
func NewMasker() *Masker {
	return &Masker{values: make(map[string]string)}
}

// Placeholder returns the masked form of the named secret.
func Placeholder(name string) string {
	return fmt.Sprintf("[SECRET:%s]", name)
}

// Register adds or replaces a named secret. Empty values are stored so that
// Resolve still works, but they are never used for masking.
func (m *Masker) Register(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	m.order = nil
}

// RegisterAll registers every entry of secrets.
func (m *Masker) RegisterAll(secrets map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, value := range secrets {
		m.values[name] = value
	}
	m.order = nil
}

// Resolve returns the plaintext of the named secret.
func (m *Masker) Resolve(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

// Names returns the registered secret names, sorted.
func (m *Masker) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.values))
	for n := range m.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clear forgets every registered secret.
func (m *Masker) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	m.order = nil
}

// Mask substitutes every registered non-empty secret value in text.
//
// Matches of all secrets are collected first and overlapping or nested
// matches are merged into one placeholder, named after the match that starts
// first (the longest one on a tie). No byte of any secret survives, even when
// two values overlap without containing each other.
func (m *Masker) Mask(text string) string {
	if text == "" {
		return text
	}
	var spans []span
	for _, p := range m.sorted() {
		for off := 0; off < len(text); {
			i := strings.Index(text[off:], p.value)
			if i < 0 {
				break
			}
			start := off + i
			spans = append(spans, span{start: start, end: start + len(p.value), name: p.name})
			off = start + 1
		}
	}
	if len(spans) == 0 {
		return text
	}
	// sorted() is longest first, so a stable sort keeps the longest match
	// ahead at equal offsets.
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	pos := 0
	for i := 0; i < len(spans); {
		first, end := spans[i], spans[i].end
		j := i + 1
		for ; j < len(spans) && spans[j].start < end; j++ {
			end = max(end, spans[j].end)
		}
		b.WriteString(text[pos:first.start])
		b.WriteString(Placeholder(first.name))
		pos, i = end, j
	}
	b.WriteString(text[pos:])
	return b.String()
}

type span struct {
	start, end int
	name       string
}

// Contains reports whether text holds any registered secret value.
func (m *Masker) Contains(text string) bool {
	for _, p := range m.sorted() {
		if strings.Contains(text, p.value) {
			return true
		}
	}
	return false
}

func (m *Masker) sorted() []secretPair {
	m.mu.RLock()
	order := m.order
	m.mu.RUnlock()
	if order != nil {
		return order
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.order != nil {
		return m.order
	}
	order = make([]secretPair, 0, len(m.values))
	for name, value := range m.values {
		if value != "" {
			order = append(order, secretPair{name, value})
		}
	}
	// Ties break on name for stable output.
	sort.Slice(order, func(i, j int) bool {
		if len(order[i].value) != len(order[j].value) {
			return len(order[i].value) > len(order[j].value)
		}
		return order[i].name < order[j].name
	})
	m.order = order
	return order
}

// MaskValue returns a copy of v with secrets masked in every string it
// contains, descending into maps and slices. Numbers and booleans are returned
// unchanged. Anything else (structs, pointers, typed maps and slices) is
// first reduced to its JSON form, so the masked copy is what encoding it
// would persist.
func (m *Masker) MaskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = m.MaskValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = m.Mask(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.MaskValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = m.Mask(item)
		}
		return out
	case error:
		return m.MaskError(val)
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	default:
		return m.maskOther(v)
	}
}

func (m *Masker) maskOther(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		if _, custom := v.(json.Marshaler); !custom {
			return v
		}
	case reflect.String:
		if _, custom := v.(json.Marshaler); !custom {
			return m.Mask(rv.String())
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return m.Mask(fmt.Sprintf("%v", v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return m.Mask(string(data))
	}
	return m.MaskValue(generic)
}

// Unmask restores the plaintext of registered secrets whose placeholders
// appear in text. Resume uses it to rebuild live inputs and variables from a
// masked record.
func (m *Masker) Unmask(text string) string {
	if !strings.Contains(text, "[SECRET:") {
		return text
	}
	pairs := m.sorted()
	oldnew := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		oldnew = append(oldnew, Placeholder(p.name), p.value)
	}
	return strings.NewReplacer(oldnew...).Replace(text)
}

// UnmaskValue is Unmask applied to every string in v.
func (m *Masker) UnmaskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.Unmask(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = m.UnmaskValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.UnmaskValue(item)
		}
		return out
	default:
		return v
	}
}

// MaskMap is MaskValue specialised for the variables and inputs maps.
func (m *Masker) MaskMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	return m.MaskValue(in).(map[string]any)
}

// MaskError returns an error whose message has secrets masked. The original
// error remains reachable through errors.Unwrap so kind and code checks keep
// working; only Error() is rewritten.
func (m *Masker) MaskError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	masked := m.Mask(msg)
	if masked == msg {
		return err
	}
	return &maskedError{msg: masked, cause: err}
}

type maskedError struct {
	msg   string
	cause error
}

func (e *maskedError) Error() string { return e.msg }
func (e *maskedError) Unwrap() error { return e.cause }

var _ error = (*maskedError)(nil)

// IsMasked reports whether err was produced by MaskError.
func IsMasked(err error) bool {
	var me *maskedError
	return errors.As(err, &me)
}
