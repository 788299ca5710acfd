package template

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
)

// GetFuncMap returns the functions available in every template.
func GetFuncMap(secrets SecretSource, bus events.Bus) template.FuncMap {
	fm := template.FuncMap{
		"env": funcEnv,
		"eq": func(a, b interface{}) bool {
			return reflect.DeepEqual(a, b)
		},
		"json":    funcJSON,
		"default": funcDefault,
	}

	if secrets != nil {
		fm["secret"] = createSecretFunc(secrets, bus)
	}
	return fm
}

func funcEnv(key string) string {
	return os.Getenv(key)
}

func funcJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json: %w", err)
	}
	return string(b), nil
}

// funcDefault returns def when v is the zero value of its type.
func funcDefault(def, v interface{}) interface{} {
	if v == nil {
		return def
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map:
		if rv.Len() == 0 {
			return def
		}
	}
	if rv.IsZero() {
		return def
	}
	return v
}

// createSecretFunc builds the `secret` function. The resolved value goes
// into the rendered config untouched; only its name is reported on the bus.
func createSecretFunc(src SecretSource, bus events.Bus) func(string) (string, error) {
	return func(name string) (string, error) {
		value, found := src.Resolve(name)
		if !found {
			return "", fmt.Errorf("secret '%s' not found", name)
		}
		if bus != nil {
			bus.Emit(events.Event{
				ID:        uuid.NewString(),
				Type:      events.SecretResolve,
				Timestamp: time.Now(),
				Payload:   map[string]interface{}{"secret_name": name},
			})
		}
		return value, nil
	}
}
