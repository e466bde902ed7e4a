// Package environment loads extra environment variables from a file and
// applies variable sets for the duration of a call.
package environment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/safeinit/pkg/logging"
)

// Vars maps variable names to values. A nil value unsets the variable.
type Vars map[string]*string

// Value returns a pointer to s, for building Vars literals.
func Value(s string) *string { return &s }

// Merge returns a new set where later sets override earlier ones.
func Merge(sets ...Vars) Vars {
	out := Vars{}
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// Keys returns the variable names in sorted order.
func (v Vars) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup resolves name against v first and the process environment second.
func (v Vars) Lookup(name string) (string, bool) {
	if val, ok := v[name]; ok {
		if val == nil {
			return "", false
		}
		return *val, true
	}
	return os.LookupEnv(name)
}

// Environ returns the process environment with v applied, as a map.
func (v Vars) Environ() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			out[k] = val
		}
	}
	for k, val := range v {
		if val == nil {
			delete(out, k)
		} else {
			out[k] = *val
		}
	}
	return out
}

// Exists reports whether path names a non-empty regular file.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

// Load reads a flat object of variables from a JSON file, or a YAML file
// when the extension is .yaml or .yml. Non-string scalar values are
// converted with a warning and null values unset the variable. Any failure
// is logged and yields an empty set.
func Load(path string, l *logging.Logger) Vars {
	log := logging.OrDefault(l)
	if !Exists(path) {
		return Vars{}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Exception("Failed to load the extra environment variables file. Not loading extra env vars.", err,
			map[string]interface{}{"file": path})
		return Vars{}
	}

	var raw interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		log.Exception("Failed to load the extra environment variables file. Not loading extra env vars.", err,
			map[string]interface{}{"file": path})
		return Vars{}
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		log.Error("The extra environment variables file must contain an object. Not loading extra env vars.",
			map[string]interface{}{"file": path})
		return Vars{}
	}

	vars := Vars{}
	for key, value := range obj {
		switch t := value.(type) {
		case nil:
			vars[key] = nil
		case string:
			vars[key] = Value(t)
		case map[string]interface{}, []interface{}:
			converted, err := json.Marshal(t)
			if err != nil {
				log.Error("Values in the extra environment variables file should be strings or null. Converting to string failed, skipping key.",
					map[string]interface{}{"key": key})
				continue
			}
			warnConverted(log, key, value, string(converted))
			vars[key] = Value(string(converted))
		default:
			converted := fmt.Sprint(t)
			warnConverted(log, key, value, converted)
			vars[key] = Value(converted)
		}
	}
	return vars
}

func warnConverted(log *logging.Logger, key string, value interface{}, converted string) {
	log.Warn("Values in the extra environment variables file should be strings or null. Converting to string.",
		map[string]interface{}{
			"key":             key,
			"value_type":      fmt.Sprintf("%T", value),
			"converted_value": converted,
		})
}

// applyMu serializes Apply; concurrent scopes never interleave their restores.
var applyMu sync.Mutex

// Apply sets and unsets the variables in vars and returns a function that
// restores the previous values. The restore function is safe to call more
// than once.
func Apply(vars Vars) (restore func()) {
	applyMu.Lock()
	defer applyMu.Unlock()

	type previous struct {
		value string
		set   bool
	}
	saved := make(map[string]previous, len(vars))
	for k, v := range vars {
		old, ok := os.LookupEnv(k)
		saved[k] = previous{value: old, set: ok}
		if v == nil {
			_ = os.Unsetenv(k)
		} else {
			_ = os.Setenv(k, *v)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			applyMu.Lock()
			defer applyMu.Unlock()
			for k, p := range saved {
				if p.set {
					_ = os.Setenv(k, p.value)
				} else {
					_ = os.Unsetenv(k)
				}
			}
		})
	}
}
