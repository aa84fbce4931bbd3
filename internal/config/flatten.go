package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// keySpec describes one settable leaf of Config.
type keySpec struct {
	kind   reflect.Kind
	secret bool
}

// schema maps every dot key of Config to its spec. Fields tagged
// `secret:"true"` are masked when listed.
var schema = sync.OnceValue(func() map[string]keySpec {
	out := make(map[string]keySpec)
	walkKeys(reflect.TypeOf(Config{}), "", out)
	return out
})

func walkKeys(t reflect.Type, prefix string, out map[string]keySpec) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := joinKey(prefix, name)
		if f.Type.Kind() == reflect.Struct {
			walkKeys(f.Type, key, out)
			continue
		}
		out[key] = keySpec{kind: f.Type.Kind(), secret: f.Tag.Get("secret") == "true"}
	}
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Keys returns every known dot key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(schema()))
	for k := range schema() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsKnownKey reports whether key names a Config field.
func IsKnownKey(key string) bool {
	_, ok := schema()[key]
	return ok
}

// IsSecretKey reports whether the value under key is masked by default.
func IsSecretKey(key string) bool {
	return schema()[key].secret
}

// Flatten turns {"realtime": {"url": "wss://x"}} into {"realtime.url": "wss://x"}.
// Empty nested objects contribute no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if child, ok := v.(map[string]any); ok {
				walk(joinKey(prefix, k), child)
				continue
			}
			out[joinKey(prefix, k)] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A leaf that collides with a longer
// key is replaced by the nested object.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		node := out
		for {
			head, rest, nested := strings.Cut(key, ".")
			if !nested {
				if _, isObject := node[head].(map[string]any); !isObject {
					node[head] = v
				}
				break
			}
			child, ok := node[head].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[head] = child
			}
			node, key = child, rest
		}
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secret values reduced
// to "***" plus their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		s, ok := v.(string)
		if !IsSecretKey(k) || !ok || s == "" {
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}

// parseValue converts a command-line value into the type of the field
// under key. Keys ending in _ms also accept durations such as "1.5s".
func parseValue(key, raw string) (any, error) {
	spec, ok := schema()[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	switch spec.kind {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: expected true or false, got %q", key, raw)
		}
		return b, nil
	case reflect.Int:
		if strings.HasSuffix(key, "_ms") {
			if d, err := time.ParseDuration(raw); err == nil {
				if d < 0 {
					return nil, fmt.Errorf("%s: negative duration %s", key, raw)
				}
				return int(d / time.Millisecond), nil
			}
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			if strings.HasSuffix(key, "_ms") {
				return nil, fmt.Errorf("%s: expected milliseconds or a duration, got %q", key, raw)
			}
			return nil, fmt.Errorf("%s: expected an integer, got %q", key, raw)
		}
		if n < 0 {
			return nil, fmt.Errorf("%s: must not be negative", key)
		}
		return n, nil
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: expected a number, got %q", key, raw)
		}
		return f, nil
	case reflect.Slice:
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return list, nil
		}
		list = []string{}
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		return list, nil
	}
	return nil, fmt.Errorf("%s: unsupported type %s", key, spec.kind)
}
