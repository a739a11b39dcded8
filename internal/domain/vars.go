package domain

import (
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Vars is a free-form key-value store persisted with its owner.
// Values are held as encoded JSON so they survive a database round trip
// with their types intact when decoded into the caller's destination.
type Vars map[string]json.RawMessage

// Set stores v under key.
func (v Vars) Set(key string, value any) error {
	b, err := gojson.Marshal(value)
	if err != nil {
		return fmt.Errorf("set var %q: %w", key, err)
	}
	v[key] = b
	return nil
}

// Get decodes the value stored under key into dst.
// It reports false if the key is absent.
func (v Vars) Get(key string, dst any) (bool, error) {
	raw, ok := v[key]
	if !ok {
		return false, nil
	}
	if err := gojson.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("get var %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key is set.
func (v Vars) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// Delete removes key.
func (v Vars) Delete(key string) { delete(v, key) }

// Inc adds delta to the numeric value under key, treating a missing key as 0.
func (v Vars) Inc(key string, delta float64) (float64, error) {
	var cur float64
	if _, err := v.Get(key, &cur); err != nil {
		return 0, err
	}
	cur += delta
	return cur, v.Set(key, cur)
}

// Map decodes every value into a generic map, for expression environments
// and API output.
func (v Vars) Map() map[string]any {
	out := make(map[string]any, len(v))
	for k, raw := range v {
		var x any
		if err := gojson.Unmarshal(raw, &x); err == nil {
			out[k] = x
		}
	}
	return out
}

// Namespaced returns a view over v whose keys are prefixed with
// "__<namespace>__", so trial makers sharing a participant cannot collide.
func (v Vars) Namespaced(namespace string) NamespacedVars {
	return NamespacedVars{vars: v, prefix: "__" + namespace + "__"}
}

// NamespacedVars is a prefixed view over Vars.
type NamespacedVars struct {
	vars   Vars
	prefix string
}

func (n NamespacedVars) Key(key string) string { return n.prefix + key }

func (n NamespacedVars) Set(key string, value any) error {
	return n.vars.Set(n.Key(key), value)
}

func (n NamespacedVars) Get(key string, dst any) (bool, error) {
	return n.vars.Get(n.Key(key), dst)
}

func (n NamespacedVars) Has(key string) bool { return n.vars.Has(n.Key(key)) }

func (n NamespacedVars) Delete(key string) { n.vars.Delete(n.Key(key)) }

func (n NamespacedVars) Inc(key string, delta float64) (float64, error) {
	return n.vars.Inc(n.Key(key), delta)
}
