// Package env composes the environment handed to the browser process.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Parse turns "K=V" pairs into a map. Entries without '=' or with an empty
// key are skipped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// Merge composes the final environment list:
// base first, then overrides applied in order. Override values may
// reference ${VAR} or $VAR from everything merged before them; unknown
// names expand to "". The result is sorted by key.
func Merge(base, overrides []string) []string {
	m := Parse(base)
	for _, kv := range overrides {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = os.Expand(v, func(name string) string { return m[name] })
	}
	return m.List()
}

// FromOS is Merge over the current process environment.
func FromOS(overrides []string) []string { return Merge(os.Environ(), overrides) }

// List renders the map as sorted "K=V" pairs.
func (m Var) List() []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
