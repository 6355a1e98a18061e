package env

import (
	"strings"
	"testing"
)

// FuzzExpandMerge fuzzes Merge with random inputs to ensure no panics and
// basic invariants around ${VAR} expansion.
func FuzzExpandMerge(f *testing.F) {
	// seeds (newline-separated pairs)
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}")) // cyclic-like

	f.Fuzz(func(t *testing.T, baseB []byte, overB []byte) {
		base := splitNZ(string(baseB))
		over := splitNZ(string(overB))
		if len(base) > 20 {
			base = base[:20]
		}
		if len(over) > 20 {
			over = over[:20]
		}

		out := Merge(base, over)
		for i, kv := range out {
			if !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
			if i > 0 && out[i-1] > kv {
				t.Fatalf("not sorted: %q before %q", out[i-1], kv)
			}
		}
		// Without '$' in any override nothing is expanded, so overrides
		// come through verbatim.
		dollar := false
		for _, s := range over {
			if strings.ContainsRune(s, '$') {
				dollar = true
				break
			}
		}
		if !dollar {
			want := Parse(append(append([]string{}, base...), over...))
			if got := Parse(out); len(got) != len(want) {
				t.Fatalf("merge lost keys: got %d want %d", len(got), len(want))
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
