package schema

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

// emitCanonical marshals v with yaml.v3 using a two-space indent, then
// normalizes line endings to LF and guarantees exactly one trailing
// newline — the canonical form every emitter in this package (and in
// internal/store) must produce so that round-tripping a document is
// byte-identical (spec.md §8, "Round-trip").
func emitCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	out := strings.ReplaceAll(buf.String(), "\r\n", "\n")
	out = strings.TrimRight(out, "\n") + "\n"
	return []byte(out), nil
}
