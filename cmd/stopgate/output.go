package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// writeJSON prints v as one indented JSON object.
func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// respond prints fields plus "success" (true unless fields sets it) and
// "nextStep".
func (a *app) respond(fields map[string]any, nextStep string) error {
	out := map[string]any{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	out["nextStep"] = nextStep
	return a.writeJSON(out)
}

// decodeObject decodes a JSON object argument into v, accepting camelCase
// keys for snake_case fields. "-" reads the object from stdin.
func (a *app) decodeObject(arg string, v any) error {
	data := []byte(arg)
	if arg == "-" {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(a.stdin); err != nil {
			return fmt.Errorf("%w: read stdin: %v", errInvalidJSON, err)
		}
		data = buf.Bytes()
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	normalized, err := json.Marshal(snakeKeys(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	if err := json.Unmarshal(normalized, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	return nil
}

// snakeKeys rewrites top-level keys like "impactLevel" to "impact_level".
func snakeKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[toSnake(k)] = v
	}
	return out
}

func toSnake(s string) string {
	var b strings.Builder
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case r == '-':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}
