package autofix

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// Heuristic repairs mechanical mistakes without a model: trailing commas in
// the bundle's JSON files such as package.json.
type Heuristic struct{}

type bundleFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Fix implements Fixer.
func (Heuristic) Fix(_ context.Context, bundle, _ string) (string, error) {
	var envelope struct {
		Files []bundleFile `json:"files"`
	}
	if err := json.Unmarshal([]byte(bundle), &envelope); err != nil || len(envelope.Files) == 0 {
		return bundle, nil
	}

	changed := false
	for i, f := range envelope.Files {
		if !strings.HasSuffix(strings.ToLower(f.Path), ".json") || json.Valid([]byte(f.Content)) {
			continue
		}
		fixed := StripTrailingCommas(f.Content)
		if fixed != f.Content && json.Valid([]byte(fixed)) {
			envelope.Files[i].Content = fixed
			changed = true
		}
	}
	if !changed {
		return bundle, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// StripTrailingCommas removes commas directly before a closing brace or
// bracket. Commas inside string literals are kept.
func StripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == ',' && closesNext(text[i+1:]):
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func closesNext(rest string) bool {
	rest = strings.TrimLeft(rest, " \t\r\n")
	return rest != "" && (rest[0] == '}' || rest[0] == ']')
}
