package llm

import (
	"encoding/json"
	"strings"
)

// DecodeJSON parses a model response into v with tolerant extraction: strict
// parse first, then the first balanced {...} substring (models wrap JSON in
// prose or code fences). Returns false when neither attempt yields valid
// JSON; callers fall back to their conservative default.
func DecodeJSON(text string, v any) bool {
	trimmed := strings.TrimSpace(text)
	if json.Unmarshal([]byte(trimmed), v) == nil {
		return true
	}

	candidate, ok := firstObject(trimmed)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(candidate), v) == nil
}

// firstObject scans for the first balanced top-level JSON object, honoring
// string literals and escapes.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
