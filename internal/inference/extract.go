package inference

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractObject returns the first balanced {...} substring of text that is
// valid JSON.
//
// Grammar: scanning starts at a '{' and tracks brace depth. Braces inside
// JSON string literals (including escaped quotes) do not count. The candidate
// ends where depth returns to zero. When a candidate is not valid JSON,
// scanning resumes at the next '{' after its start. No candidate means no
// match.
func ExtractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end, ok := balancedEnd(text, start); ok {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func balancedEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return i, true
			}
		}
	}
	return 0, false
}
