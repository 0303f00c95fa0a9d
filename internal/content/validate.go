package content

import (
	"strings"
	"unicode/utf8"
)

var htmlPrefixes = []string{"<!doctype", "<html", "<head", "<body", "<?xml"}

// Validate reports whether raw looks like a complete filter list. It rejects
// empty placeholders, binary or mis-encoded payloads, HTML error pages, and
// bodies made only of comments.
func Validate(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	if strings.IndexByte(raw, 0) >= 0 || !utf8.ValidString(raw) {
		return false
	}

	first := true
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first {
			first = false
			lower := strings.ToLower(line)
			for _, prefix := range htmlPrefixes {
				if strings.HasPrefix(lower, prefix) {
					return false
				}
			}
		}
		if !isComment(line) {
			return true
		}
	}
	return false
}

// isComment reports whether a trimmed line carries no rule. Preprocessor
// directives ("!#...") and cosmetic rules ("##...") are not comments.
func isComment(line string) bool {
	switch {
	case strings.HasPrefix(line, "!#"):
		return false
	case strings.HasPrefix(line, "!"):
		return true
	case line == "#", strings.HasPrefix(line, "# "):
		return true
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return true
	}
	return false
}
