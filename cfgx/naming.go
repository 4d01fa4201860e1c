package cfgx

import (
	"strings"
	"unicode"
)

// words splits a dotted struct path into lower case words.
// Acronyms stay together: "DB.HTTPPort" gives [db http port].
func words(path string) []string {
	var out []string
	for segment := range strings.SplitSeq(path, ".") {
		r := []rune(segment)
		start := 0
		for i := 1; i < len(r); i++ {
			if !unicode.IsUpper(r[i]) {
				continue
			}
			prev := r[i-1]
			nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				out = append(out, strings.ToLower(string(r[start:i])))
				start = i
			}
		}
		if start < len(r) {
			out = append(out, strings.ToLower(string(r[start:])))
		}
	}
	return out
}

func snake(path string) string {
	return strings.Join(words(path), "_")
}

func screamingSnake(path string) string {
	return strings.ToUpper(snake(path))
}

func kebab(path string) string {
	return strings.Join(words(path), "-")
}
