package cache

import "strings"

// Key joins parts with ':' and upper-cases them so "spy" and "SPY" share an entry.
func Key(op string, parts ...string) string {
	var b strings.Builder
	b.WriteString(op)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strings.ToUpper(p))
	}
	return b.String()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// BuildPattern returns a Redis glob matching keys that contain substr.
func BuildPattern(substr string) string {
	if substr == "" {
		return "*"
	}
	return "*" + globEscaper.Replace(substr) + "*"
}
