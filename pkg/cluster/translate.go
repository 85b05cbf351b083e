package cluster

import "regexp"

// translateRules maps common openCypher surface syntax onto the embedded
// engine's native function names. The pass is purely syntactic: a query no
// rule matches flows through unchanged.
var translateRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\btoInteger\s*\(`), "to_int64("},
	{regexp.MustCompile(`(?i)\btoFloat\s*\(`), "to_double("},
	{regexp.MustCompile(`(?i)\bdatetime\s*\(\s*\)`), "current_timestamp()"},
	{regexp.MustCompile(`(?i)\btimestamp\s*\(\s*\)`), "current_timestamp()"},
}

// translateDialect rewrites query for the engine's dialect.
func translateDialect(query string) string {
	out := query
	for _, rule := range translateRules {
		out = rule.re.ReplaceAllString(out, rule.repl)
	}
	return out
}
