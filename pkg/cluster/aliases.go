package cluster

import "strings"

// inferColumnAliases recovers the user-intended output names from a query's
// RETURN clause: explicit "AS" aliases where present, the raw expression text
// otherwise. The result is best-effort; callers only use it when its length
// matches the engine's own reported column count.
func inferColumnAliases(query string) []string {
	idx := lastKeywordIndex(query, "RETURN")
	if idx < 0 {
		return nil
	}
	clause := query[idx+len("RETURN"):]

	// Trim trailing modifiers; they are not part of the projection list.
	for _, kw := range []string{"ORDER BY", "SKIP", "LIMIT", "UNION"} {
		if i := lastKeywordIndex(clause, kw); i >= 0 {
			clause = clause[:i]
		}
	}
	clause = strings.TrimSpace(clause)
	if upper := strings.ToUpper(clause); strings.HasPrefix(upper, "DISTINCT ") {
		clause = strings.TrimSpace(clause[len("DISTINCT "):])
	}
	if clause == "" {
		return nil
	}

	items := splitProjection(clause)
	aliases := make([]string, 0, len(items))
	for _, item := range items {
		expr := strings.TrimSpace(item)
		if expr == "" {
			return nil
		}
		if i := lastTopLevelAS(expr); i >= 0 {
			alias := strings.TrimSpace(expr[i+4:])
			aliases = append(aliases, strings.Trim(alias, "`"))
			continue
		}
		aliases = append(aliases, expr)
	}
	return aliases
}

// lastKeywordIndex finds the last occurrence of kw as a whole word outside
// quotes and brackets, case-insensitively.
func lastKeywordIndex(s, kw string) int {
	upper := strings.ToUpper(s)
	kw = strings.ToUpper(kw)
	depth := 0
	var quote byte
	last := -1
	for i := 0; i+len(kw) <= len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
			continue
		case '(', '[', '{':
			depth++
			continue
		case ')', ']', '}':
			depth--
			continue
		}
		if depth != 0 || !strings.HasPrefix(upper[i:], kw) {
			continue
		}
		beforeOK := i == 0 || !isWordChar(s[i-1])
		afterOK := i+len(kw) == len(s) || !isWordChar(s[i+len(kw)])
		if beforeOK && afterOK {
			last = i
		}
	}
	return last
}

// lastTopLevelAS finds a trailing " AS " outside quotes and brackets.
func lastTopLevelAS(expr string) int {
	upper := strings.ToUpper(expr)
	depth := 0
	var quote byte
	last := -1
	for i := 0; i+4 <= len(expr); i++ {
		ch := expr[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
		if depth == 0 && strings.HasPrefix(upper[i:], " AS ") {
			last = i
		}
	}
	return last
}

// splitProjection splits a projection list on top-level commas.
func splitProjection(s string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
