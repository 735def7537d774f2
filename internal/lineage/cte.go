package lineage

import (
	"fmt"
	"strings"
	"unicode"
)

// splitCTEs strips a leading WITH clause, returning the trailing query
// body and the CTE bodies by name. The underlying parser predates WITH
// support, so the clause is carved off with a balanced-paren scan and
// each CTE body is parsed on its own.
func splitCTEs(query string) (body string, ctes map[string]string, err error) {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "WITH") || !isBoundary(trimmed, 4) {
		return trimmed, nil, nil
	}

	rest := strings.TrimSpace(trimmed[4:])
	if upperRest := strings.ToUpper(rest); strings.HasPrefix(upperRest, "RECURSIVE") && isBoundary(rest, 9) {
		rest = strings.TrimSpace(rest[9:])
	}

	ctes = map[string]string{}
	for {
		name, after, ok := takeIdent(rest)
		if !ok {
			return "", nil, fmt.Errorf("malformed WITH clause near %q", snippet(rest))
		}
		after = strings.TrimSpace(after)

		// Optional column list: name (a, b) AS (...)
		if strings.HasPrefix(after, "(") && !hasASPrefix(after) {
			_, after, ok = takeParens(after)
			if !ok {
				return "", nil, fmt.Errorf("unbalanced column list for CTE %s", name)
			}
			after = strings.TrimSpace(after)
		}

		if !strings.HasPrefix(strings.ToUpper(after), "AS") || !isBoundary(after, 2) {
			return "", nil, fmt.Errorf("CTE %s missing AS", name)
		}
		after = strings.TrimSpace(after[2:])

		cteBody, remaining, ok := takeParens(after)
		if !ok {
			return "", nil, fmt.Errorf("unbalanced parentheses in CTE %s", name)
		}
		ctes[name] = strings.TrimSpace(cteBody)

		remaining = strings.TrimSpace(remaining)
		if strings.HasPrefix(remaining, ",") {
			rest = strings.TrimSpace(remaining[1:])
			continue
		}
		return remaining, ctes, nil
	}
}

// isBoundary reports whether s[n] is absent or a non-identifier rune,
// so keywords are matched on word boundaries.
func isBoundary(s string, n int) bool {
	if len(s) <= n {
		return true
	}
	c := rune(s[n])
	return !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_'
}

// hasASPrefix reports whether s starts with the AS keyword (used to
// disambiguate a column list from AS ( ... )).
func hasASPrefix(s string) bool {
	up := strings.ToUpper(strings.TrimSpace(s))
	return strings.HasPrefix(up, "AS") && isBoundary(strings.TrimSpace(s), 2)
}

// takeIdent consumes a leading identifier.
func takeIdent(s string) (ident, rest string, ok bool) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) {
		c := rune(s[i])
		if unicode.IsLetter(c) || c == '_' || (i > 0 && unicode.IsDigit(c)) {
			i++
			continue
		}
		break
	}
	if i == 0 {
		return "", s, false
	}
	return s[:i], s[i:], true
}

// takeParens consumes a balanced parenthesized block, respecting
// single-quoted strings, and returns its inner text.
func takeParens(s string) (inner, rest string, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") {
		return "", s, false
	}
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
				if depth == 0 {
					return s[1:i], s[i+1:], true
				}
			}
		}
	}
	return "", s, false
}

func snippet(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
