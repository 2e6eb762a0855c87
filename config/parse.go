package config

import "strings"

// ParseMap parses "k1=v1,k2:v2" style settings. Entries are separated by
// commas or newlines, the first '=' or ':' outside quotes splits key from
// value, and surrounding single or double quotes are stripped. A key without
// a separator maps to the empty string.
func ParseMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range splitEntries(raw) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v := splitPair(entry)
		k = unquote(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = unquote(strings.TrimSpace(v))
	}
	return out
}

// splitEntries splits on ',' and newlines outside quotes.
func splitEntries(raw string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ',' || r == '\n' || r == '\r':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}

func splitPair(entry string) (string, string) {
	var quote rune
	for i, r := range entry {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '=' || r == ':':
			return entry[:i], entry[i+1:]
		}
	}
	return entry, ""
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	if len(s) == 1 && (s == `"` || s == "'") {
		return ""
	}
	return s
}
