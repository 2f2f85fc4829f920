package lyrics

import (
	"strings"
	"unicode/utf8"
)

// Fit shortens text to at most max runes. When token is present in the
// text the line holding its first occurrence is always kept and the
// token itself is never cut. Lines are kept in order, dropping from the
// end first.
func Fit(text, token string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	lines := strings.Split(text, "\n")
	anchor := -1
	if token != "" {
		for i, l := range lines {
			if strings.Contains(l, token) {
				anchor = i
				break
			}
		}
	}
	if anchor < 0 {
		return prefix(lines, max)
	}
	anchorLen := utf8.RuneCountInString(lines[anchor])
	if anchorLen > max {
		return window(lines[anchor], token, max)
	}

	var out []string
	used := 0
	skipBefore := false
	for i, l := range lines {
		n := utf8.RuneCountInString(l)
		sep := 0
		if len(out) > 0 {
			sep = 1
		}
		if i == anchor {
			out = append(out, l)
			used += sep + n
			continue
		}
		if i < anchor {
			if skipBefore {
				continue
			}
			// Leave room for the anchor line.
			if used+sep+n+1+anchorLen > max {
				skipBefore = true
				continue
			}
		} else if used+sep+n > max {
			break
		}
		out = append(out, l)
		used += sep + n
	}
	return strings.Join(out, "\n")
}

// prefix keeps whole lines while they fit, cutting the first line when
// even that one is too long.
func prefix(lines []string, max int) string {
	var out []string
	used := 0
	for _, l := range lines {
		n := utf8.RuneCountInString(l)
		sep := 0
		if len(out) > 0 {
			sep = 1
		}
		if used+sep+n > max {
			break
		}
		out = append(out, l)
		used += sep + n
	}
	if len(out) == 0 {
		return string([]rune(lines[0])[:max])
	}
	return strings.Join(out, "\n")
}

// window cuts a single line to max runes around the token.
func window(line, token string, max int) string {
	runes := []rune(line)
	tok := []rune(token)
	if len(tok) >= max {
		return string(tok[:max])
	}
	start := utf8.RuneCountInString(line[:strings.Index(line, token)])
	end := start + len(tok)
	if end <= max {
		return string(runes[:max])
	}
	return string(runes[end-max : end])
}
