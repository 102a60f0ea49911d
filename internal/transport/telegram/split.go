package telegram

import "strings"

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag. It always returns at
// least one chunk.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			if open := danglingTag(rs[start:end]); open > 1 {
				end = start + open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// danglingTag returns the index of an unclosed '<' in rs, or -1.
func danglingTag(rs []rune) int {
	lastOpen, lastClose := -1, -1
	for i, r := range rs {
		switch r {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose {
		return lastOpen
	}
	return -1
}
