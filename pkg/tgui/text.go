package tgui

// TruncRunes shortens s to at most n runes, ending with "…" when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
