package tgui

import "cinebot/internal/transport"

// Pager returns a prev/next row for a paged list. Buttons at the edges are
// omitted, so the row can be empty.
func Pager(page, pages int, prevData, nextData string) []transport.Button {
	var row []transport.Button
	if page > 0 {
		row = append(row, Btn("⬅️ Previous", prevData))
	}
	if page < pages-1 {
		row = append(row, Btn("Next ➡️", nextData))
	}
	return row
}
