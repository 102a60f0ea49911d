package tgui

import "html"

// H is text that is safe to send with ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text for HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func B(s string) H    { return H("<b>" + html.EscapeString(s) + "</b>") }
func Code(s string) H { return H("<code>" + html.EscapeString(s) + "</code>") }
