package tgui

import "cinebot/internal/transport"

// Inline builds a transport.Keyboard row by row.
type Inline struct {
	rows transport.Keyboard
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row. Empty rows are skipped.
func (i *Inline) Row(btn ...transport.Button) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, btn)
	}
	return i
}

// Keyboard returns the built rows, or nil when nothing was added.
func (i *Inline) Keyboard() transport.Keyboard {
	if len(i.rows) == 0 {
		return nil
	}
	return i.rows
}

// Btn creates a callback button with raw callback data.
func Btn(text, data string) transport.Button {
	return transport.Button{Text: text, Data: data}
}

// URLBtn creates a link button.
func URLBtn(text, url string) transport.Button {
	return transport.Button{Text: text, URL: url}
}
