package telegram

import (
	"html"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"
)

type span struct {
	start, end int
	open       string
	close      string
}

// entitiesToHTML renders text with Telegram formatting entities as HTML
// parse-mode markup. Offsets are UTF-16 code units. Entity types without an
// HTML form are emitted as plain escaped text.
func entitiesToHTML(text string, ents tele.Entities) string {
	units := utf16.Encode([]rune(text))
	spans := make([]span, 0, len(ents))
	for _, e := range ents {
		start, end := e.Offset, e.Offset+e.Length
		if e.Length <= 0 || start < 0 || end > len(units) {
			continue
		}
		open, closeTag, ok := entityTags(e)
		if !ok {
			continue
		}
		spans = append(spans, span{start: start, end: end, open: open, close: closeTag})
	}
	if len(spans) == 0 {
		return html.EscapeString(text)
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var b strings.Builder
	var stack []span
	next, last := 0, 0
	flush := func(pos int) {
		if pos > last {
			b.WriteString(html.EscapeString(string(utf16.Decode(units[last:pos]))))
			last = pos
		}
	}
	for pos := 0; pos <= len(units); pos++ {
		if !boundary(pos, stack, spans, next) && pos < len(units) {
			continue
		}
		flush(pos)
		// Close everything ending here. A span that overlaps without nesting
		// is closed early and reopened so the markup stays well formed.
		var reopen []span
		for endsBy(stack, pos) {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			b.WriteString(top.close)
			if top.end > pos {
				reopen = append(reopen, top)
			}
		}
		for i := len(reopen) - 1; i >= 0; i-- {
			b.WriteString(reopen[i].open)
			stack = append(stack, reopen[i])
		}
		for next < len(spans) && spans[next].start == pos {
			b.WriteString(spans[next].open)
			stack = append(stack, spans[next])
			next++
		}
	}
	return b.String()
}

func boundary(pos int, stack, spans []span, next int) bool {
	if next < len(spans) && spans[next].start == pos {
		return true
	}
	for _, s := range stack {
		if s.end == pos {
			return true
		}
	}
	return false
}

// endsBy reports whether any span in stack ends at or before pos.
func endsBy(stack []span, pos int) bool {
	for _, s := range stack {
		if s.end <= pos {
			return true
		}
	}
	return false
}

func entityTags(e tele.MessageEntity) (open, closeTag string, ok bool) {
	switch e.Type {
	case tele.EntityBold:
		return "<b>", "</b>", true
	case tele.EntityItalic:
		return "<i>", "</i>", true
	case tele.EntityUnderline:
		return "<u>", "</u>", true
	case tele.EntityStrikethrough:
		return "<s>", "</s>", true
	case tele.EntitySpoiler:
		return "<tg-spoiler>", "</tg-spoiler>", true
	case tele.EntityCode:
		return "<code>", "</code>", true
	case tele.EntityCodeBlock:
		if e.Language != "" {
			return `<pre><code class="language-` + html.EscapeString(e.Language) + `">`, "</code></pre>", true
		}
		return "<pre>", "</pre>", true
	case tele.EntityTextLink:
		if e.URL == "" {
			return "", "", false
		}
		return `<a href="` + html.EscapeString(e.URL) + `">`, "</a>", true
	case tele.EntityTMention:
		if e.User == nil {
			return "", "", false
		}
		return `<a href="tg://user?id=` + strconv.FormatInt(e.User.ID, 10) + `">`, "</a>", true
	case tele.EntityBlockquote:
		return "<blockquote>", "</blockquote>", true
	case tele.EntityEBlockquote:
		return "<blockquote expandable>", "</blockquote>", true
	default:
		return "", "", false
	}
}
