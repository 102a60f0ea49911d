package bot

import (
	"context"
	"fmt"

	"cinebot/internal/catalog"
	"cinebot/internal/session"
	"cinebot/internal/transport"
	"cinebot/pkg/tgui"
	logx "cinebot/pkg/logx"
)

const (
	navScope = "nav"
	// maxReportedQuery caps the query echoed to the operator.
	maxReportedQuery = 200
)

var (
	dataPrev = tgui.Data(navScope, "prev", "")
	dataNext = tgui.Data(navScope, "next", "")
)

// resultURL is the site page a result button opens.
func resultURL(site string, id int64, kind catalog.Kind) string {
	return fmt.Sprintf("%s/best/result/x/%d/%s", site, id, kind)
}

// caption renders "<b>Title</b> (year)\n\n<b>Genres:</b> a, b".
func caption(d catalog.Details) string {
	return string(tgui.B(d.Title)) + string(tgui.Esc(" ("+d.Year+")")) + "\n\n" +
		string(tgui.B("Genres:")) + " " + string(tgui.Esc(d.GenreList()))
}

// pageKeyboard lays out one URL button per result, then the nav row.
func pageKeyboard(site string, details []catalog.Details, page session.Page, size int) transport.Keyboard {
	kb := tgui.NewInline()
	for _, d := range details {
		kb.Row(tgui.URLBtn(d.Label(), resultURL(site, d.ID, d.Kind)))
	}
	pages := (page.Total + size - 1) / size
	kb.Row(tgui.Pager(page.Offset/size, pages, dataPrev, dataNext)...)
	return kb.Keyboard()
}

// render sends page to the chat and then deletes replace (the loading
// message or the previous page).
func (b *Bot) render(ctx context.Context, req *Request, page session.Page, replace transport.MessageRef) error {
	details := make([]catalog.Details, 0, len(page.Items))
	for _, it := range page.Items {
		d, err := b.catalog.Details(ctx, it.ID, catalog.Kind(it.Kind))
		if err != nil {
			req.Log.Warn("result details failed", logx.Int64("id", it.ID), logx.String("kind", string(it.Kind)), logx.Err(err))
			continue
		}
		details = append(details, d)
	}
	if len(details) == 0 {
		_, _ = b.reply(ctx, req, msgSearchError)
		b.deleteMessage(ctx, req, replace)
		return nil
	}

	first := details[0]
	kb := pageKeyboard(b.config().SiteURL, details, page, b.sessions.PageSize())
	text := caption(first)

	p := transport.Payload{Kind: transport.KindText, Text: text, ParseMode: "HTML", Keyboard: kb, DisablePreview: true}
	if first.PosterURL != "" {
		p = transport.Payload{Kind: transport.KindPhoto, Media: first.PosterURL, Caption: text, ParseMode: "HTML", Keyboard: kb}
	}
	_, err := b.gw.Send(ctx, req.Chat, p)
	if err != nil && p.Kind == transport.KindPhoto && !transport.IsPermanent(err) {
		// A poster Telegram cannot fetch should not cost the user the page.
		req.Log.Warn("poster send failed, falling back to text", logx.String("poster", first.PosterURL), logx.Err(err))
		_, err = b.gw.Send(ctx, req.Chat, transport.Payload{Kind: transport.KindText, Text: text, ParseMode: "HTML", Keyboard: kb, DisablePreview: true})
	}
	if err != nil {
		return fmt.Errorf("send page: %w", err)
	}
	b.deleteMessage(ctx, req, replace)
	return nil
}

func (b *Bot) deleteMessage(ctx context.Context, req *Request, ref transport.MessageRef) {
	if ref.MessageID == 0 {
		return
	}
	if err := b.gw.Delete(ctx, ref); err != nil {
		req.Log.Debug("delete message failed", logx.Int("message_id", ref.MessageID), logx.Err(err))
	}
}
